package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"custhub/internal/customers"
)

type service interface {
	Create(ctx context.Context, attrs customers.Attributes) (customers.Customer, error)
	Update(ctx context.Context, id string, attrs customers.UpdateAttributes) (customers.Customer, error)
	SoftDelete(ctx context.Context, id string) error
}

type reader interface {
	FindActive(ctx context.Context, id string) (customers.Customer, error)
	ListActive(ctx context.Context, page, perPage int) ([]customers.Customer, customers.Pagination, error)
}

type Handler struct {
	svc    service
	repo   reader
	logger *slog.Logger
}

func New(svc service, repo reader, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, repo: repo, logger: logger}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/customers", h.Create)
	mux.HandleFunc("GET /api/v1/customers", h.List)
	mux.HandleFunc("GET /api/v1/customers/{id}", h.Get)
	mux.HandleFunc("PUT /api/v1/customers/{id}", h.Update)
	mux.HandleFunc("PATCH /api/v1/customers/{id}", h.Update)
	mux.HandleFunc("DELETE /api/v1/customers/{id}", h.Delete)
}

type customerRequest struct {
	Name           *string `json:"name"`
	PersonType     *string `json:"person_type"`
	Identification *string `json:"identification"`
	Email          *string `json:"email"`
	Phone          *string `json:"phone"`
	Address        *string `json:"address"`
}

type customerResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PersonType     string `json:"person_type"`
	Identification string `json:"identification"`
	Email          string `json:"email"`
	Phone          string `json:"phone,omitempty"`
	Address        string `json:"address"`
	Active         bool   `json:"active"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func toResponse(c customers.Customer) customerResponse {
	return customerResponse{
		ID:             c.ID,
		Name:           c.Name,
		PersonType:     string(c.PersonType),
		Identification: c.Identification,
		Email:          c.Email,
		Phone:          c.Phone,
		Address:        c.Address,
		Active:         c.Active,
		CreatedAt:      c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	attrs := customers.Attributes{
		Name:           deref(req.Name),
		PersonType:     deref(req.PersonType),
		Identification: deref(req.Identification),
		Email:          deref(req.Email),
		Phone:          deref(req.Phone),
		Address:        deref(req.Address),
	}

	c, err := h.svc.Create(r.Context(), attrs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(c))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.repo.FindActive(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", 20)

	list, meta, err := h.repo.ListActive(r.Context(), page, perPage)
	if err != nil {
		h.writeError(w, err)
		return
	}

	data := make([]customerResponse, 0, len(list))
	for _, c := range list {
		data = append(data, toResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": data,
		"meta": meta,
	})
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req customerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}

	attrs := customers.UpdateAttributes{
		Name:           req.Name,
		PersonType:     req.PersonType,
		Identification: req.Identification,
		Email:          req.Email,
		Phone:          req.Phone,
		Address:        req.Address,
	}

	c, err := h.svc.Update(r.Context(), r.PathValue("id"), attrs)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(c))
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.SoftDelete(r.Context(), r.PathValue("id")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verrs customers.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"errors": verrs,
		})
	case errors.Is(err, customers.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{
				"code":    "customer_not_found",
				"message": "customer not found",
			},
		})
	default:
		h.logger.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]string{
				"code":    "internal_error",
				"message": "internal server error",
			},
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
