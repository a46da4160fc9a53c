package customers

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ErrNotFound is returned when no active customer exists for the given id.
var ErrNotFound = errors.New("customers: not found")

// PersonType is the closed set of customer kinds.
type PersonType string

const (
	PersonNatural PersonType = "natural"
	PersonCompany PersonType = "company"
)

// CategoryError reports a person type value outside the closed set.
type CategoryError struct {
	Value string
}

func (e *CategoryError) Error() string {
	return fmt.Sprintf("%q is not a valid person type", e.Value)
}

func ParsePersonType(v string) (PersonType, error) {
	switch PersonType(v) {
	case PersonNatural, PersonCompany:
		return PersonType(v), nil
	default:
		return "", &CategoryError{Value: v}
	}
}

type Customer struct {
	ID             string
	Name           string
	PersonType     PersonType
	Identification string
	Email          string
	Phone          string
	Address        string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FieldError is a single field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field-level failures for one repository call.
// It satisfies error so callers can unwrap it with errors.As.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (v *ValidationErrors) add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

const (
	maxNameLen           = 255
	maxIdentificationLen = 50
	maxEmailLen          = 255
	maxPhoneLen          = 20
	maxAddressLen        = 500
)

// validate checks every field constraint except identification uniqueness,
// which needs a store lookup and happens inside the service transaction.
func (c Customer) validate() ValidationErrors {
	var errs ValidationErrors

	if c.Name == "" {
		errs.add("name", "can't be blank")
	} else if len(c.Name) > maxNameLen {
		errs.add("name", fmt.Sprintf("is too long (maximum is %d characters)", maxNameLen))
	}

	if _, err := ParsePersonType(string(c.PersonType)); err != nil {
		errs.add("person_type", err.Error())
	}

	if c.Identification == "" {
		errs.add("identification", "can't be blank")
	} else if len(c.Identification) > maxIdentificationLen {
		errs.add("identification", fmt.Sprintf("is too long (maximum is %d characters)", maxIdentificationLen))
	}

	if c.Email == "" {
		errs.add("email", "can't be blank")
	} else if len(c.Email) > maxEmailLen {
		errs.add("email", fmt.Sprintf("is too long (maximum is %d characters)", maxEmailLen))
	} else if !validEmail(c.Email) {
		errs.add("email", "is invalid")
	}

	if len(c.Phone) > maxPhoneLen {
		errs.add("phone", fmt.Sprintf("is too long (maximum is %d characters)", maxPhoneLen))
	}

	if c.Address == "" {
		errs.add("address", "can't be blank")
	} else if len(c.Address) > maxAddressLen {
		errs.add("address", fmt.Sprintf("is too long (maximum is %d characters)", maxAddressLen))
	}

	return errs
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	// Reject the "Name <addr>" form; only a bare address is a valid value.
	return err == nil && addr.Address == s
}

// Attributes is the input for Create.
type Attributes struct {
	Name           string
	PersonType     string
	Identification string
	Email          string
	Phone          string
	Address        string
}

// UpdateAttributes carries a partial update; nil fields are left unchanged.
type UpdateAttributes struct {
	Name           *string
	PersonType     *string
	Identification *string
	Email          *string
	Phone          *string
	Address        *string
	Active         *bool
}

// apply merges the update onto c. An out-of-set person type is deferred to
// validate so it surfaces as a field error, not an unstructured failure.
func (u UpdateAttributes) apply(c *Customer) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.PersonType != nil {
		c.PersonType = PersonType(*u.PersonType)
	}
	if u.Identification != nil {
		c.Identification = *u.Identification
	}
	if u.Email != nil {
		c.Email = *u.Email
	}
	if u.Phone != nil {
		c.Phone = *u.Phone
	}
	if u.Address != nil {
		c.Address = *u.Address
	}
	if u.Active != nil {
		c.Active = *u.Active
	}
}

// Pagination describes one page of a listing.
type Pagination struct {
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	TotalCount  int64 `json:"total_count"`
	PerPage     int   `json:"per_page"`
}
