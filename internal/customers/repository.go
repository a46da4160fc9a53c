package customers

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"custhub/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

const customerColumns = `id, name, person_type, identification, email, COALESCE(phone, ''), address, active, created_at, updated_at`

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	err := row.Scan(&c.ID, &c.Name, &c.PersonType, &c.Identification, &c.Email, &c.Phone, &c.Address, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Customer{}, err
	}
	return c, nil
}

func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, c Customer) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customers (id, name, person_type, identification, email, phone, address, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)
	`, c.ID, c.Name, c.PersonType, c.Identification, c.Email, c.Phone, c.Address, c.Active, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("customers: insert: %w", err)
	}
	return nil
}

// GetActiveForUpdateTx loads the current row and locks it for the rest of the
// transaction, giving Update a stable before-mutation snapshot to diff against.
func (r *Repository) GetActiveForUpdateTx(ctx context.Context, tx pgx.Tx, id string) (Customer, error) {
	c, err := scanCustomer(tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM customers
		WHERE id = $1 AND active
		FOR UPDATE
	`, customerColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("customers: get for update: %w", err)
	}
	return c, nil
}

func (r *Repository) UpdateTx(ctx context.Context, tx pgx.Tx, c Customer) error {
	tag, err := tx.Exec(ctx, `
		UPDATE customers
		SET name = $2,
			person_type = $3,
			identification = $4,
			email = $5,
			phone = NULLIF($6, ''),
			address = $7,
			active = $8,
			updated_at = $9
		WHERE id = $1
	`, c.ID, c.Name, c.PersonType, c.Identification, c.Email, c.Phone, c.Address, c.Active, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("customers: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IdentificationTakenTx reports whether another row, active or not, already
// carries the identification. Uniqueness ignores the soft-delete flag.
func (r *Repository) IdentificationTakenTx(ctx context.Context, tx pgx.Tx, identification, excludeID string) (bool, error) {
	var taken bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM customers
			WHERE identification = $1 AND id <> $2
		)
	`, identification, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("customers: identification lookup: %w", err)
	}
	return taken, nil
}

// FindActive is the read path used by the API; soft-deleted rows are invisible here.
func (r *Repository) FindActive(ctx context.Context, id string) (Customer, error) {
	c, err := scanCustomer(r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM customers
		WHERE id = $1 AND active
	`, customerColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("customers: find active: %w", err)
	}
	return c, nil
}

// Get ignores the active flag. Soft-deleted rows stay addressable by id for
// diagnostics even though the API never serves them.
func (r *Repository) Get(ctx context.Context, id string) (Customer, error) {
	c, err := scanCustomer(r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM customers
		WHERE id = $1
	`, customerColumns), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Customer{}, ErrNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("customers: get: %w", err)
	}
	return c, nil
}

func (r *Repository) ListActive(ctx context.Context, page, perPage int) ([]Customer, Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM customers WHERE active`).Scan(&total); err != nil {
		return nil, Pagination{}, fmt.Errorf("customers: count active: %w", err)
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM customers
		WHERE active
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2
	`, customerColumns), perPage, (page-1)*perPage)
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("customers: list active: %w", err)
	}
	defer rows.Close()

	var out []Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, Pagination{}, fmt.Errorf("customers: scan: %w", err)
		}
		out = append(out, c)
	}
	if rows.Err() != nil {
		return nil, Pagination{}, fmt.Errorf("customers: rows: %w", rows.Err())
	}

	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	meta := Pagination{
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalCount:  total,
		PerPage:     perPage,
	}
	return out, meta, nil
}
