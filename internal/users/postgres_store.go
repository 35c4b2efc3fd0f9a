package users

import (
	"context"
	"database/sql"
	"errors"

	"github.com/safehold/safehold/internal/dbx"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	q dbx.Querier
}

// NewPostgresStore creates a user store on q.
func NewPostgresStore(q dbx.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

const userColumns = `id, firstname, lastname, username, email, password_hash, role, sub_role, status,
	kyc_status, kyc_document_url, customer_reference, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.Firstname, u.Lastname, u.Username, u.Email, u.PasswordHash, u.Role, dbx.NullString(u.SubRole),
		string(u.Status), string(u.KYC.Status), dbx.NullString(u.KYC.DocumentURL), u.CustomerReference,
		u.CreatedAt, u.UpdatedAt)
	switch {
	case dbx.IsUniqueViolation(err, "users_email_key"):
		return ErrEmailTaken
	case dbx.IsUniqueViolation(err, "users_username_key"):
		return ErrUsernameTaken
	}
	return err
}

func (p *PostgresStore) getBy(ctx context.Context, column, value string) (*User, error) {
	row := p.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+column+` = $1`, value)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*User, error) {
	return p.getBy(ctx, "id", id)
}

func (p *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return p.getBy(ctx, "email", email)
}

func (p *PostgresStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return p.getBy(ctx, "username", username)
}

func (p *PostgresStore) GetByCustomerReference(ctx context.Context, ref string) (*User, error) {
	return p.getBy(ctx, "customer_reference", ref)
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE users SET firstname = $2, lastname = $3, password_hash = $4, role = $5, sub_role = $6,
			status = $7, kyc_status = $8, kyc_document_url = $9, updated_at = $10
		WHERE id = $1`,
		u.ID, u.Firstname, u.Lastname, u.PasswordHash, u.Role, dbx.NullString(u.SubRole),
		string(u.Status), string(u.KYC.Status), dbx.NullString(u.KYC.DocumentURL), u.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, offset, limit int) ([]*User, int, error) {
	total, err := p.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func scanUser(row dbx.Scanner) (*User, error) {
	u := &User{}
	var (
		subRole, docURL   sql.NullString
		status, kycStatus string
	)
	err := row.Scan(&u.ID, &u.Firstname, &u.Lastname, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &subRole,
		&status, &kycStatus, &docURL, &u.CustomerReference, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.SubRole = subRole.String
	u.Status = Status(status)
	u.KYC = KYC{Status: KYCStatus(kycStatus), DocumentURL: docURL.String}
	return u, nil
}

var _ Store = (*PostgresStore)(nil)
