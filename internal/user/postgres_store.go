package user

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists users in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed user store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `id, payout_request, disputes, banned, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.PayoutRequest, u.Disputes, u.Banned, u.CreatedAt, u.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*User, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, id string) (*User, error) {
	now := time.Now()
	// Upsert keeps first-sight creation race-free across concurrent handlers.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO users (id, payout_request, disputes, banned, created_at, updated_at)
		VALUES ($1, '', 0, FALSE, $2, $2)
		ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		RETURNING `+userColumns, id, now)
	return scanUser(row)
}

func (p *PostgresStore) Update(ctx context.Context, u *User) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET payout_request = $1, disputes = $2, banned = $3, updated_at = $4
		WHERE id = $5`,
		u.PayoutRequest, u.Disputes, u.Banned, u.UpdatedAt, u.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.PayoutRequest, &u.Disputes, &u.Banned, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
