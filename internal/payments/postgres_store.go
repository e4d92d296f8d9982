package payments

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists pending payments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pending-payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `id, order_id, target, payment_request, amount_sats,
		attempts, paid, last_error, created_at, updated_at, paid_at`

func (p *PostgresStore) Create(ctx context.Context, pp *PendingPayment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pp.ID, pp.OrderID, pp.Target, pp.PaymentRequest, pp.AmountSats,
		pp.Attempts, pp.Paid, pp.LastError, pp.CreatedAt, pp.UpdatedAt, nullTime(pp.PaidAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PendingPayment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) Update(ctx context.Context, pp *PendingPayment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE pending_payments SET
			payment_request = $1, attempts = $2, paid = $3, last_error = $4,
			updated_at = $5, paid_at = $6
		WHERE id = $7`,
		pp.PaymentRequest, pp.Attempts, pp.Paid, pp.LastError,
		pp.UpdatedAt, nullTime(pp.PaidAt), pp.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (p *PostgresStore) ListDue(ctx context.Context, maxAttempts, limit int) ([]*PendingPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE paid = FALSE AND attempts < $1
		ORDER BY created_at ASC
		LIMIT $2`, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PendingPayment
	for rows.Next() {
		pp, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pp)
	}
	return result, rows.Err()
}

func (p *PostgresStore) FindActiveByTarget(ctx context.Context, target string, maxAttempts int) (*PendingPayment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+` FROM pending_payments
		WHERE target = $1 AND paid = FALSE AND attempts < $2
		LIMIT 1`, target, maxAttempts)
	return scanPayment(row)
}

func (p *PostgresStore) CountActive(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_payments
		WHERE paid = FALSE AND attempts < $1`, maxAttempts).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*PendingPayment, error) {
	var pp PendingPayment
	var paidAt sql.NullTime
	err := row.Scan(
		&pp.ID, &pp.OrderID, &pp.Target, &pp.PaymentRequest, &pp.AmountSats,
		&pp.Attempts, &pp.Paid, &pp.LastError, &pp.CreatedAt, &pp.UpdatedAt, &paidAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		t := paidAt.Time
		pp.PaidAt = &t
	}
	return &pp, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
