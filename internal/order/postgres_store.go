package order

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `id, seller_id, buyer_id, amount_sats, fee_sats, fiat_amount, fiat_code,
		payment_method, hash, secret, status,
		buyer_coop_cancel, seller_coop_cancel, buyer_dispute, seller_dispute,
		channel_message_id, created_at, taken_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19
		)`,
		o.ID, o.SellerID, nullString(o.BuyerID), o.AmountSats, o.FeeSats, o.FiatAmount, o.FiatCode,
		o.PaymentMethod, nullString(o.Hash), nullString(o.Secret), string(o.Status),
		o.CoopCancel.Buyer, o.CoopCancel.Seller, o.Dispute.Buyer, o.Dispute.Seller,
		nullString(o.ChannelMessageID), o.CreatedAt, nullTime(o.TakenAt), o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Order, error) {
	if hash == "" {
		return nil, ErrOrderNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE hash = $1`, hash)
	return scanOrder(row)
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			buyer_id = $1, amount_sats = $2, fee_sats = $3, hash = $4, secret = $5,
			status = $6, buyer_coop_cancel = $7, seller_coop_cancel = $8,
			buyer_dispute = $9, seller_dispute = $10, channel_message_id = $11,
			taken_at = $12, updated_at = $13
		WHERE id = $14`,
		nullString(o.BuyerID), o.AmountSats, o.FeeSats, nullString(o.Hash), nullString(o.Secret),
		string(o.Status), o.CoopCancel.Buyer, o.CoopCancel.Seller,
		o.Dispute.Buyer, o.Dispute.Seller, nullString(o.ChannelMessageID),
		nullTime(o.TakenAt), o.UpdatedAt,
		o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

func (p *PostgresStore) ListStuck(ctx context.Context, status Status, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND COALESCE(taken_at, created_at) < $2
		ORDER BY created_at ASC
		LIMIT $3`, string(status), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var buyerID, hash, secret, channelMsgID sql.NullString
	var status string
	var takenAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.SellerID, &buyerID, &o.AmountSats, &o.FeeSats, &o.FiatAmount, &o.FiatCode,
		&o.PaymentMethod, &hash, &secret, &status,
		&o.CoopCancel.Buyer, &o.CoopCancel.Seller, &o.Dispute.Buyer, &o.Dispute.Seller,
		&channelMsgID, &o.CreatedAt, &takenAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	o.BuyerID = buyerID.String
	o.Hash = hash.String
	o.Secret = secret.String
	o.ChannelMessageID = channelMsgID.String
	o.Status = Status(status)
	if takenAt.Valid {
		t := takenAt.Time
		o.TakenAt = &t
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
