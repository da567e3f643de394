package business

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/profullstack/coinpayportal/internal/fees"
)

// PostgresStore persists businesses in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed business store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const businessColumns = `id, name, tier, api_key_hash, payout_addresses,
			stripe_customer_id, active, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Business) error {
	payoutJSON, _ := json.Marshal(b.PayoutAddresses)
	if b.PayoutAddresses == nil {
		payoutJSON = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO businesses (
			id, name, tier, api_key_hash, payout_addresses,
			stripe_customer_id, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.Name, string(b.Tier), b.APIKeyHash, payoutJSON,
		nullString(b.StripeCustomerID), b.Active, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Business, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE id = $1`, id)
	return scanBusiness(row)
}

func (p *PostgresStore) GetByAPIKeyHash(ctx context.Context, hash string) (*Business, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+businessColumns+` FROM businesses WHERE api_key_hash = $1`, hash)
	return scanBusiness(row)
}

func (p *PostgresStore) Update(ctx context.Context, b *Business) error {
	payoutJSON, _ := json.Marshal(b.PayoutAddresses)
	if b.PayoutAddresses == nil {
		payoutJSON = []byte("{}")
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE businesses SET
			name = $1, tier = $2, payout_addresses = $3,
			stripe_customer_id = $4, active = $5, updated_at = $6
		WHERE id = $7`,
		b.Name, string(b.Tier), payoutJSON,
		nullString(b.StripeCustomerID), b.Active, b.UpdatedAt, b.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func scanBusiness(row *sql.Row) (*Business, error) {
	b := &Business{}
	var (
		tier       string
		payoutJSON []byte
		stripeID   sql.NullString
	)
	err := row.Scan(&b.ID, &b.Name, &tier, &b.APIKeyHash, &payoutJSON,
		&stripeID, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b.Tier = fees.Tier(tier)
	if stripeID.Valid {
		b.StripeCustomerID = stripeID.String
	}
	if len(payoutJSON) > 0 {
		_ = json.Unmarshal(payoutJSON, &b.PayoutAddresses)
	}
	return b, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
