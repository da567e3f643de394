package x402

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/profullstack/coinpayportal/internal/verify"
)

// pqUniqueViolation is the Postgres error code for a unique constraint
// violation; hitting it on insert means the proof is a replay.
const pqUniqueViolation = "23505"

// PostgresStore persists payment records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, payment *Payment) error {
	rawProof := payment.RawProof
	if rawProof == nil {
		rawProof = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO x402_payments (
			id, network, scheme, asset, from_address, to_address, amount,
			business_id, unique_key, status, tx_hash, error_detail,
			raw_proof, created_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15
		)`,
		payment.ID, string(payment.Network), string(payment.Scheme),
		nullString(payment.Asset), nullString(payment.FromAddress), nullString(payment.ToAddress), nullString(payment.Amount),
		payment.BusinessID, payment.UniqueKey, string(payment.Status),
		nullString(payment.TxHash), nullString(payment.ErrorDetail),
		rawProof, payment.CreatedAt, nullTime(payment.SettledAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrReplayDetected
	}
	return err
}

const paymentColumns = `id, network, scheme, asset, from_address, to_address, amount,
		       business_id, unique_key, status, tx_hash, error_detail,
		       raw_proof, created_at, settled_at`

func (p *PostgresStore) Get(ctx context.Context, network verify.Network, businessID, uniqueKey string) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM x402_payments
		WHERE network = $1 AND business_id = $2 AND unique_key = $3`,
		string(network), businessID, uniqueKey)

	payment, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, ErrPaymentNotFound
	}
	return payment, err
}

func (p *PostgresStore) UpdateIf(ctx context.Context, payment *Payment, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE x402_payments SET
			status = $1, tx_hash = $2, error_detail = $3, settled_at = $4
		WHERE network = $5 AND unique_key = $6 AND status = $7`,
		string(payment.Status), nullString(payment.TxHash), nullString(payment.ErrorDetail), nullTime(payment.SettledAt),
		string(payment.Network), payment.UniqueKey, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, payment.Network, payment.BusinessID, payment.UniqueKey); getErr != nil {
			return getErr
		}
		return ErrUpdateConflict
	}
	return nil
}

func scanPayment(row *sql.Row) (*Payment, error) {
	payment := &Payment{}
	var (
		network     string
		scheme      string
		asset       sql.NullString
		fromAddress sql.NullString
		toAddress   sql.NullString
		amount      sql.NullString
		status      string
		txHash      sql.NullString
		errorDetail sql.NullString
		settledAt   sql.NullTime
	)

	err := row.Scan(
		&payment.ID, &network, &scheme, &asset, &fromAddress, &toAddress, &amount,
		&payment.BusinessID, &payment.UniqueKey, &status, &txHash, &errorDetail,
		&payment.RawProof, &payment.CreatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	payment.Network = verify.Network(network)
	payment.Scheme = verify.Scheme(scheme)
	payment.Asset = asset.String
	payment.FromAddress = fromAddress.String
	payment.ToAddress = toAddress.String
	payment.Amount = amount.String
	payment.Status = Status(status)
	payment.TxHash = txHash.String
	payment.ErrorDetail = errorDetail.String
	if settledAt.Valid {
		payment.SettledAt = &settledAt.Time
	}
	return payment, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
