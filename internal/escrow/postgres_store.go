package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/profullstack/coinpayportal/internal/token"
	"github.com/profullstack/coinpayportal/internal/wallet"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	metadataJSON, _ := json.Marshal(e.Metadata)
	if e.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, chain, escrow_address, address_index,
			depositor_address, beneficiary_address, arbiter_address,
			amount, amount_usd, fee_amount, deposited_amount, deposit_tx_hash,
			release_token, beneficiary_token, status, dispute_reason, metadata,
			settlement_tx_hash, fee_tx_hash,
			created_at, expires_at, funded_at, released_at, refunded_at,
			disputed_at, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8::NUMERIC(30,8), $9::NUMERIC(30,8), $10::NUMERIC(30,8), $11::NUMERIC(30,8), $12,
			$13, $14, $15, $16, $17,
			$18, $19,
			$20, $21, $22, $23, $24,
			$25, $26, $27
		)`,
		e.ID, string(e.Chain), e.EscrowAddress, int64(e.AddressIndex),
		e.DepositorAddress, e.BeneficiaryAddress, nullString(e.ArbiterAddress),
		e.Amount, nullString(e.AmountUSD), e.FeeAmount, nullString(e.DepositedAmount), nullString(e.DepositTxHash),
		e.ReleaseToken.Raw(), e.BeneficiaryToken.Raw(), string(e.Status), nullString(e.DisputeReason), metadataJSON,
		nullString(e.SettlementTxHash), nullString(e.FeeTxHash),
		e.CreatedAt, e.ExpiresAt, nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.DisputedAt), nullTime(e.SettledAt), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, chain, escrow_address, address_index,
		       depositor_address, beneficiary_address, arbiter_address,
		       amount, amount_usd, fee_amount, deposited_amount, deposit_tx_hash,
		       release_token, beneficiary_token, status, dispute_reason, metadata,
		       settlement_tx_hash, fee_tx_hash,
		       created_at, expires_at, funded_at, released_at, refunded_at,
		       disputed_at, settled_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// UpdateIf writes the mutable escrow fields only when the stored row is
// still in the expected status. Losing the condition distinguishes a
// concurrent transition (ErrInvalidState) from a missing row.
func (p *PostgresStore) UpdateIf(ctx context.Context, e *Escrow, expected Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, deposited_amount = $2::NUMERIC(30,8), deposit_tx_hash = $3,
			dispute_reason = $4, settlement_tx_hash = $5, fee_tx_hash = $6,
			funded_at = $7, released_at = $8, refunded_at = $9,
			disputed_at = $10, settled_at = $11, updated_at = $12
		WHERE id = $13 AND status = $14`,
		string(e.Status), nullString(e.DepositedAmount), nullString(e.DepositTxHash),
		nullString(e.DisputeReason), nullString(e.SettlementTxHash), nullString(e.FeeTxHash),
		nullTime(e.FundedAt), nullTime(e.ReleasedAt), nullTime(e.RefundedAt),
		nullTime(e.DisputedAt), nullTime(e.SettledAt), e.UpdatedAt,
		e.ID, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.Get(ctx, e.ID); getErr != nil {
			return getErr
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByAddress(ctx context.Context, address string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE LOWER(depositor_address) = LOWER($1) OR LOWER(beneficiary_address) = LOWER($1)
		ORDER BY created_at DESC
		LIMIT $2`, address, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// ExpireStale is a single conditional bulk update, so concurrent sweeps
// and funding races resolve at the database.
func (p *PostgresStore) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows
		SET status = 'expired', updated_at = $1
		WHERE status = 'created' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) NextAddressIndex(ctx context.Context, chain wallet.Chain) (uint32, error) {
	var index int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_address_index_seq')`).Scan(&index)
	if err != nil {
		return 0, err
	}
	return uint32(index), nil
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event *Event) error {
	detailsJSON, _ := json.Marshal(event.Details)
	if event.Details == nil {
		detailsJSON = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_events (escrow_id, event_type, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.EscrowID, event.Type, nullString(event.Actor), detailsJSON, event.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, escrowID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, event_type, actor, details, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY id ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var actor sql.NullString
		var detailsJSON []byte
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.Type, &actor, &detailsJSON, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Actor = actor.String
		if len(detailsJSON) > 0 {
			_ = json.Unmarshal(detailsJSON, &ev.Details)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		chain            string
		addressIndex     int64
		arbiterAddr      sql.NullString
		amountUSD        sql.NullString
		depositedAmount  sql.NullString
		depositTxHash    sql.NullString
		releaseToken     string
		beneficiaryToken string
		status           string
		disputeReason    sql.NullString
		metadataJSON     []byte
		settlementTx     sql.NullString
		feeTx            sql.NullString
		fundedAt         sql.NullTime
		releasedAt       sql.NullTime
		refundedAt       sql.NullTime
		disputedAt       sql.NullTime
		settledAt        sql.NullTime
	)

	err := s.Scan(
		&e.ID, &chain, &e.EscrowAddress, &addressIndex,
		&e.DepositorAddress, &e.BeneficiaryAddress, &arbiterAddr,
		&e.Amount, &amountUSD, &e.FeeAmount, &depositedAmount, &depositTxHash,
		&releaseToken, &beneficiaryToken, &status, &disputeReason, &metadataJSON,
		&settlementTx, &feeTx,
		&e.CreatedAt, &e.ExpiresAt, &fundedAt, &releasedAt, &refundedAt,
		&disputedAt, &settledAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Chain = wallet.Chain(chain)
	e.AddressIndex = uint32(addressIndex)
	e.ArbiterAddress = arbiterAddr.String
	e.AmountUSD = amountUSD.String
	e.DepositedAmount = depositedAmount.String
	e.DepositTxHash = depositTxHash.String
	e.ReleaseToken = token.Token(releaseToken)
	e.BeneficiaryToken = token.Token(beneficiaryToken)
	e.Status = Status(status)
	e.DisputeReason = disputeReason.String
	e.SettlementTxHash = settlementTx.String
	e.FeeTxHash = feeTx.String
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		e.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		e.RefundedAt = &refundedAt.Time
	}
	if disputedAt.Valid {
		e.DisputedAt = &disputedAt.Time
	}
	if settledAt.Valid {
		e.SettledAt = &settledAt.Time
	}
	if len(metadataJSON) > 0 {
		_ = json.Unmarshal(metadataJSON, &e.Metadata)
	}

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
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
