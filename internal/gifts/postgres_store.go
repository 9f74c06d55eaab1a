package gifts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresStore persists gift records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed gift store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `claim_id, claim_secret, source_tx_hash, source_chain_id, amount,
		       sender_address, expiry, funding_mode, status, failure_reason, on_chain_tx_hash,
		       recipient_address, claim_step, claim_tx_hash, forward_tx_hash,
		       settlement_nonce, settlement_ref, claim_attempts, next_retry_at, last_error,
		       lease_owner, lease_until, created_at, updated_at, claimed_at`

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gift_records (`+recordColumns+`) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(78,0),
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25
		)`, recordArgs(r)...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id common.Hash) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM gift_records WHERE claim_id = $1`, id.Hex())
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

// Transition locks the row, checks the guards, and writes the new state with
// a status-conditioned UPDATE inside one transaction.
func (p *PostgresStore) Transition(ctx context.Context, id common.Hash, expected, next Status, u Update) (*Record, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM gift_records WHERE claim_id = $1 FOR UPDATE`, id.Hex())
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if r.Status != expected || !u.guardsHold(r) || !validForward(expected, next) {
		return nil, ErrStaleTransition
	}
	if u.Step != nil && (*u.Step).Before(r.ClaimStep) {
		return nil, ErrStaleTransition
	}
	if u.ResetClaim && r.ClaimStep != StepReserved {
		return nil, ErrStaleTransition
	}
	u.apply(r, next)

	res, err := tx.ExecContext(ctx, `
		UPDATE gift_records SET
			status = $2, failure_reason = $3, on_chain_tx_hash = $4,
			recipient_address = $5, claim_step = $6, claim_tx_hash = $7, forward_tx_hash = $8,
			settlement_nonce = $9, settlement_ref = $10, claim_attempts = $11, next_retry_at = $12,
			last_error = $13, lease_owner = $14, lease_until = $15, updated_at = $16, claimed_at = $17
		WHERE claim_id = $1 AND status = $18`,
		r.ClaimID.Hex(), string(r.Status), nullString(r.FailureReason), nullHash(r.OnChainTxHash),
		nullAddress(r.RecipientAddress), string(r.ClaimStep), nullHash(r.ClaimTxHash), nullHash(r.ForwardTxHash),
		nullNonce(r.SettlementNonce), nullString(r.SettlementRef), r.ClaimAttempts, nullTime(r.NextRetryAt),
		nullString(r.LastError), nullString(r.LeaseOwner), nullTime(r.LeaseUntil), r.UpdatedAt, nullTime(r.ClaimedAt),
		string(expected))
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrStaleTransition
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *PostgresStore) AcquireLease(ctx context.Context, id common.Hash, expected Status, owner string, until, now time.Time) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE gift_records SET lease_owner = $2, lease_until = $3, updated_at = $4
		WHERE claim_id = $1 AND status = $5
		  AND (lease_owner IS NULL OR lease_owner = '' OR lease_owner = $2 OR lease_until IS NULL OR lease_until <= $4)
		RETURNING `+recordColumns, id.Hex(), owner, until, now, string(expected))
	r, err := scanRecord(row)
	if err != sql.ErrNoRows {
		return r, err
	}

	// Nothing updated: tell apart a missing record, a status change and a live lease.
	cur, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != expected {
		return nil, ErrStaleTransition
	}
	return nil, ErrLeaseHeld
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM gift_records
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListRetryable(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM gift_records
		WHERE status = 'completed' AND claim_step <> ''
		  AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		  AND (lease_until IS NULL OR lease_until <= $1)
		ORDER BY created_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// NextNonce bumps the signer's row in one upsert, so concurrent replicas are
// serialized by the row lock.
func (p *PostgresStore) NextNonce(ctx context.Context, signer string, floor uint64) (uint64, error) {
	var n string
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO settlement_nonces (signer, last_nonce, updated_at)
		VALUES ($1, $2::NUMERIC(20,0), NOW())
		ON CONFLICT (signer) DO UPDATE
		SET last_nonce = GREATEST(settlement_nonces.last_nonce + 1, EXCLUDED.last_nonce),
		    updated_at = NOW()
		RETURNING last_nonce::TEXT`, strings.ToLower(signer), strconv.FormatUint(floor, 10)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate settlement nonce: %w", err)
	}
	return strconv.ParseUint(n, 10, 64)
}

func recordArgs(r *Record) []interface{} {
	return []interface{}{
		r.ClaimID.Hex(), r.ClaimSecret, r.SourceTxHash.Hex(), r.SourceChainID, r.Amount.String(),
		r.SenderAddress.Hex(), r.Expiry, string(r.FundingMode), string(r.Status), nullString(r.FailureReason), nullHash(r.OnChainTxHash),
		nullAddress(r.RecipientAddress), string(r.ClaimStep), nullHash(r.ClaimTxHash), nullHash(r.ForwardTxHash),
		nullNonce(r.SettlementNonce), nullString(r.SettlementRef), r.ClaimAttempts, nullTime(r.NextRetryAt), nullString(r.LastError),
		nullString(r.LeaseOwner), nullTime(r.LeaseUntil), r.CreatedAt, r.UpdatedAt, nullTime(r.ClaimedAt),
	}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		claimID, sourceTx, sender, amount string
		fundingMode, status, step         string
		failureReason, onChainTx          sql.NullString
		recipient, claimTx, forwardTx     sql.NullString
		nonce, settlementRef, lastError   sql.NullString
		leaseOwner                        sql.NullString
		nextRetryAt, leaseUntil           sql.NullTime
		claimedAt                         sql.NullTime
	)

	err := s.Scan(
		&claimID, &r.ClaimSecret, &sourceTx, &r.SourceChainID, &amount,
		&sender, &r.Expiry, &fundingMode, &status, &failureReason, &onChainTx,
		&recipient, &step, &claimTx, &forwardTx,
		&nonce, &settlementRef, &r.ClaimAttempts, &nextRetryAt, &lastError,
		&leaseOwner, &leaseUntil, &r.CreatedAt, &r.UpdatedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("gifts: corrupt amount %q for %s", amount, claimID)
	}
	r.Amount = amt
	r.ClaimID = common.HexToHash(claimID)
	r.SourceTxHash = common.HexToHash(sourceTx)
	r.SenderAddress = common.HexToAddress(sender)
	r.FundingMode = FundingMode(fundingMode)
	r.Status = Status(status)
	r.FailureReason = failureReason.String
	r.ClaimStep = ClaimStep(step)
	r.SettlementRef = settlementRef.String
	r.LastError = lastError.String
	r.LeaseOwner = leaseOwner.String
	if onChainTx.Valid {
		r.OnChainTxHash = common.HexToHash(onChainTx.String)
	}
	if recipient.Valid {
		r.RecipientAddress = common.HexToAddress(recipient.String)
	}
	if claimTx.Valid {
		r.ClaimTxHash = common.HexToHash(claimTx.String)
	}
	if forwardTx.Valid {
		r.ForwardTxHash = common.HexToHash(forwardTx.String)
	}
	if nonce.Valid {
		r.SettlementNonce, err = strconv.ParseUint(nonce.String, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("gifts: corrupt settlement nonce for %s: %w", claimID, err)
		}
	}
	if nextRetryAt.Valid {
		r.NextRetryAt = &nextRetryAt.Time
	}
	if leaseUntil.Valid {
		r.LeaseUntil = &leaseUntil.Time
	}
	if claimedAt.Valid {
		r.ClaimedAt = &claimedAt.Time
	}
	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullNonce(n uint64) sql.NullString {
	if n == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: strconv.FormatUint(n, 10), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullHash(h common.Hash) sql.NullString {
	if h == (common.Hash{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func nullAddress(a common.Address) sql.NullString {
	if a == (common.Address{}) {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

var _ Store = (*PostgresStore)(nil)
