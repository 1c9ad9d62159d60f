package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/bounty-escrow/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var _ Querier = (*Queries)(nil)

const insertAccount = `
INSERT INTO accounts (user_id, balance, version, created_at, updated_at)
VALUES ($1, 0, 1, NOW(), NOW())
ON CONFLICT (user_id) DO NOTHING
`

func (q *Queries) InsertAccount(ctx context.Context, userID uuid.UUID) (bool, error) {
	tag, err := q.db.Exec(ctx, insertAccount, userID)
	if err != nil {
		return false, fmt.Errorf("insert account: %w", mapError(err))
	}
	return tag.RowsAffected() == 1, nil
}

const getAccount = `
SELECT user_id, balance, version, created_at, updated_at
FROM accounts
WHERE user_id = $1
`

func (q *Queries) GetAccount(ctx context.Context, userID uuid.UUID) (models.Account, error) {
	var a models.Account
	err := q.db.QueryRow(ctx, getAccount, userID).Scan(&a.UserID, &a.Balance, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.Account{}, mapError(err)
	}
	return a, nil
}

const updateAccountBalance = `
UPDATE accounts
SET balance = $2, version = version + 1, updated_at = NOW()
WHERE user_id = $1 AND version = $3
`

func (q *Queries) UpdateAccountBalance(ctx context.Context, arg UpdateAccountBalanceParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateAccountBalance, arg.UserID, arg.Balance, arg.ExpectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update account balance: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const listAccountDrift = `
SELECT a.user_id, a.balance, COALESCE(j.total, 0), COALESCE(j.n, 0)
FROM accounts a
LEFT JOIN (
    SELECT account_id, SUM(amount) AS total, COUNT(*) AS n
    FROM ledger_entries
    WHERE status = 'completed'
    GROUP BY account_id
) j ON j.account_id = a.user_id
WHERE a.balance <> COALESCE(j.total, 0) OR a.balance < 0
ORDER BY a.user_id
LIMIT $1
`

func (q *Queries) ListAccountDrift(ctx context.Context, limit int32) ([]models.AccountDrift, error) {
	rows, err := q.db.Query(ctx, listAccountDrift, limit)
	if err != nil {
		return nil, fmt.Errorf("list account drift: %w", err)
	}
	defer rows.Close()

	var out []models.AccountDrift
	for rows.Next() {
		var d models.AccountDrift
		if err := rows.Scan(&d.UserID, &d.Balance, &d.JournalTotal, &d.CompletedRows); err != nil {
			return nil, fmt.Errorf("scan account drift: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const ledgerEntryColumns = `id, account_id, type, amount, bounty_id, status, external_ref, idempotency_key, metadata, created_at, completed_at`

func scanLedgerEntry(row pgx.Row) (models.LedgerEntry, error) {
	var e models.LedgerEntry
	var metadata []byte
	err := row.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.BountyID, &e.Status,
		&e.ExternalRef, &e.IdempotencyKey, &metadata, &e.CreatedAt, &e.CompletedAt)
	if err != nil {
		return models.LedgerEntry{}, mapError(err)
	}
	e.Metadata = toRawJSON(metadata)
	return e, nil
}

const insertLedgerEntry = `
INSERT INTO ledger_entries (id, account_id, type, amount, bounty_id, status, external_ref, idempotency_key, metadata, created_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING ` + ledgerEntryColumns

func (q *Queries) InsertLedgerEntry(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	row := q.db.QueryRow(ctx, insertLedgerEntry, e.ID, e.AccountID, e.Type, e.Amount, e.BountyID, e.Status,
		e.ExternalRef, e.IdempotencyKey, nullableJSON(e.Metadata), e.CreatedAt, e.CompletedAt)
	out, err := scanLedgerEntry(row)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return out, nil
}

const getLedgerEntry = `SELECT ` + ledgerEntryColumns + ` FROM ledger_entries WHERE id = $1`

func (q *Queries) GetLedgerEntry(ctx context.Context, id uuid.UUID) (models.LedgerEntry, error) {
	return scanLedgerEntry(q.db.QueryRow(ctx, getLedgerEntry, id))
}

const getLedgerEntryByKey = `
SELECT ` + ledgerEntryColumns + `
FROM ledger_entries
WHERE account_id = $1 AND type = $2 AND idempotency_key = $3
`

func (q *Queries) GetLedgerEntryByKey(ctx context.Context, arg GetLedgerEntryByKeyParams) (models.LedgerEntry, error) {
	return scanLedgerEntry(q.db.QueryRow(ctx, getLedgerEntryByKey, arg.AccountID, arg.Type, arg.IdempotencyKey))
}

const settleLedgerEntry = `
UPDATE ledger_entries
SET status = $2,
    external_ref = CASE WHEN $3 = '' THEN external_ref ELSE $3 END,
    completed_at = $4
WHERE id = $1 AND status = 'pending'
`

func (q *Queries) SettleLedgerEntry(ctx context.Context, arg SettleLedgerEntryParams) (int64, error) {
	tag, err := q.db.Exec(ctx, settleLedgerEntry, arg.ID, arg.Status, arg.ExternalRef, arg.CompletedAt)
	if err != nil {
		return 0, fmt.Errorf("settle ledger entry: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const listLedgerEntries = `
SELECT ` + ledgerEntryColumns + `
FROM ledger_entries
WHERE account_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`

func (q *Queries) ListLedgerEntries(ctx context.Context, arg ListLedgerEntriesParams) ([]models.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, listLedgerEntries, arg.AccountID, arg.Limit, arg.Offset)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []models.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const escrowHoldColumns = `id, bounty_id, poster_account_id, hunter_account_id, amount, fee, state, version, hold_key, refund_reason, created_at, updated_at, resolved_at`

func scanEscrowHold(row pgx.Row) (models.EscrowHold, error) {
	var h models.EscrowHold
	err := row.Scan(&h.ID, &h.BountyID, &h.PosterAccountID, &h.HunterAccountID, &h.Amount, &h.Fee,
		&h.State, &h.Version, &h.HoldKey, &h.RefundReason, &h.CreatedAt, &h.UpdatedAt, &h.ResolvedAt)
	if err != nil {
		return models.EscrowHold{}, mapError(err)
	}
	return h, nil
}

const insertEscrowHold = `
INSERT INTO escrow_holds (id, bounty_id, poster_account_id, amount, fee, state, version, hold_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, 1, $6, $7, $7)
RETURNING ` + escrowHoldColumns

func (q *Queries) InsertEscrowHold(ctx context.Context, h models.EscrowHold) (models.EscrowHold, error) {
	row := q.db.QueryRow(ctx, insertEscrowHold, h.ID, h.BountyID, h.PosterAccountID, h.Amount, h.State, h.HoldKey, h.CreatedAt)
	out, err := scanEscrowHold(row)
	if err != nil {
		return models.EscrowHold{}, fmt.Errorf("insert escrow hold: %w", err)
	}
	return out, nil
}

const getEscrowHoldByKey = `SELECT ` + escrowHoldColumns + ` FROM escrow_holds WHERE bounty_id = $1 AND hold_key = $2`

func (q *Queries) GetEscrowHoldByKey(ctx context.Context, bountyID uuid.UUID, holdKey string) (models.EscrowHold, error) {
	return scanEscrowHold(q.db.QueryRow(ctx, getEscrowHoldByKey, bountyID, holdKey))
}

const getLatestEscrowHold = `
SELECT ` + escrowHoldColumns + `
FROM escrow_holds
WHERE bounty_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1
`

func (q *Queries) GetLatestEscrowHold(ctx context.Context, bountyID uuid.UUID) (models.EscrowHold, error) {
	return scanEscrowHold(q.db.QueryRow(ctx, getLatestEscrowHold, bountyID))
}

const updateEscrowHold = `
UPDATE escrow_holds
SET state = $2,
    hunter_account_id = COALESCE($3, hunter_account_id),
    fee = $4,
    refund_reason = $5,
    resolved_at = $6,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND version = $7
`

func (q *Queries) UpdateEscrowHold(ctx context.Context, arg UpdateEscrowHoldParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateEscrowHold, arg.ID, arg.State, arg.HunterAccountID, arg.Fee,
		arg.RefundReason, arg.ResolvedAt, arg.ExpectedVersion)
	if err != nil {
		return 0, fmt.Errorf("update escrow hold: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const processorEventColumns = `event_id, type, payload, payload_digest, status, error, replay_count, received_at, processed_at`

func scanProcessorEvent(row pgx.Row) (models.ProcessorEvent, error) {
	var e models.ProcessorEvent
	var payload []byte
	err := row.Scan(&e.EventID, &e.Type, &payload, &e.PayloadDigest, &e.Status, &e.Error,
		&e.ReplayCount, &e.ReceivedAt, &e.ProcessedAt)
	if err != nil {
		return models.ProcessorEvent{}, mapError(err)
	}
	e.Payload = toRawJSON(payload)
	return e, nil
}

const insertProcessorEventIfAbsent = `
INSERT INTO processor_events (event_id, type, payload, payload_digest, status, received_at)
VALUES ($1, $2, $3, $4, 'processing', $5)
ON CONFLICT (event_id) DO NOTHING
RETURNING event_id
`

func (q *Queries) InsertProcessorEventIfAbsent(ctx context.Context, e models.ProcessorEvent) (bool, error) {
	var id string
	err := q.db.QueryRow(ctx, insertProcessorEventIfAbsent, e.EventID, e.Type, []byte(e.Payload), e.PayloadDigest, e.ReceivedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert processor event: %w", mapError(err))
	}
	return true, nil
}

const getProcessorEvent = `SELECT ` + processorEventColumns + ` FROM processor_events WHERE event_id = $1`

func (q *Queries) GetProcessorEvent(ctx context.Context, eventID string) (models.ProcessorEvent, error) {
	return scanProcessorEvent(q.db.QueryRow(ctx, getProcessorEvent, eventID))
}

const finishProcessorEvent = `
UPDATE processor_events
SET status = $2, error = $3, processed_at = $4
WHERE event_id = $1 AND status = 'processing'
`

func (q *Queries) FinishProcessorEvent(ctx context.Context, arg FinishProcessorEventParams) (int64, error) {
	tag, err := q.db.Exec(ctx, finishProcessorEvent, arg.EventID, arg.Status, arg.Error, arg.ProcessedAt)
	if err != nil {
		return 0, fmt.Errorf("finish processor event: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const claimProcessorEventForReplay = `
UPDATE processor_events
SET status = 'processing', replay_count = replay_count + 1, received_at = NOW()
WHERE event_id = $1 AND status = 'failed' AND ($2 <= 0 OR replay_count < $2)
`

func (q *Queries) ClaimProcessorEventForReplay(ctx context.Context, eventID string, maxReplays int32) (int64, error) {
	tag, err := q.db.Exec(ctx, claimProcessorEventForReplay, eventID, maxReplays)
	if err != nil {
		return 0, fmt.Errorf("claim processor event: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const listFailedProcessorEvents = `
SELECT ` + processorEventColumns + `
FROM processor_events
WHERE status = 'failed' AND ($1 <= 0 OR replay_count < $1)
ORDER BY received_at
LIMIT $2
`

func (q *Queries) ListFailedProcessorEvents(ctx context.Context, maxReplays int32, limit int32) ([]models.ProcessorEvent, error) {
	rows, err := q.db.Query(ctx, listFailedProcessorEvents, maxReplays, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed processor events: %w", err)
	}
	defer rows.Close()

	var out []models.ProcessorEvent
	for rows.Next() {
		e, err := scanProcessorEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan processor event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const failStaleProcessorEvents = `
UPDATE processor_events
SET status = 'failed', error = $2
WHERE status = 'processing' AND received_at < $1
`

func (q *Queries) FailStaleProcessorEvents(ctx context.Context, receivedBefore time.Time, reason string) (int64, error) {
	tag, err := q.db.Exec(ctx, failStaleProcessorEvents, receivedBefore, reason)
	if err != nil {
		return 0, fmt.Errorf("fail stale processor events: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const transferAttemptColumns = `id, ledger_entry_id, attempt_number, source_account_id, destination, amount, debit_entry_id,
external_transfer_id, idempotency_key, status, submit_count, next_retry_at, error_reason, compensation_entry_id, created_at, updated_at`

func scanTransferAttempt(row pgx.Row) (models.TransferAttempt, error) {
	var a models.TransferAttempt
	err := row.Scan(&a.ID, &a.LedgerEntryID, &a.AttemptNumber, &a.SourceAccountID, &a.Destination, &a.Amount,
		&a.DebitEntryID, &a.ExternalTransferID, &a.IdempotencyKey, &a.Status, &a.SubmitCount, &a.NextRetryAt,
		&a.ErrorReason, &a.CompensationEntryID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.TransferAttempt{}, mapError(err)
	}
	return a, nil
}

func collectTransferAttempts(rows pgx.Rows) ([]models.TransferAttempt, error) {
	defer rows.Close()
	var out []models.TransferAttempt
	for rows.Next() {
		a, err := scanTransferAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const insertTransferAttempt = `
INSERT INTO transfer_attempts (id, ledger_entry_id, attempt_number, source_account_id, destination, amount,
    debit_entry_id, idempotency_key, status, submit_count, next_retry_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
RETURNING ` + transferAttemptColumns

func (q *Queries) InsertTransferAttempt(ctx context.Context, a models.TransferAttempt) (models.TransferAttempt, error) {
	row := q.db.QueryRow(ctx, insertTransferAttempt, a.ID, a.LedgerEntryID, a.AttemptNumber, a.SourceAccountID,
		a.Destination, a.Amount, a.DebitEntryID, a.IdempotencyKey, a.Status, a.SubmitCount, a.NextRetryAt, a.CreatedAt)
	out, err := scanTransferAttempt(row)
	if err != nil {
		return models.TransferAttempt{}, fmt.Errorf("insert transfer attempt: %w", err)
	}
	return out, nil
}

const getTransferAttempt = `SELECT ` + transferAttemptColumns + ` FROM transfer_attempts WHERE id = $1`

func (q *Queries) GetTransferAttempt(ctx context.Context, id uuid.UUID) (models.TransferAttempt, error) {
	return scanTransferAttempt(q.db.QueryRow(ctx, getTransferAttempt, id))
}

const getLatestTransferAttempt = `
SELECT ` + transferAttemptColumns + `
FROM transfer_attempts
WHERE ledger_entry_id = $1
ORDER BY attempt_number DESC
LIMIT 1
`

func (q *Queries) GetLatestTransferAttempt(ctx context.Context, ledgerEntryID uuid.UUID) (models.TransferAttempt, error) {
	return scanTransferAttempt(q.db.QueryRow(ctx, getLatestTransferAttempt, ledgerEntryID))
}

const getTransferAttemptByExternalID = `
SELECT ` + transferAttemptColumns + `
FROM transfer_attempts
WHERE external_transfer_id = $1
ORDER BY attempt_number DESC
LIMIT 1
`

func (q *Queries) GetTransferAttemptByExternalID(ctx context.Context, externalID string) (models.TransferAttempt, error) {
	return scanTransferAttempt(q.db.QueryRow(ctx, getTransferAttemptByExternalID, externalID))
}

const getTransferAttemptByKey = `SELECT ` + transferAttemptColumns + ` FROM transfer_attempts WHERE idempotency_key = $1`

func (q *Queries) GetTransferAttemptByKey(ctx context.Context, key string) (models.TransferAttempt, error) {
	return scanTransferAttempt(q.db.QueryRow(ctx, getTransferAttemptByKey, key))
}

const updateTransferAttempt = `
UPDATE transfer_attempts
SET status = $3,
    external_transfer_id = $4,
    submit_count = $5,
    next_retry_at = $6,
    error_reason = $7,
    compensation_entry_id = COALESCE($8, compensation_entry_id),
    updated_at = NOW()
WHERE id = $1 AND status = $2
`

func (q *Queries) UpdateTransferAttempt(ctx context.Context, arg UpdateTransferAttemptParams) (int64, error) {
	tag, err := q.db.Exec(ctx, updateTransferAttempt, arg.ID, arg.ExpectedStatus, arg.Status, arg.ExternalTransferID,
		arg.SubmitCount, arg.NextRetryAt, arg.ErrorReason, arg.CompensationEntryID)
	if err != nil {
		return 0, fmt.Errorf("update transfer attempt: %w", mapError(err))
	}
	return tag.RowsAffected(), nil
}

const listDueTransferAttempts = `
SELECT ` + transferAttemptColumns + `
FROM transfer_attempts
WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
ORDER BY next_retry_at
LIMIT $3
`

func (q *Queries) ListDueTransferAttempts(ctx context.Context, status string, dueBefore time.Time, limit int32) ([]models.TransferAttempt, error) {
	rows, err := q.db.Query(ctx, listDueTransferAttempts, status, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list due transfer attempts: %w", err)
	}
	return collectTransferAttempts(rows)
}

const listTransferAttemptsByStatus = `
SELECT ` + transferAttemptColumns + `
FROM transfer_attempts
WHERE status = $1
ORDER BY updated_at DESC, id
LIMIT $2 OFFSET $3
`

func (q *Queries) ListTransferAttemptsByStatus(ctx context.Context, status string, limit, offset int32) ([]models.TransferAttempt, error) {
	rows, err := q.db.Query(ctx, listTransferAttemptsByStatus, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list transfer attempts: %w", err)
	}
	return collectTransferAttempts(rows)
}

const insertAuditLog = `
INSERT INTO audit_log (id, entity_type, entity_id, actor, action, prev_state, next_state, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

func (q *Queries) InsertAuditLog(ctx context.Context, r models.AuditRecord) error {
	_, err := q.db.Exec(ctx, insertAuditLog, r.ID, r.EntityType, r.EntityID, r.Actor, r.Action,
		r.PrevState, r.NextState, nullableJSON(r.Metadata), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", mapError(err))
	}
	return nil
}

const listAuditLog = `
SELECT id, entity_type, entity_id, actor, action, prev_state, next_state, metadata, created_at
FROM audit_log
WHERE entity_type = $1 AND entity_id = $2
ORDER BY created_at, id
`

func (q *Queries) ListAuditLog(ctx context.Context, entityType, entityID string) ([]models.AuditRecord, error) {
	rows, err := q.db.Query(ctx, listAuditLog, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var r models.AuditRecord
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.EntityType, &r.EntityID, &r.Actor, &r.Action, &r.PrevState,
			&r.NextState, &metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		r.Metadata = toRawJSON(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}
