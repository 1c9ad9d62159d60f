package domain

// PlatformAccountID receives platform fees. Must match migration 000002.
const PlatformAccountID = "22222222-2222-2222-2222-222222222222"

// Ledger entry types.
const (
	EntryTypeDeposit       = "deposit"
	EntryTypeEscrowHold    = "escrow_hold"
	EntryTypeEscrowRelease = "escrow_release"
	EntryTypeRefund        = "refund"
	EntryTypeWithdrawal    = "withdrawal"
	EntryTypePlatformFee   = "platform_fee"
)

// Ledger entry statuses.
const (
	EntryStatusPending   = "pending"
	EntryStatusCompleted = "completed"
	EntryStatusFailed    = "failed"
)

// Escrow hold states. EscrowStateNoHold is never stored.
const (
	EscrowStateNoHold   = "no_hold"
	EscrowStateHeld     = "held"
	EscrowStateReleased = "released"
	EscrowStateRefunded = "refunded"
	EscrowStateDisputed = "disputed"
)

// Processor event statuses.
const (
	EventStatusProcessing = "processing"
	EventStatusProcessed  = "processed"
	EventStatusFailed     = "failed"
)

// Processor event types.
const (
	EventDepositConfirmed = "deposit.confirmed"
	EventDepositFailed    = "deposit.failed"
	EventTransferPaid     = "transfer.paid"
	EventTransferFailed   = "transfer.failed"
	EventDisputeOpened    = "dispute.opened"
)

// Transfer attempt statuses.
const (
	TransferStatusSubmitted        = "submitted"
	TransferStatusUnknown          = "unknown"
	TransferStatusSucceeded        = "succeeded"
	TransferStatusFailed           = "failed"
	TransferStatusTerminallyFailed = "terminally_failed"
	// TransferStatusNeedsReview parks an attempt whose outcome never became
	// known. It is not compensated; a processor event or an operator settles it.
	TransferStatusNeedsReview = "needs_review"
)

// Public withdrawal statuses. Operational failures never reach callers.
const (
	WithdrawalStatusPaid           = "paid"
	WithdrawalStatusPaymentPending = "payment_pending"
)

// ValidEntryType reports whether t is a known ledger entry type.
func ValidEntryType(t string) bool {
	switch t {
	case EntryTypeDeposit, EntryTypeEscrowHold, EntryTypeEscrowRelease,
		EntryTypeRefund, EntryTypeWithdrawal, EntryTypePlatformFee:
		return true
	}
	return false
}

// IsTerminalEntryStatus reports whether an entry in status s can no longer change.
func IsTerminalEntryStatus(s string) bool {
	return s == EntryStatusCompleted || s == EntryStatusFailed
}

// IsTerminalTransferStatus reports whether a transfer attempt in status s is final.
func IsTerminalTransferStatus(s string) bool {
	switch s {
	case TransferStatusSucceeded, TransferStatusFailed, TransferStatusTerminallyFailed:
		return true
	}
	return false
}
