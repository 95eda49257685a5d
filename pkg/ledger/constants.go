package ledger

const (
	operationGrant   = "grant"
	operationReserve = "reserve"
	operationCapture = "capture"
	operationRelease = "release"
	operationHistory = "history"

	subjectEntries = "entries"
	codeListFailed = "list_failed"

	// DefaultHistoryLimit applies when a caller asks for a non-positive page size.
	DefaultHistoryLimit = 20
	// MaxHistoryLimit caps a single history page.
	MaxHistoryLimit = 100

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixReverse = "reverse"
	idempotencySuffixSpend   = "spend"
	idempotencySuffixPayout  = "payout"
)
