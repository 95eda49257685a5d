package ledger

import "context"

// ListEntries returns one page of a user's entries, newest first, created strictly before
// beforeUnixUTC. A non-positive cutoff means "now"; the page size is clamped to
// [1, MaxHistoryLimit] with DefaultHistoryLimit for non-positive values.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if beforeUnixUTC <= 0 {
		beforeUnixUTC = service.nowFn() + 1
	}
	switch {
	case limit <= 0:
		limit = DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return nil, WrapError(operationHistory, subjectEntries, codeListFailed, err)
	}
	entries, err := service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
	if err != nil {
		return nil, WrapError(operationHistory, subjectEntries, codeListFailed, err)
	}
	return entries, nil
}
