// Package ledger owns per-user storage counters and admission logic. The
// counters themselves live in the Store; every mutation goes through Apply
// or Release so they stay consistent with the set of live assets.
package ledger

import (
	"errors"
	"fmt"

	"drawgallery/pkg/domain"
	"drawgallery/pkg/store"
)

var (
	// ErrFileTooLarge indicates the candidate exceeds the per-file cap.
	ErrFileTooLarge = errors.New("file exceeds per-file size limit")
	// ErrQuotaExceeded indicates the candidate does not fit the remaining
	// byte capacity.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrItemLimitReached indicates the item count is at its maximum.
	ErrItemLimitReached = errors.New("item limit reached")
	// ErrQuotaMissing indicates the user has no quota row.
	ErrQuotaMissing = errors.New("user quota missing")
	// ErrApplyConflict indicates the guarded counter update was rejected at
	// apply time, after the asset was already uploaded and registered.
	ErrApplyConflict = errors.New("quota apply rejected")
)

// Ledger evaluates admission and moves the counters.
type Ledger struct {
	store store.Store
}

// New builds a ledger over the given store.
func New(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// CanAdmit checks whether a candidate of the given size may be created,
// evaluated against the counters at the instant of the call. It is
// read-only; admission is re-enforced by the guarded update in Apply, so a
// stale read here can delay but never corrupt the counters.
func (l *Ledger) CanAdmit(userID string, candidateSize int64) error {
	q, ok, err := l.store.GetQuota(userID)
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	if !ok {
		return ErrQuotaMissing
	}
	switch {
	case candidateSize > q.MaxFileBytes:
		return ErrFileTooLarge
	case q.CurrentItems >= q.MaxItems:
		return ErrItemLimitReached
	case candidateSize > q.TotalBytes-q.UsedBytes:
		return ErrQuotaExceeded
	}
	return nil
}

// Apply commits the authoritative size of a created asset. admittedSize is
// the estimate CanAdmit saw; the storage guard admits up to
// min(actualSize, admittedSize) against remaining capacity, so the final
// balance may overshoot totalBytes by at most the estimate error. That
// slack is accepted; a negative balance never is.
func (l *Ledger) Apply(userID string, actualSize, admittedSize int64) error {
	if err := l.store.ApplyUsage(userID, actualSize, admittedSize); err != nil {
		switch {
		case errors.Is(err, store.ErrQuotaConflict):
			return ErrApplyConflict
		case errors.Is(err, store.ErrQuotaNotFound):
			return ErrQuotaMissing
		}
		return fmt.Errorf("apply usage: %w", err)
	}
	return nil
}

// Release deletes a live asset and frees its recorded size in the same
// atomic store operation; the soft-delete mark is the gate, so exactly one
// of any number of concurrent releases moves the counters. It returns the
// deleted asset and whether this call was the one that deleted it.
func (l *Ledger) Release(ownerID, publicID string) (domain.Asset, bool, error) {
	asset, ok, err := l.store.SoftDeleteAndReverse(ownerID, publicID)
	if err != nil {
		if errors.Is(err, store.ErrQuotaNotFound) {
			return domain.Asset{}, false, ErrQuotaMissing
		}
		return domain.Asset{}, false, fmt.Errorf("release usage: %w", err)
	}
	return asset, ok, nil
}

// Snapshot returns the current counters.
func (l *Ledger) Snapshot(userID string) (domain.Quota, error) {
	q, ok, err := l.store.GetQuota(userID)
	if err != nil {
		return domain.Quota{}, fmt.Errorf("load quota: %w", err)
	}
	if !ok {
		return domain.Quota{}, ErrQuotaMissing
	}
	return q, nil
}
