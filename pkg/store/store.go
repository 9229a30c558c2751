package store

import (
	"errors"

	"drawgallery/pkg/domain"
)

var (
	// ErrDuplicatePublicID signals a public ID collision on asset insert.
	// Callers regenerate the ID and retry.
	ErrDuplicatePublicID = errors.New("public id already exists")
	// ErrQuotaConflict signals that the guarded counter update rejected the
	// increment (capacity or item limit would be violated).
	ErrQuotaConflict = errors.New("quota counters rejected update")
	// ErrQuotaNotFound signals that no quota row exists for the user.
	ErrQuotaNotFound = errors.New("quota not found")
)

// Store defines persistence operations for users, quotas, and assets.
//
// ApplyUsage and SoftDeleteAndReverse must be atomic with respect to concurrent
// calls for the same user: implementations serialize them at the storage
// layer (a single guarded UPDATE, or a lock in the in-memory case) so two
// concurrent creates can never jointly overshoot a quota.
type Store interface {
	// users
	SaveUser(domain.User) error
	HasUserEmail(email string) (bool, error)
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)

	// quotas
	SaveQuota(domain.Quota) error
	GetQuota(userID string) (domain.Quota, bool, error)
	// ApplyUsage adds actualBytes and one item to the user's counters, but
	// only if currentItems < maxItems and
	// usedBytes + min(actualBytes, admittedBytes) <= totalBytes.
	// The min term is the accepted slack: an authoritative upload size may
	// exceed the admitted estimate without failing the whole create.
	// Returns ErrQuotaConflict when the guard rejects the update and
	// ErrQuotaNotFound when the user has no quota row at all.
	ApplyUsage(userID string, actualBytes, admittedBytes int64) error

	// assets
	CreateAsset(domain.Asset) error
	// ListLiveAssets returns non-deleted assets of the owner, newest
	// created first, capped at limit.
	ListLiveAssets(ownerID string, limit int) ([]domain.Asset, error)
	GetLiveAsset(ownerID, publicID string) (domain.Asset, bool, error)
	UpdateAssetPrompt(ownerID, publicID, prompt string) (domain.Asset, bool, error)
	// SoftDeleteAndReverse marks the asset deleted and subtracts its
	// recorded size and one item from the owner's counters (flooring both at
	// zero) in a single atomic operation: either the asset is marked and the
	// counters move, or neither happens. The mark is guarded on the row
	// still being live, so exactly one of any number of concurrent deletes
	// observes ok == true — and that one is the only reversal.
	SoftDeleteAndReverse(ownerID, publicID string) (domain.Asset, bool, error)
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
}
