package store

import (
	"sort"
	"sync"
	"time"

	"drawgallery/pkg/domain"
)

// MemoryStore keeps metadata in-process. It mirrors the guarded-update
// semantics of the Postgres store under a single mutex, which makes it the
// reference implementation for orchestrator tests.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]domain.User
	email  map[string]string // email -> user ID
	quotas map[string]domain.Quota
	assets map[string]domain.Asset // key: asset ID
	pub    map[string]string       // public ID -> asset ID
	order  []string                // asset IDs in insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]domain.User),
		email:  make(map[string]string),
		quotas: make(map[string]domain.Quota),
		assets: make(map[string]domain.Asset),
		pub:    make(map[string]string),
	}
}

// SaveUser registers or updates a user.
func (m *MemoryStore) SaveUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
	m.email[u.Email] = u.ID
	return nil
}

// HasUserEmail checks if email exists.
func (m *MemoryStore) HasUserEmail(email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.email[email]
	return ok, nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.email[email]; ok {
		u, exists := m.users[id]
		return u, exists, nil
	}
	return domain.User{}, false, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// SaveQuota creates or replaces a quota row.
func (m *MemoryStore) SaveQuota(q domain.Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotas[q.UserID] = q
	return nil
}

// GetQuota returns the current counters for a user.
func (m *MemoryStore) GetQuota(userID string) (domain.Quota, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotas[userID]
	return q, ok, nil
}

// ApplyUsage performs the guarded increment under the store lock.
func (m *MemoryStore) ApplyUsage(userID string, actualBytes, admittedBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[userID]
	if !ok {
		return ErrQuotaNotFound
	}
	guard := actualBytes
	if admittedBytes < guard {
		guard = admittedBytes
	}
	if q.CurrentItems >= q.MaxItems || q.UsedBytes+guard > q.TotalBytes {
		return ErrQuotaConflict
	}
	q.UsedBytes += actualBytes
	q.CurrentItems++
	q.UpdatedAt = time.Now().UTC()
	m.quotas[userID] = q
	return nil
}

// CreateAsset inserts a new asset, enforcing public ID uniqueness.
func (m *MemoryStore) CreateAsset(a domain.Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.pub[a.PublicID]; taken {
		return ErrDuplicatePublicID
	}
	m.assets[a.ID] = a
	m.pub[a.PublicID] = a.ID
	m.order = append(m.order, a.ID)
	return nil
}

// ListLiveAssets returns non-deleted assets of the owner, newest first.
func (m *MemoryStore) ListLiveAssets(ownerID string, limit int) ([]domain.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		return []domain.Asset{}, nil
	}
	live := make([]domain.Asset, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		a, ok := m.assets[m.order[i]]
		if !ok || a.OwnerID != ownerID || !a.Live() {
			continue
		}
		live = append(live, a)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})
	if len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

// GetLiveAsset retrieves a non-deleted asset scoped by owner and public ID.
func (m *MemoryStore) GetLiveAsset(ownerID, publicID string) (domain.Asset, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.liveAsset(ownerID, publicID)
	return a, ok, nil
}

// UpdateAssetPrompt updates the prompt of a live asset.
func (m *MemoryStore) UpdateAssetPrompt(ownerID, publicID, prompt string) (domain.Asset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.liveAsset(ownerID, publicID)
	if !ok {
		return domain.Asset{}, false, nil
	}
	a.Prompt = prompt
	a.UpdatedAt = time.Now().UTC()
	m.assets[a.ID] = a
	return a, true, nil
}

// SoftDeleteAndReverse marks a live asset deleted and subtracts its size
// and one item from the owner's counters, all under one lock hold. When the
// quota row is missing nothing changes and the asset stays live.
func (m *MemoryStore) SoftDeleteAndReverse(ownerID, publicID string) (domain.Asset, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.liveAsset(ownerID, publicID)
	if !ok {
		return domain.Asset{}, false, nil
	}
	q, ok := m.quotas[ownerID]
	if !ok {
		return domain.Asset{}, false, ErrQuotaNotFound
	}
	now := time.Now().UTC()
	a.DeletedAt = &now
	m.assets[a.ID] = a
	q.UsedBytes -= a.ByteSize
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	if q.CurrentItems > 0 {
		q.CurrentItems--
	}
	q.UpdatedAt = now
	m.quotas[ownerID] = q
	return a, true, nil
}

func (m *MemoryStore) liveAsset(ownerID, publicID string) (domain.Asset, bool) {
	id, ok := m.pub[publicID]
	if !ok {
		return domain.Asset{}, false
	}
	a, ok := m.assets[id]
	if !ok || a.OwnerID != ownerID || !a.Live() {
		return domain.Asset{}, false
	}
	return a, true
}
