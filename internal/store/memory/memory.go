// Package memory is the in-memory LicenseStore/RevocationStore/WarnFlagStore
// implementation used by unit tests in place of a live Postgres.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/lumenguard/licensed/internal/domain"
	"github.com/lumenguard/licensed/internal/plans"
	"github.com/lumenguard/licensed/internal/store"
)

// Store is an in-memory LicenseStore. Construct it with New; the zero
// value has nil maps and is not usable.
type Store struct {
	mu        sync.RWMutex
	licenses  map[string]*domain.License
	revoked   map[string]domain.RevocationEntry
	warnFlags map[string]time.Time // key: clientID+"|"+level
}

// New returns an initialized Store.
func New() *Store {
	return &Store{
		licenses:  make(map[string]*domain.License),
		revoked:   make(map[string]domain.RevocationEntry),
		warnFlags: make(map[string]time.Time),
	}
}

// RefreshStore is an in-memory store.RefreshTokenStore. A separate type
// from Store because RevocationStore and RefreshTokenStore declare
// Revoke/IsRevoked with the same names but different shapes; one Go type
// cannot implement both.
type RefreshStore struct {
	mu      sync.RWMutex
	entries map[string]refreshEntry
}

type refreshEntry struct {
	clientID  string
	expiresAt time.Time
	revoked   bool
}

// NewRefreshStore returns an initialized RefreshStore.
func NewRefreshStore() *RefreshStore {
	return &RefreshStore{entries: make(map[string]refreshEntry)}
}

func clone(l *domain.License) *domain.License {
	cp := *l
	cp.ActiveModules = append([]domain.Module(nil), l.ActiveModules...)
	cp.ActivityLog = append([]domain.ActivityEntry(nil), l.ActivityLog...)
	return &cp
}

// Get implements store.LicenseStore.
func (s *Store) Get(ctx context.Context, clientID string) (*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.licenses[clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(l), nil
}

// Put implements store.LicenseStore. Inactive and revoked licenses must
// carry no modules, and every module must be known; module drift on an
// active license is tolerated here because administrative overrides
// produce it and the validator repairs it.
func (s *Store) Put(ctx context.Context, lic *domain.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if (lic.Status == domain.StatusInactive || lic.Status == domain.StatusRevoked) && len(lic.ActiveModules) != 0 {
		return errInvariant("inactive or revoked license must carry no modules")
	}
	for _, m := range lic.ActiveModules {
		if !plans.KnownModule(m) {
			return errInvariant("unknown module: " + string(m))
		}
	}
	s.licenses[lic.ClientID] = clone(lic)
	return nil
}

// Delete implements store.LicenseStore.
func (s *Store) Delete(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.licenses, clientID)
	return nil
}

// FindExpiredActive implements store.LicenseStore.
func (s *Store) FindExpiredActive(ctx context.Context, now time.Time) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.License
	for _, l := range s.licenses {
		if l.Status == domain.StatusActive && l.ExpiresAt.Before(now) {
			out = append(out, clone(l))
		}
	}
	sortByClientID(out)
	return out, nil
}

// FindExpiringWithin implements store.LicenseStore.
func (s *Store) FindExpiringWithin(ctx context.Context, now time.Time, window time.Duration, level domain.WarnLevel) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.License
	for _, l := range s.licenses {
		if l.Status != domain.StatusActive {
			continue
		}
		remaining := l.ExpiresAt.Sub(now)
		if remaining <= 0 || remaining > window {
			continue
		}
		if _, set := s.warnFlags[flagKey(l.ClientID, level)]; set {
			continue
		}
		out = append(out, clone(l))
	}
	sortByClientID(out)
	return out, nil
}

// FindGarbage implements store.LicenseStore.
func (s *Store) FindGarbage(ctx context.Context, cutoff time.Time) ([]*domain.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.License
	for _, l := range s.licenses {
		if l.Status == domain.StatusExpired && l.ExpiresAt.Before(cutoff) {
			out = append(out, clone(l))
		}
	}
	sortByClientID(out)
	return out, nil
}

// Stats implements store.LicenseStore.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, l := range s.licenses {
		out[string(l.Plan)+":"+string(l.Status)]++
	}
	return out, nil
}

// List implements store.LicenseStore.
func (s *Store) List(ctx context.Context, page, limit int, statusFilter, planFilter string) ([]*domain.License, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*domain.License
	for _, l := range s.licenses {
		if statusFilter != "" && string(l.Status) != statusFilter {
			continue
		}
		if planFilter != "" && string(l.Plan) != planFilter {
			continue
		}
		all = append(all, clone(l))
	}
	sortByClientID(all)
	total := len(all)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return []*domain.License{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func sortByClientID(l []*domain.License) {
	sort.Slice(l, func(i, j int) bool { return l[i].ClientID < l[j].ClientID })
}

func flagKey(clientID string, level domain.WarnLevel) string {
	return clientID + "|" + strconv.Itoa(int(level))
}

// IsSet implements store.WarnFlagStore.
func (s *Store) IsSet(ctx context.Context, clientID string, level domain.WarnLevel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.warnFlags[flagKey(clientID, level)]
	return ok, nil
}

// Set implements store.WarnFlagStore.
func (s *Store) Set(ctx context.Context, clientID string, level domain.WarnLevel, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnFlags[flagKey(clientID, level)] = at
	return nil
}

// ClearAll implements store.WarnFlagStore.
func (s *Store) ClearAll(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, lvl := range domain.WarnLevels {
		delete(s.warnFlags, flagKey(clientID, lvl))
	}
	return nil
}

// Revoke implements store.RevocationStore.
func (s *Store) Revoke(ctx context.Context, entry domain.RevocationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.revoked[entry.TokenID]; exists {
		return nil // idempotent, duplicate fails silently
	}
	s.revoked[entry.TokenID] = entry
	return nil
}

// IsRevoked implements store.RevocationStore.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, *domain.RevocationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.revoked[tokenID]
	if !ok {
		return false, nil, nil
	}
	return true, &e, nil
}

// Put implements store.RefreshTokenStore.
func (s *RefreshStore) Put(ctx context.Context, tokenID, clientID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenID] = refreshEntry{clientID: clientID, expiresAt: expiresAt}
	return nil
}

// IsRevoked implements store.RefreshTokenStore.
func (s *RefreshStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[tokenID]
	if !ok {
		return true, nil // unknown refresh token behaves as revoked/invalid
	}
	return e.revoked, nil
}

// Revoke implements store.RefreshTokenStore.
func (s *RefreshStore) Revoke(ctx context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[tokenID]
	if !ok {
		return nil
	}
	e.revoked = true
	s.entries[tokenID] = e
	return nil
}

type invariantError string

func (e invariantError) Error() string { return string(e) }

func errInvariant(msg string) error { return invariantError(msg) }

var (
	_ store.LicenseStore      = (*Store)(nil)
	_ store.RevocationStore   = (*Store)(nil)
	_ store.WarnFlagStore     = (*Store)(nil)
	_ store.RefreshTokenStore = (*RefreshStore)(nil)
)
