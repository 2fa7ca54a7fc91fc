// Package storetest provides an in-memory ControlPlane for tests. It honors
// the same conditional-write semantics as the DynamoDB implementation.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// Memory is an in-memory ControlPlane.
type Memory struct {
	mu      sync.Mutex
	entries map[string]types.WindowEntry // key: vault_id + "|" + sort_key
	states  map[string]types.VaultState
	leases  map[string]store.Lease

	// Now is the clock used for lease expiry; defaults to time.Now.
	Now func() time.Time

	// Hooks, when set, intercept calls for fault injection.
	OnConditionalUpdate func(key types.EntryKey, expected types.EntryStatus, upd store.EntryUpdate) error
}

// NewMemory creates an empty in-memory control plane.
func NewMemory() *Memory {
	return &Memory{
		entries: map[string]types.WindowEntry{},
		states:  map[string]types.VaultState{},
		leases:  map[string]store.Lease{},
		Now:     time.Now,
	}
}

var _ store.ControlPlane = (*Memory)(nil)

func entryKey(k types.EntryKey) string { return k.VaultID + "|" + k.SortKey }

// Seed inserts an entry unconditionally.
func (m *Memory) Seed(entry types.WindowEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(entry.Key())] = entry
}

// SeedState inserts a vault state unconditionally.
func (m *Memory) SeedState(state types.VaultState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.VaultID] = state
}

// Entries returns all entries for a vault in sort-key order.
func (m *Memory) Entries(vaultID string) []types.WindowEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.WindowEntry
	for _, e := range m.entries {
		if e.VaultID == vaultID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	return out
}

// PutIfAbsent implements store.ControlPlane.
func (m *Memory) PutIfAbsent(_ context.Context, entry types.WindowEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey(entry.Key())
	if existing, ok := m.entries[k]; ok {
		if existing.Checksum == entry.Checksum {
			return nil
		}
		return fmt.Errorf("%w: key %s", store.ErrDuplicateChecksum, k)
	}
	m.entries[k] = entry
	return nil
}

// GetEntry implements store.ControlPlane.
func (m *Memory) GetEntry(_ context.Context, key types.EntryKey) (*types.WindowEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[entryKey(key)]
	if !ok {
		return nil, fmt.Errorf("%w: entry %s", store.ErrNotFound, entryKey(key))
	}
	out := e
	return &out, nil
}

// ConditionalUpdate implements store.ControlPlane.
func (m *Memory) ConditionalUpdate(_ context.Context, key types.EntryKey, expected types.EntryStatus, upd store.EntryUpdate) error {
	if m.OnConditionalUpdate != nil {
		if err := m.OnConditionalUpdate(key, expected, upd); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entryKey(key)
	e, ok := m.entries[k]
	if !ok {
		return fmt.Errorf("%w: entry %s", store.ErrNotFound, k)
	}
	if e.Status != expected {
		return store.ErrPreconditionFailed
	}
	e.Status = upd.Status
	if upd.IncrementAttempt {
		e.AttemptCount++
	}
	if upd.LastError != "" {
		e.LastError = upd.LastError
	}
	if upd.Epoch != nil {
		e.Epoch = *upd.Epoch
	}
	e.UpdatedAt = m.Now().UTC()
	m.entries[k] = e
	return nil
}

// ScanForward implements store.ControlPlane.
func (m *Memory) ScanForward(_ context.Context, vaultID string, lt types.LoadType, afterExclusive time.Time, limit int) ([]types.WindowEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	after := types.SortKey(lt, afterExclusive)

	var out []types.WindowEntry
	for _, e := range m.entries {
		if e.VaultID == vaultID && e.LoadType == lt && e.SortKey() > after {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortKey() < out[j].SortKey() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetVaultState implements store.ControlPlane.
func (m *Memory) GetVaultState(_ context.Context, vaultID string) (*types.VaultState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[vaultID]
	if !ok {
		return nil, fmt.Errorf("%w: vault state %s", store.ErrNotFound, vaultID)
	}
	out := s
	return &out, nil
}

// InitVaultState implements store.ControlPlane.
func (m *Memory) InitVaultState(_ context.Context, state types.VaultState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[state.VaultID]; ok {
		return nil
	}
	m.states[state.VaultID] = state
	return nil
}

// UpdateVaultState implements store.ControlPlane.
func (m *Memory) UpdateVaultState(_ context.Context, vaultID string, expectedEpoch int64, upd store.StateUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[vaultID]
	if !ok {
		return fmt.Errorf("%w: vault state %s", store.ErrNotFound, vaultID)
	}
	if s.CurrentEpoch != expectedEpoch {
		return store.ErrPreconditionFailed
	}
	if upd.Mode != nil {
		s.Mode = *upd.Mode
	}
	if upd.LastAppliedStopTime != nil {
		s.LastAppliedStopTime = *upd.LastAppliedStopTime
	}
	if upd.LastAppliedLogDate != nil {
		s.LastAppliedLogDate = *upd.LastAppliedLogDate
	}
	if upd.NewEpoch != nil {
		s.CurrentEpoch = *upd.NewEpoch
	}
	if upd.FullLoadStartedAt != nil {
		s.FullLoadStartedAt = upd.FullLoadStartedAt
	}
	s.UpdatedAt = m.Now().UTC()
	m.states[vaultID] = s
	return nil
}

// AcquireLease implements store.ControlPlane.
func (m *Memory) AcquireLease(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	l, held := m.leases[key]
	if held && l.ExpiresAt.After(now) && l.Owner != owner {
		return false, nil
	}
	m.leases[key] = store.Lease{Key: key, Owner: owner, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// RenewLease implements store.ControlPlane.
func (m *Memory) RenewLease(_ context.Context, key, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	l, held := m.leases[key]
	if !held || l.Owner != owner || !l.ExpiresAt.After(now) {
		return store.ErrPreconditionFailed
	}
	l.ExpiresAt = now.Add(ttl)
	m.leases[key] = l
	return nil
}

// ReleaseLease implements store.ControlPlane.
func (m *Memory) ReleaseLease(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, held := m.leases[key]; held && l.Owner == owner {
		delete(m.leases, key)
	}
	return nil
}

// GetLease implements store.ControlPlane.
func (m *Memory) GetLease(_ context.Context, key string) (*store.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, held := m.leases[key]
	if !held || !l.ExpiresAt.After(m.Now()) {
		return nil, nil
	}
	out := l
	return &out, nil
}
