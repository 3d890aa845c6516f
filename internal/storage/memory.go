package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"spotwatt/internal/domain"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Repository used by tests and the no-database mode.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	kv        map[string]memoryEntry
	tokens    map[string]domain.DeviceToken
	prefs     map[string]domain.Preferences
	indexes   map[string]TaskIndex
	snapshots map[domain.Market]domain.MarketPriceSet
	ledger    []LedgerEntry
}

// NewMemory builds an empty in-memory repository. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		now:       now,
		kv:        make(map[string]memoryEntry),
		tokens:    make(map[string]domain.DeviceToken),
		prefs:     make(map[string]domain.Preferences),
		indexes:   make(map[string]TaskIndex),
		snapshots: make(map[domain.Market]domain.MarketPriceSet),
	}
}

func (m *Memory) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || m.now().Before(e.expiresAt)
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *Memory) GetKV(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || !m.live(e) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) PutKV(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: m.expiry(ttl)}
	return nil
}

func (m *Memory) DeleteKV(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *Memory) IncrementKV(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || !m.live(e) {
		m.kv[key] = memoryEntry{value: []byte("1"), expiresAt: m.expiry(ttl)}
		return 1, nil
	}
	n, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	n++
	e.value = []byte(strconv.FormatInt(n, 10))
	m.kv[key] = e
	return n, nil
}

func (m *Memory) UpsertToken(_ context.Context, token domain.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	existing, ok := m.tokens[token.Token]
	if ok {
		token.CreatedAt = existing.CreatedAt
	} else if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.Active = true
	token.LastSeen = &now
	token.InvalidatedAt = nil
	m.tokens[token.Token] = token
	return nil
}

func (m *Memory) DeactivateTokens(_ context.Context, tokens []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		tok, ok := m.tokens[t]
		if !ok || !tok.Active {
			continue
		}
		stamp := at
		tok.Active = false
		tok.InvalidatedAt = &stamp
		m.tokens[t] = tok
	}
	return nil
}

func (m *Memory) ListActiveTokens(context.Context) ([]domain.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DeviceToken, 0, len(m.tokens))
	for _, tok := range m.tokens {
		if tok.Active {
			out = append(out, tok)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *Memory) TouchTokens(_ context.Context, tokens []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if tok, ok := m.tokens[t]; ok {
			stamp := at
			tok.LastSeen = &stamp
			m.tokens[t] = tok
		}
	}
	return nil
}

func (m *Memory) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, tok := range m.tokens {
		if !tok.Active && tok.InvalidatedAt != nil && tok.InvalidatedAt.Before(cutoff) {
			delete(m.tokens, key)
			n++
		}
	}
	return n, nil
}

// Token returns a stored token for inspection.
func (m *Memory) Token(token string) (domain.DeviceToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	return tok, ok
}

func (m *Memory) GetPreferences(_ context.Context, token string) (domain.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs, ok := m.prefs[token]
	if !ok {
		return domain.Preferences{}, ErrNotFound
	}
	return prefs, nil
}

func (m *Memory) UpsertPreferences(_ context.Context, prefs domain.Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs.SyncDerived()
	m.prefs[prefs.Token] = prefs
	return nil
}

func (m *Memory) ListEnabledPreferences(context.Context) ([]domain.Preferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Preferences, 0)
	for _, p := range m.prefs {
		if p.HasAnyNotificationEnabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (m *Memory) GetTaskIndex(_ context.Context, token string) (TaskIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := TaskIndex{}
	for typ, handles := range m.indexes[token] {
		out[typ] = append([]string(nil), handles...)
	}
	return out, nil
}

func (m *Memory) PutTaskIndex(_ context.Context, token string, index TaskIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := TaskIndex{}
	for typ, handles := range index {
		copied[typ] = append([]string(nil), handles...)
	}
	m.indexes[token] = copied
	return nil
}

func (m *Memory) PutSnapshot(_ context.Context, set domain.MarketPriceSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set.Prices = append([]domain.PricePoint(nil), set.Prices...)
	m.snapshots[set.Market] = set
	return nil
}

func (m *Memory) GetSnapshot(_ context.Context, market domain.Market) (domain.MarketPriceSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.snapshots[market]
	if !ok {
		return domain.MarketPriceSet{}, ErrNotFound
	}
	return set, nil
}

func (m *Memory) AppendLedger(_ context.Context, entries []LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, entries...)
	return nil
}

// Ledger returns a copy of the appended ledger rows.
func (m *Memory) Ledger() []LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LedgerEntry(nil), m.ledger...)
}

var _ Repository = (*Memory)(nil)
