package auth

import (
	"context"
	"sort"
	"sync"
)

// MemoryTokenStore is an in-process TokenStore.
//
// It backs tests and single-node deployments without a database. Each call
// holds the lock only for its own map operations.
type MemoryTokenStore struct {
	mu      sync.RWMutex
	records map[string]*TokenRecord        // id -> record
	byHash  map[string]string              // token hash -> id
	byOwner map[string]map[string]struct{} // owner -> ids
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		records: make(map[string]*TokenRecord),
		byHash:  make(map[string]string),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Get returns a copy of the record for tokenHash.
func (s *MemoryTokenStore) Get(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	rec := *s.records[id]
	return &rec, nil
}

// Put stores a copy of rec.
func (s *MemoryTokenStore) Put(ctx context.Context, rec *TokenRecord) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[rec.TokenHash]; exists {
		return ErrConflict
	}
	if _, exists := s.records[rec.ID]; exists {
		return ErrConflict
	}

	stored := *rec
	stored.Token = ""
	s.records[rec.ID] = &stored
	s.byHash[rec.TokenHash] = rec.ID
	ids, ok := s.byOwner[rec.OwnerID]
	if !ok {
		ids = make(map[string]struct{})
		s.byOwner[rec.OwnerID] = ids
	}
	ids[rec.ID] = struct{}{}
	return nil
}

// ConditionalUpdate checks g and applies m under the write lock.
func (s *MemoryTokenStore) ConditionalUpdate(ctx context.Context, id string, g Guard, m Mutation) (*TokenRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !g.Holds(rec) {
		return nil, ErrPreconditionFailed
	}
	m.Apply(rec)
	out := *rec
	return &out, nil
}

// ListByOwner returns copies of the owner's records, oldest first.
func (s *MemoryTokenStore) ListByOwner(ctx context.Context, ownerID string) ([]TokenRecord, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TokenRecord, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		out = append(out, *s.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// RevokeWhere revokes matching records that are not revoked yet.
func (s *MemoryTokenStore) RevokeWhere(ctx context.Context, f Filter, reason string) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.candidates(f.OwnerID) {
		if rec.Revoked || !f.Matches(rec) {
			continue
		}
		Mutation{Revoke: true, RevocationReason: reason}.Apply(rec)
		count++
	}
	return count, nil
}

// DeleteWhere removes matching records.
func (s *MemoryTokenStore) DeleteWhere(ctx context.Context, f Filter) (int64, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, rec := range s.candidates(f.OwnerID) {
		if !f.Matches(rec) {
			continue
		}
		delete(s.records, rec.ID)
		delete(s.byHash, rec.TokenHash)
		if ids := s.byOwner[rec.OwnerID]; ids != nil {
			delete(ids, rec.ID)
			if len(ids) == 0 {
				delete(s.byOwner, rec.OwnerID)
			}
		}
		count++
	}
	return count, nil
}

// candidates returns the records to scan for an owner filter. Caller holds the lock.
func (s *MemoryTokenStore) candidates(ownerID string) []*TokenRecord {
	if ownerID == "" {
		out := make([]*TokenRecord, 0, len(s.records))
		for _, rec := range s.records {
			out = append(out, rec)
		}
		return out
	}
	out := make([]*TokenRecord, 0, len(s.byOwner[ownerID]))
	for id := range s.byOwner[ownerID] {
		out = append(out, s.records[id])
	}
	return out
}

// ctxErr converts a finished context into a store-unavailable error.
func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storeUnavailable(err)
	}
	return nil
}
