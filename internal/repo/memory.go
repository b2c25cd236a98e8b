package repo

import (
	"context"
	"sync"

	"fieldsync/internal/record"
)

// MemoryRepository is an in-memory Repository with version-conflict
// semantics matching a real remote store. Used by tests and by the local
// demo command, where the binary runs without a server.
//
// Failure injection lets tests script transient and permanent errors per
// entity.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]record.Equipment

	injected map[string]*injection
}

type injection struct {
	err       error
	remaining int // -1 = until cleared
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records:  make(map[string]record.Equipment),
		injected: make(map[string]*injection),
	}
}

// Inject makes the next n calls touching entityID fail with err.
// n < 0 means every call fails until ClearInjection.
func (r *MemoryRepository) Inject(entityID string, err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injected[entityID] = &injection{err: err, remaining: n}
}

// ClearInjection removes any scripted failure for an entity.
func (r *MemoryRepository) ClearInjection(entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.injected, entityID)
}

// checkInjected must be called with the lock held.
func (r *MemoryRepository) checkInjected(entityID string) error {
	inj, ok := r.injected[entityID]
	if !ok {
		return nil
	}
	if inj.remaining == 0 {
		delete(r.injected, entityID)
		return nil
	}
	if inj.remaining > 0 {
		inj.remaining--
		if inj.remaining == 0 {
			delete(r.injected, entityID)
		}
	}
	return inj.err
}

// Create stores a new record.
func (r *MemoryRepository) Create(ctx context.Context, e record.Equipment) error {
	if err := e.Validate(); err != nil {
		return Validation("create", e.ID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInjected(e.ID); err != nil {
		return err
	}
	if _, exists := r.records[e.ID]; exists {
		return Conflict("create", e.ID)
	}
	r.records[e.ID] = e.Clone()
	return nil
}

// Update replaces an existing record if the incoming version is newer.
func (r *MemoryRepository) Update(ctx context.Context, id string, e record.Equipment) error {
	if err := e.Validate(); err != nil {
		return Validation("update", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInjected(id); err != nil {
		return err
	}
	stored, exists := r.records[id]
	if !exists {
		return NotFound("update", id)
	}
	if stored.Version >= e.Version {
		return Conflict("update", id)
	}
	r.records[id] = e.Clone()
	return nil
}

// Delete removes a record.
func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInjected(id); err != nil {
		return err
	}
	if _, exists := r.records[id]; !exists {
		return NotFound("delete", id)
	}
	delete(r.records, id)
	return nil
}

// GetByID fetches the current copy of a record.
func (r *MemoryRepository) GetByID(ctx context.Context, id string) (record.Equipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkInjected(id); err != nil {
		return record.Equipment{}, err
	}
	stored, exists := r.records[id]
	if !exists {
		return record.Equipment{}, NotFound("get", id)
	}
	return stored.Clone(), nil
}

// Put stores a record directly, bypassing version checks. Test setup
// helper for seeding remote state.
func (r *MemoryRepository) Put(e record.Equipment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[e.ID] = e.Clone()
}

// Len returns the number of stored records.
func (r *MemoryRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
