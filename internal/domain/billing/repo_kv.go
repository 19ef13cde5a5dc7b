package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/medglosa/medglosa/internal/platform/kvstore"
)

// DefaultStoreKey is the key the collection lives under.
const DefaultStoreKey = "medglosa_procedures"

// procedureRepoKV keeps the whole collection as one JSON array under a
// single key. Every mutation rewrites the full array.
type procedureRepoKV struct {
	store kvstore.Store
	key   string
	mu    sync.Mutex
}

func NewProcedureRepoKV(store kvstore.Store, key string) ProcedureRepository {
	if key == "" {
		key = DefaultStoreKey
	}
	return &procedureRepoKV{store: store, key: key}
}

func (r *procedureRepoKV) load(ctx context.Context) ([]*MedicalProcedure, error) {
	data, err := r.store.Get(ctx, r.key)
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return []*MedicalProcedure{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read procedures: %w", err)
	}
	if len(data) == 0 {
		return []*MedicalProcedure{}, nil
	}
	var procs []*MedicalProcedure
	if err := json.Unmarshal(data, &procs); err != nil {
		return nil, fmt.Errorf("decode procedures: %w", err)
	}
	if procs == nil {
		procs = []*MedicalProcedure{}
	}
	return procs, nil
}

func (r *procedureRepoKV) save(ctx context.Context, procs []*MedicalProcedure) error {
	data, err := json.Marshal(procs)
	if err != nil {
		return fmt.Errorf("encode procedures: %w", err)
	}
	if err := r.store.Set(ctx, r.key, data); err != nil {
		return fmt.Errorf("write procedures: %w", err)
	}
	return nil
}

func (r *procedureRepoKV) List(ctx context.Context) ([]*MedicalProcedure, error) {
	return r.load(ctx)
}

func (r *procedureRepoKV) GetByID(ctx context.Context, id string) (*MedicalProcedure, error) {
	procs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *procedureRepoKV) Create(ctx context.Context, p *MedicalProcedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := r.load(ctx)
	if err != nil {
		return err
	}
	p.ID = uuid.New().String()
	procs = append(procs, p)
	return r.save(ctx, procs)
}

func (r *procedureRepoKV) Update(ctx context.Context, p *MedicalProcedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := r.load(ctx)
	if err != nil {
		return err
	}
	for i, existing := range procs {
		if existing.ID == p.ID {
			procs[i] = p
			return r.save(ctx, procs)
		}
	}
	return ErrNotFound
}

func (r *procedureRepoKV) Modify(ctx context.Context, id string, fn func(*MedicalProcedure)) (*MedicalProcedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range procs {
		if p.ID != id {
			continue
		}
		fn(p)
		p.ID = id
		if err := r.save(ctx, procs); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, ErrNotFound
}

func (r *procedureRepoKV) UpdateReceivedStatus(ctx context.Context, id string, status ReceivedStatus, notes *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := r.load(ctx)
	if err != nil {
		return err
	}
	for _, p := range procs {
		if p.ID != id {
			continue
		}
		p.ReceivedStatus = status
		if notes != nil {
			n := *notes
			p.Notes = &n
		}
		return r.save(ctx, procs)
	}
	return ErrNotFound
}

func (r *procedureRepoKV) UpdateStatusByMatch(ctx context.Context, m MatchCriteria, status Status, glosaAmount *float64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	procs, err := r.load(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, p := range procs {
		if !m.Matches(p) {
			continue
		}
		p.Status = status
		p.GlosaAmount = nil
		if glosaAmount != nil {
			a := *glosaAmount
			p.GlosaAmount = &a
		}
		updated++
	}
	if updated == 0 {
		return 0, nil
	}
	if err := r.save(ctx, procs); err != nil {
		return 0, err
	}
	return updated, nil
}

func (r *procedureRepoKV) ReplaceAll(ctx context.Context, procs []*MedicalProcedure) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if procs == nil {
		procs = []*MedicalProcedure{}
	}
	return r.save(ctx, procs)
}
