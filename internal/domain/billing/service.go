package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	procs ProcedureRepository
}

func NewService(procs ProcedureRepository) *Service {
	return &Service{procs: procs}
}

// Register validates the form and stores a new pending, not received record.
func (s *Service) Register(ctx context.Context, f *Form) (*MedicalProcedure, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	p := &MedicalProcedure{}
	f.apply(p)
	if err := s.procs.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Edit overwrites the record with the form. Both statuses reset as on a new
// registration; notes and glosa amount are kept.
func (s *Service) Edit(ctx context.Context, id string, f *Form) (*MedicalProcedure, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return s.procs.Modify(ctx, id, f.apply)
}

func (s *Service) Get(ctx context.Context, id string) (*MedicalProcedure, error) {
	return s.procs.GetByID(ctx, id)
}

// List returns the records inside r in stored order.
func (s *Service) List(ctx context.Context, r DateRange) ([]*MedicalProcedure, error) {
	all, err := s.procs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*MedicalProcedure, 0, len(all))
	for _, p := range all {
		if r.Contains(p.Date) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Service) SetReceivedStatus(ctx context.Context, id string, status ReceivedStatus, notes *string) error {
	if !validReceivedStatuses[status] {
		return fmt.Errorf("%w: invalid receivedStatus: %s", ErrValidation, status)
	}
	return s.procs.UpdateReceivedStatus(ctx, id, status, notes)
}

// ApplyStatus sets status and glosa amount on every record matching m.
func (s *Service) ApplyStatus(ctx context.Context, m MatchCriteria, status Status, glosaAmount *float64) (int, error) {
	if !validStatuses[status] {
		return 0, fmt.Errorf("%w: invalid status: %s", ErrValidation, status)
	}
	return s.procs.UpdateStatusByMatch(ctx, m, status, glosaAmount)
}

// Import replaces the collection. Records without an id get one; missing
// statuses default to pending and nao_recebido.
func (s *Service) Import(ctx context.Context, procs []*MedicalProcedure) error {
	seen := make(map[string]bool, len(procs))
	for i, p := range procs {
		if p == nil {
			return fmt.Errorf("%w: record %d is null", ErrValidation, i)
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrValidation, p.ID)
		}
		seen[p.ID] = true
		if p.Status == "" {
			p.Status = StatusPending
		}
		if p.ReceivedStatus == "" {
			p.ReceivedStatus = NotReceived
		}
		if !validStatuses[p.Status] {
			return fmt.Errorf("%w: record %s has invalid status %s", ErrValidation, p.ID, p.Status)
		}
		if !validReceivedStatuses[p.ReceivedStatus] {
			return fmt.Errorf("%w: record %s has invalid receivedStatus %s", ErrValidation, p.ID, p.ReceivedStatus)
		}
	}
	return s.procs.ReplaceAll(ctx, procs)
}

func (s *Service) Export(ctx context.Context) ([]*MedicalProcedure, error) {
	return s.procs.List(ctx)
}
