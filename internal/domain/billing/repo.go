package billing

import "context"

// ProcedureRepository persists the procedure collection.
type ProcedureRepository interface {
	List(ctx context.Context) ([]*MedicalProcedure, error)
	GetByID(ctx context.Context, id string) (*MedicalProcedure, error)
	Create(ctx context.Context, p *MedicalProcedure) error
	Update(ctx context.Context, p *MedicalProcedure) error
	// Modify loads the record, applies fn and stores it without letting
	// another mutation in between.
	Modify(ctx context.Context, id string, fn func(*MedicalProcedure)) (*MedicalProcedure, error)
	// UpdateReceivedStatus leaves notes untouched when notes is nil.
	UpdateReceivedStatus(ctx context.Context, id string, status ReceivedStatus, notes *string) error
	// UpdateStatusByMatch updates every record selected by m and returns how
	// many changed. A nil glosaAmount clears the stored amount.
	UpdateStatusByMatch(ctx context.Context, m MatchCriteria, status Status, glosaAmount *float64) (int, error)
	ReplaceAll(ctx context.Context, procs []*MedicalProcedure) error
}
