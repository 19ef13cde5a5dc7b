package glosa

import (
	"errors"

	"github.com/medglosa/medglosa/internal/domain/billing"
)

var ErrAnalysisInProgress = errors.New("an analysis is already in progress")

// ReportItem is one line extracted from a payment statement.
type ReportItem struct {
	PatientName string         `json:"patientName"`
	Date        string         `json:"date"`
	Procedure   string         `json:"procedure"`
	TUSSCode    string         `json:"tussCode,omitempty"`
	HonoAmount  billing.Amount `json:"honoAmount"`
	GlosaAmount billing.Amount `json:"glosaAmount"`
	TotalPaid   billing.Amount `json:"totalPaid"`
	IsGlosa     bool           `json:"isGlosa"`
}

// Summary aggregates the denied items of a report.
type Summary struct {
	TotalGlosa     float64  `json:"totalGlosa"`
	GlosaCount     int      `json:"glosaCount"`
	ItemCount      int      `json:"itemCount"`
	UniquePatients []string `json:"uniquePatients"`
	PatientCount   int      `json:"patientCount"`
}

// Match pairs a manually entered record with the report line found for it.
type Match struct {
	Manual *billing.MedicalProcedure `json:"manual"`
	Report ReportItem                `json:"report"`
}

type CrossReference struct {
	Matched         []Match                     `json:"matched"`
	UnmatchedManual []*billing.MedicalProcedure `json:"unmatchedManual"`
}

// Result is what one analysis returns to the caller.
type Result struct {
	StatementID    string         `json:"statementId,omitempty"`
	Report         []ReportItem   `json:"report"`
	Summary        Summary        `json:"summary"`
	CrossReference CrossReference `json:"crossReference"`
	Updated        int            `json:"updated"`
}
