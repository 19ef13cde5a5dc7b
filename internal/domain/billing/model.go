package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound   = errors.New("procedure not found")
	ErrValidation = errors.New("validation failed")
)

type Insurance string

const (
	InsuranceParticular Insurance = "Particular"
	InsurancePublico    Insurance = "Publico"
	InsuranceUnimed     Insurance = "Unimed"
)

var validInsurances = map[Insurance]bool{
	InsuranceParticular: true, InsurancePublico: true, InsuranceUnimed: true,
}

type PaymentMethod string

const (
	PaymentDinheiro      PaymentMethod = "Dinheiro"
	PaymentSicredi       PaymentMethod = "Sicredi"
	PaymentBancoDoBrasil PaymentMethod = "Banco do Brasil"
)

var validPaymentMethods = map[PaymentMethod]bool{
	PaymentDinheiro: true, PaymentSicredi: true, PaymentBancoDoBrasil: true,
}

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusGlosa   Status = "glosa"
)

var validStatuses = map[Status]bool{
	StatusPending: true, StatusPaid: true, StatusGlosa: true,
}

type ReceivedStatus string

const (
	Received    ReceivedStatus = "recebido"
	NotReceived ReceivedStatus = "nao_recebido"
)

var validReceivedStatuses = map[ReceivedStatus]bool{
	Received: true, NotReceived: true,
}

// MedicalProcedure is one billed procedure. The JSON layout is the persisted
// format of the collection.
type MedicalProcedure struct {
	ID             string         `json:"id"`
	PatientName    string         `json:"patientName"`
	Date           string         `json:"date"`
	ProcedureName  string         `json:"procedureName"`
	TUSSCode       string         `json:"tussCode,omitempty"`
	Insurance      Insurance      `json:"insurance"`
	PaymentMethod  PaymentMethod  `json:"paymentMethod,omitempty"`
	ProcedureValue float64        `json:"procedureValue"`
	Status         Status         `json:"status"`
	ReceivedStatus ReceivedStatus `json:"receivedStatus"`
	Notes          *string        `json:"notes,omitempty"`
	GlosaAmount    *float64       `json:"glosaAmount,omitempty"`
}

// FormDate returns the date in the YYYY-MM-DD layout used to pre-fill the
// edit form.
func (p *MedicalProcedure) FormDate() string {
	return ToISODate(p.Date)
}

// MatchCriteria selects records for a bulk status update.
type MatchCriteria struct {
	PatientName   string
	Date          string
	ProcedureName string
}

// Matches reports whether p has the same patient name (case-insensitive,
// trimmed), exactly the same date string, and a procedure name containing
// the criterion case-insensitively.
func (m MatchCriteria) Matches(p *MedicalProcedure) bool {
	if strings.ToLower(strings.TrimSpace(p.PatientName)) != strings.ToLower(strings.TrimSpace(m.PatientName)) {
		return false
	}
	if p.Date != m.Date {
		return false
	}
	return strings.Contains(strings.ToLower(p.ProcedureName), strings.ToLower(m.ProcedureName))
}

// Form carries the registration and edit fields.
type Form struct {
	PatientName    string        `json:"patientName"`
	Date           string        `json:"date"`
	ProcedureName  string        `json:"procedureName"`
	TUSSCode       string        `json:"tussCode"`
	Insurance      Insurance     `json:"insurance"`
	PaymentMethod  PaymentMethod `json:"paymentMethod"`
	ProcedureValue Amount        `json:"procedureValue"`
}

// Validate checks required fields and applies the form defaults: Unimed as
// insurance and Dinheiro as payment method.
func (f *Form) Validate() error {
	f.PatientName = strings.TrimSpace(f.PatientName)
	f.Date = strings.TrimSpace(f.Date)
	f.ProcedureName = strings.TrimSpace(f.ProcedureName)

	switch {
	case f.PatientName == "":
		return fmt.Errorf("%w: patientName is required", ErrValidation)
	case f.Date == "":
		return fmt.Errorf("%w: date is required", ErrValidation)
	case f.ProcedureName == "":
		return fmt.Errorf("%w: procedureName is required", ErrValidation)
	}

	if f.Insurance == "" {
		f.Insurance = InsuranceUnimed
	}
	if !validInsurances[f.Insurance] {
		return fmt.Errorf("%w: invalid insurance: %s", ErrValidation, f.Insurance)
	}
	if f.PaymentMethod == "" {
		f.PaymentMethod = PaymentDinheiro
	}
	if f.Insurance == InsuranceParticular && !validPaymentMethods[f.PaymentMethod] {
		return fmt.Errorf("%w: invalid paymentMethod: %s", ErrValidation, f.PaymentMethod)
	}
	return nil
}

// apply copies the form onto p the way a submitted registration does,
// including the reset of both statuses.
func (f *Form) apply(p *MedicalProcedure) {
	p.PatientName = f.PatientName
	p.Date = FromFormDate(f.Date)
	p.ProcedureName = f.ProcedureName
	p.TUSSCode = f.TUSSCode
	p.Insurance = f.Insurance
	p.PaymentMethod = ""
	if f.Insurance == InsuranceParticular {
		p.PaymentMethod = f.PaymentMethod
	}
	p.ProcedureValue = float64(f.ProcedureValue)
	p.Status = StatusPending
	p.ReceivedStatus = NotReceived
}

// Amount is a monetary form value. It decodes from a JSON number or string;
// empty or unparseable input decodes to zero.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*a = Amount(ParseValue(n.String()))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Amount(ParseValue(s))
		return nil
	}
	*a = 0
	return nil
}

// ParseValue parses a procedure value typed by a user. Both "1234.56" and the
// Brazilian "1.234,56" are accepted. Empty or invalid input yields zero.
func ParseValue(raw string) float64 {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}
