package glosa

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/medglosa/medglosa/internal/domain/billing"
)

var combiningMarks = runes.Predicate(func(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
})

// Normalize lowercases s, decomposes it and drops the combining diacritical
// marks, so "JOSÉ" and "jose" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(combiningMarks))
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.TrimSpace(out)
}

// namesMatch is true when either normalized name contains the other.
func namesMatch(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return strings.Contains(na, nb) || strings.Contains(nb, na)
}

// Summarize totals the glosa items and lists their distinct patient names
// in first-seen order.
func Summarize(items []ReportItem) Summary {
	total := decimal.Zero
	seen := make(map[string]bool)
	s := Summary{ItemCount: len(items), UniquePatients: []string{}}
	for _, it := range items {
		if !it.IsGlosa {
			continue
		}
		s.GlosaCount++
		total = total.Add(decimal.NewFromFloat(float64(it.GlosaAmount)))
		if !seen[it.PatientName] {
			seen[it.PatientName] = true
			s.UniquePatients = append(s.UniquePatients, it.PatientName)
		}
	}
	s.TotalGlosa = total.InexactFloat64()
	s.PatientCount = len(s.UniquePatients)
	return s
}

// CrossReferenceReport pairs every Unimed record with the first report item
// whose patient name matches. With an empty report nothing is listed.
func CrossReferenceReport(procs []*billing.MedicalProcedure, report []ReportItem) CrossReference {
	out := CrossReference{
		Matched:         []Match{},
		UnmatchedManual: []*billing.MedicalProcedure{},
	}
	if len(report) == 0 {
		return out
	}
	for _, p := range procs {
		if p.Insurance != billing.InsuranceUnimed {
			continue
		}
		found := false
		for _, it := range report {
			if namesMatch(it.PatientName, p.PatientName) {
				out.Matched = append(out.Matched, Match{Manual: p, Report: it})
				found = true
				break
			}
		}
		if !found {
			out.UnmatchedManual = append(out.UnmatchedManual, p)
		}
	}
	return out
}
