package glosa

import (
	"bytes"
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/medglosa/medglosa/internal/domain/billing"
	"github.com/medglosa/medglosa/internal/platform/blobstore"
)

// Upload is a statement file received for analysis.
type Upload struct {
	FileName    string
	ContentType string
	Data        []byte
	UploadedBy  string
}

type Service struct {
	procs     *billing.Service
	extractor Extractor
	archive   blobstore.BlobStore
	logger    zerolog.Logger
	// gate admits one analysis at a time.
	gate chan struct{}
}

// NewService wires the analysis pipeline. archive may be nil, in which case
// statements are not kept.
func NewService(procs *billing.Service, extractor Extractor, archive blobstore.BlobStore, logger zerolog.Logger) *Service {
	return &Service{
		procs:     procs,
		extractor: extractor,
		archive:   archive,
		logger:    logger.With().Str("component", "glosa-analysis").Logger(),
		gate:      make(chan struct{}, 1),
	}
}

// Busy reports whether an analysis is running.
func (s *Service) Busy() bool {
	return len(s.gate) > 0
}

// Analyze archives the statement, extracts its lines, marks every matching
// procedure paid or glosa and returns the report with its summary and the
// cross-reference against the updated records. A second call while one is
// running fails with ErrAnalysisInProgress. Cancelling ctx does not stop an
// analysis that has started.
func (s *Service) Analyze(ctx context.Context, up Upload) (*Result, error) {
	select {
	case s.gate <- struct{}{}:
	default:
		return nil, ErrAnalysisInProgress
	}
	defer func() { <-s.gate }()

	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	log := s.logger.With().Str("file", up.FileName).Str("content_type", up.ContentType).Logger()
	log.Info().Int("bytes", len(up.Data)).Msg("analysis started")

	result := &Result{}
	if s.archive != nil {
		meta, err := s.archive.Upload(ctx, blobstore.BlobMetadata{
			FileName:    up.FileName,
			ContentType: up.ContentType,
			Category:    blobstore.CategoryStatement,
			CreatedBy:   up.UploadedBy,
		}, bytes.NewReader(up.Data))
		if err != nil {
			log.Warn().Err(err).Msg("statement not archived")
		} else {
			result.StatementID = meta.ID
		}
	}

	items, err := s.extractor.Extract(ctx, up.Data, up.ContentType)
	if err != nil {
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("analysis failed")
		return nil, err
	}

	for _, it := range items {
		status := billing.StatusPaid
		if it.IsGlosa {
			status = billing.StatusGlosa
		}
		amount := float64(it.GlosaAmount)
		n, err := s.procs.ApplyStatus(ctx, billing.MatchCriteria{
			PatientName:   it.PatientName,
			Date:          it.Date,
			ProcedureName: it.Procedure,
		}, status, &amount)
		if err != nil {
			log.Error().Err(err).Int("updated", result.Updated).Msg("analysis failed while updating procedures")
			return nil, err
		}
		result.Updated += n
	}

	procs, err := s.procs.List(ctx, billing.DateRange{})
	if err != nil {
		return nil, err
	}

	result.Report = items
	result.Summary = Summarize(items)
	result.CrossReference = CrossReferenceReport(procs, items)

	log.Info().
		Int("items", len(items)).
		Int("glosas", result.Summary.GlosaCount).
		Int("updated", result.Updated).
		Dur("elapsed", time.Since(start)).
		Msg("analysis finished")
	return result, nil
}

// CrossReference recomputes the summary and cross-reference of a report
// against the current records without calling the extractor.
func (s *Service) CrossReference(ctx context.Context, report []ReportItem) (*Result, error) {
	procs, err := s.procs.List(ctx, billing.DateRange{})
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = []ReportItem{}
	}
	return &Result{
		Report:         report,
		Summary:        Summarize(report),
		CrossReference: CrossReferenceReport(procs, report),
	}, nil
}
