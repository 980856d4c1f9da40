package reports

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
	"github.com/bryanwahyu/vulnreport/internal/infra/markdown"
)

// ErrNothingToSave is returned for findings without a generated document.
var ErrNothingToSave = errors.New("finding has no generated document to save")

// Mapper turns a finding into its persisted shape.
type Mapper struct {
	codec *imagecodec.Codec
}

func NewMapper(codec *imagecodec.Codec) *Mapper {
	return &Mapper{codec: codec}
}

// ToRecord builds a fresh record for f. Callers updating an existing record carry
// its ID and CreatedAt over themselves.
func (m *Mapper) ToRecord(f *report.Finding, project string, now time.Time) (*report.Record, error) {
	if !f.HasDocument || strings.TrimSpace(f.GeneratedDocument) == "" {
		return nil, ErrNothingToSave
	}
	ordered := f.Ordered()
	rec := &report.Record{
		Project:     project,
		FindingID:   f.ID,
		Title:       f.Title,
		Images:      make([]string, 0, len(ordered)),
		Filenames:   make([]string, 0, len(ordered)),
		RawMarkdown: f.GeneratedDocument,
		History:     append([]ai.Turn(nil), f.History...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inline := make([]markdown.Image, 0, len(ordered))
	for _, s := range ordered {
		uri, err := m.codec.Encode(s.Raw, s.MimeType)
		if err != nil {
			return nil, fmt.Errorf("screenshot %d: %w", s.Position+1, err)
		}
		name := report.ImageName(s.Position, imagecodec.ExtensionFor(s.MimeType))
		rec.Images = append(rec.Images, uri)
		rec.Filenames = append(rec.Filenames, name)
		inline = append(inline, markdown.Image{Name: name, DataURI: uri})
	}
	rec.Markdown = markdown.InlineImages(markdown.FixLineBreaks(f.GeneratedDocument), inline)
	return rec, nil
}

// Service persists records and optionally exports their Markdown.
type Service struct {
	repo      report.Repository
	artifacts report.ArtifactStore
	mapper    *Mapper
	clock     application.Clock
	logger    *zap.Logger
}

// NewService wires the record store. artifacts may be nil.
func NewService(repo report.Repository, artifacts report.ArtifactStore, mapper *Mapper, clock application.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = application.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, artifacts: artifacts, mapper: mapper, clock: clock, logger: logger.Named("reports")}
}

// Save writes f under project and returns the stored record. When recordID is
// set the existing record is updated and keeps its creation time.
func (s *Service) Save(ctx context.Context, project string, f *report.Finding, recordID report.RecordID) (*report.Record, error) {
	now := s.clock.Now().UTC()
	rec, err := s.mapper.ToRecord(f, project, now)
	if err != nil {
		return nil, err
	}

	if recordID != "" {
		prev, err := s.repo.Get(ctx, project, recordID)
		if err != nil {
			return nil, err
		}
		rec.ID = prev.ID
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.ID = report.RecordID(strings.ReplaceAll(uuid.NewString(), "-", ""))
	}

	if s.artifacts != nil {
		key := fmt.Sprintf("%s/%s.md", project, rec.ID)
		url, err := s.artifacts.PutDocument(ctx, key, []byte(rec.Markdown), "text/markdown; charset=utf-8")
		if err != nil {
			// export is best-effort, the repository write is the confirmation
			s.logger.Warn("markdown export failed", zap.String("record", string(rec.ID)), zap.Error(err))
		} else {
			rec.ArtifactURL = url
		}
	}

	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	s.logger.Info("record saved",
		zap.String("project", project),
		zap.String("record", string(rec.ID)),
		zap.String("finding", string(f.ID)),
		zap.Int("images", len(rec.Images)),
	)
	return rec, nil
}

func (s *Service) Get(ctx context.Context, project string, id report.RecordID) (*report.Record, error) {
	return s.repo.Get(ctx, project, id)
}

// List returns one page of records for project, newest first.
func (s *Service) List(ctx context.Context, project string, page, pageSize int) (*report.PaginatedRecords, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	items, err := s.repo.Paginate(ctx, project, page, pageSize)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*report.Record{}
	}
	return &report.PaginatedRecords{Data: items, Page: page, PageSize: pageSize}, nil
}
