package findings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bryanwahyu/vulnreport/internal/application"
	"github.com/bryanwahyu/vulnreport/internal/application/generation"
	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/ai/prompt"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
	"github.com/bryanwahyu/vulnreport/internal/infra/markdown"
)

// ErrNoDocument is returned by FollowUp before a first draft exists.
var ErrNoDocument = errors.New("finding has no generated document yet")

// ErrOCRDisabled is returned by AttachOCR when no OCR backend is configured.
var ErrOCRDisabled = fmt.Errorf("ocr disabled: %w", ai.ErrTransportUnavailable)

// Generator is the slice of the orchestrator the workspace drives.
type Generator interface {
	Start(ctx context.Context, key string, req ai.GenerationRequest) (*generation.Stream, error)
	Continue(ctx context.Context, key string, base ai.GenerationRequest, priorDocument, followUp string) (*generation.Stream, error)
	Cancel(key string) bool
}

// Service keeps findings in memory and runs their generations.
// Safe for concurrent use; findings are independent of each other.
type Service struct {
	gen    Generator
	ocr    ai.OCR
	codec  *imagecodec.Codec
	clock  application.Clock
	logger *zap.Logger

	mu       sync.Mutex
	findings map[report.FindingID]*entry
}

type entry struct {
	finding *report.Finding
	kind    report.Kind
	// stream that may settle the finding; older streams are ignored
	stream  string
	settled report.Status
	// idle is closed once no stream is in flight
	idle chan struct{}
	busy bool
}

// NewService wires the workspace. ocr may be nil when OCR is disabled.
func NewService(gen Generator, ocr ai.OCR, codec *imagecodec.Codec, clock application.Clock, logger *zap.Logger) *Service {
	if clock == nil {
		clock = application.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gen:      gen,
		ocr:      ocr,
		codec:    codec,
		clock:    clock,
		logger:   logger.Named("findings"),
		findings: make(map[report.FindingID]*entry),
	}
}

func streamKey(id report.FindingID) string { return "finding:" + string(id) }

// Create registers an empty draft.
func (s *Service) Create(title, notes string) *report.Finding {
	now := s.clock.Now()
	f := &report.Finding{
		ID:        report.FindingID(uuid.NewString()),
		Title:     strings.TrimSpace(title),
		Notes:     notes,
		Images:    []*report.Screenshot{},
		Status:    report.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.findings[f.ID] = &entry{finding: f, kind: report.KindReport, settled: report.StatusDraft}
	s.mu.Unlock()
	return snapshot(f)
}

// Get returns a copy of the finding.
func (s *Service) Get(id report.FindingID) (*report.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return snapshot(e.finding), nil
}

// UpdateDraft replaces title and notes. An empty title keeps the current one.
func (s *Service) UpdateDraft(id report.FindingID, title, notes string) (*report.Finding, error) {
	return s.mutate(id, func(f *report.Finding) error {
		if t := strings.TrimSpace(title); t != "" {
			f.Title = t
		}
		f.Notes = notes
		return nil
	})
}

// AddScreenshot validates and appends an image at the end of the order.
func (s *Service) AddScreenshot(id report.FindingID, filename string, raw []byte, mime string) (*report.Screenshot, error) {
	mime, err := s.codec.Validate(raw, mime)
	if err != nil {
		return nil, err
	}
	shot := &report.Screenshot{
		ID:       uuid.NewString(),
		Filename: filename,
		Raw:      raw,
		MimeType: mime,
	}
	if _, err := s.mutate(id, func(f *report.Finding) error {
		f.AddScreenshot(shot)
		return nil
	}); err != nil {
		return nil, err
	}
	out := *shot
	return &out, nil
}

func (s *Service) RemoveScreenshot(id report.FindingID, screenshotID string) (*report.Finding, error) {
	return s.mutate(id, renumbered(func(f *report.Finding) error { return f.RemoveScreenshot(screenshotID) }))
}

func (s *Service) Reorder(id report.FindingID, screenshotIDs []string) (*report.Finding, error) {
	return s.mutate(id, renumbered(func(f *report.Finding) error { return f.Reorder(screenshotIDs) }))
}

// renumbered runs a position change and points the draft and its history at
// the new screenshotN names.
func renumbered(fn func(f *report.Finding) error) func(f *report.Finding) error {
	return func(f *report.Finding) error {
		before := imageNames(f)
		if err := fn(f); err != nil {
			return err
		}
		after := imageNames(f)

		renames := make(map[string]string)
		var dropped []string
		for shotID, old := range before {
			name, ok := after[shotID]
			switch {
			case !ok:
				dropped = append(dropped, old)
			case name != old:
				renames[old] = name
			}
		}
		if len(renames) == 0 && len(dropped) == 0 {
			return nil
		}

		f.GeneratedDocument = markdown.RenameImages(f.GeneratedDocument, renames, dropped)
		history := make([]ai.Turn, len(f.History))
		for i, turn := range f.History {
			turn.Text = markdown.RenameImages(turn.Text, renames, dropped)
			history[i] = turn
		}
		f.History = history
		return nil
	}
}

func imageNames(f *report.Finding) map[string]string {
	out := make(map[string]string, len(f.Images))
	for _, shot := range f.Images {
		out[shot.ID] = report.ImageName(shot.Position, imagecodec.ExtensionFor(shot.MimeType))
	}
	return out
}

// AttachOCR extracts text for one screenshot. Existing text is returned as is
// unless force is set.
func (s *Service) AttachOCR(ctx context.Context, id report.FindingID, screenshotID string, force bool) (string, error) {
	if s.ocr == nil {
		return "", ErrOCRDisabled
	}

	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	shot, err := e.finding.Screenshot(screenshotID)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if shot.HasOCR && !force {
		text := shot.OCRText
		s.mu.Unlock()
		return text, nil
	}
	raw, mime := shot.Raw, shot.MimeType
	s.mu.Unlock()

	part, err := s.codec.ToModelPayload(raw, mime)
	if err != nil {
		return "", err
	}
	text, err := s.ocr.ExtractText(ctx, part)
	if err != nil {
		return "", err
	}

	// The screenshot may have been removed while OCR was running.
	_, err = s.mutate(id, func(f *report.Finding) error {
		shot, err := f.Screenshot(screenshotID)
		if err != nil {
			return err
		}
		shot.OCRText = text
		shot.HasOCR = true
		return nil
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// Generate drafts the finding. With useOCR, screenshots lacking text are sent to
// OCR first; an OCR failure is logged and the draft goes ahead without it.
// The caller must drain or cancel the returned stream.
func (s *Service) Generate(ctx context.Context, id report.FindingID, kind report.Kind, useOCR bool) (*generation.Stream, error) {
	if kind == "" {
		kind = report.KindReport
	}
	if _, err := prompt.SystemFor(kind); err != nil {
		return nil, err
	}

	if useOCR {
		if err := s.fuseOCR(ctx, id); err != nil {
			return nil, err
		}
	}

	f, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	ocrText := make(map[string]string, len(f.Images))
	for _, shot := range f.Images {
		if shot.HasOCR {
			ocrText[shot.ID] = shot.OCRText
		}
	}
	doc, err := prompt.Build(f, ocrText, kind)
	if err != nil {
		return nil, err
	}
	images, err := s.payloads(f)
	if err != nil {
		return nil, err
	}

	stream, err := s.gen.Start(ctx, streamKey(id), ai.GenerationRequest{
		System: doc.System,
		Prompt: doc.User,
		Images: images,
	})
	if err != nil {
		return nil, err
	}

	history := []ai.Turn{{Role: ai.RoleUser, Text: doc.User}}
	s.track(id, kind, stream, history)
	return stream, nil
}

// FollowUp refines the current document. The whole conversation is resent.
func (s *Service) FollowUp(ctx context.Context, id report.FindingID, instruction string) (*generation.Stream, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, errors.New("follow-up instruction is empty")
	}

	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !e.finding.HasDocument {
		s.mu.Unlock()
		return nil, ErrNoDocument
	}
	kind := e.kind
	f := snapshot(e.finding)
	s.mu.Unlock()

	system, err := prompt.SystemFor(kind)
	if err != nil {
		return nil, err
	}
	images, err := s.payloads(f)
	if err != nil {
		return nil, err
	}
	base := ai.GenerationRequest{System: system, Images: images, PriorTurns: f.History}
	stream, err := s.gen.Continue(ctx, streamKey(id), base, f.GeneratedDocument, instruction)
	if err != nil {
		return nil, err
	}

	history := append(f.History, ai.Turn{Role: ai.RoleUser, Text: prompt.FollowUp(instruction, f.GeneratedDocument)})
	s.track(id, kind, stream, history)
	return stream, nil
}

// Cancel stops the running generation. It reports whether one was running.
func (s *Service) Cancel(id report.FindingID) (bool, error) {
	if _, err := s.Get(id); err != nil {
		return false, err
	}
	return s.gen.Cancel(streamKey(id)), nil
}

// Restore loads a saved record back into the workspace as a new finding.
func (s *Service) Restore(rec *report.Record) (*report.Finding, error) {
	now := s.clock.Now()
	f := &report.Finding{
		ID:                report.FindingID(uuid.NewString()),
		Title:             rec.Title,
		Images:            []*report.Screenshot{},
		GeneratedDocument: rec.RawMarkdown,
		HasDocument:       rec.RawMarkdown != "",
		History:           append([]ai.Turn(nil), rec.History...),
		Status:            report.StatusDraft,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if f.HasDocument {
		f.Status = report.StatusComplete
	}
	for i, uri := range rec.Images {
		raw, mime, err := s.codec.Decode(uri)
		if err != nil {
			return nil, fmt.Errorf("restore image %d: %w", i+1, err)
		}
		name := ""
		if i < len(rec.Filenames) {
			name = rec.Filenames[i]
		}
		f.AddScreenshot(&report.Screenshot{ID: uuid.NewString(), Filename: name, Raw: raw, MimeType: mime})
	}

	s.mu.Lock()
	s.findings[f.ID] = &entry{finding: f, kind: report.KindReport, settled: f.Status}
	s.mu.Unlock()
	return snapshot(f), nil
}

func (s *Service) fuseOCR(ctx context.Context, id report.FindingID) error {
	if s.ocr == nil {
		s.logger.Warn("ocr requested but disabled, generating without it", zap.String("finding", string(id)))
		return nil
	}
	f, err := s.Get(id)
	if err != nil {
		return err
	}
	for _, shot := range f.Ordered() {
		if shot.HasOCR {
			continue
		}
		_, err := s.AttachOCR(ctx, id, shot.ID, false)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ai.ErrTransportUnavailable):
			s.logger.Warn("ocr unavailable, generating without it",
				zap.String("finding", string(id)), zap.Error(err))
			return nil
		default:
			s.logger.Warn("ocr failed for screenshot",
				zap.String("finding", string(id)),
				zap.String("screenshot", shot.ID),
				zap.Error(err))
		}
	}
	return nil
}

func (s *Service) payloads(f *report.Finding) ([]ai.ImagePart, error) {
	ordered := f.Ordered()
	out := make([]ai.ImagePart, 0, len(ordered))
	for _, shot := range ordered {
		part, err := s.codec.ToModelPayload(shot.Raw, shot.MimeType)
		if err != nil {
			return nil, fmt.Errorf("screenshot %s: %w", shot.ID, err)
		}
		out = append(out, part)
	}
	return out, nil
}

// track marks the finding as generating and settles it when stream ends.
func (s *Service) track(id report.FindingID, kind report.Kind, stream *generation.Stream, history []ai.Turn) {
	s.mu.Lock()
	if e, ok := s.findings[id]; ok {
		if e.finding.Status != report.StatusGenerating {
			e.settled = e.finding.Status
		}
		e.kind = kind
		e.stream = stream.ID
		if !e.busy {
			e.idle = make(chan struct{})
			e.busy = true
		}
		e.finding.Status = report.StatusGenerating
		e.finding.UpdatedAt = s.clock.Now()
	}
	s.mu.Unlock()

	go s.settle(id, stream, history)
}

func (s *Service) settle(id report.FindingID, stream *generation.Stream, history []ai.Turn) {
	r := stream.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.findings[id]
	if !ok || e.stream != stream.ID {
		return
	}
	e.stream = ""
	if e.busy {
		e.busy = false
		close(e.idle)
	}
	f := e.finding
	switch r.State {
	case generation.StateCompleted:
		f.GeneratedDocument = r.Text
		f.HasDocument = true
		f.Status = report.StatusComplete
		f.LastError = ""
		f.History = append(append([]ai.Turn(nil), history...), ai.Turn{Role: ai.RoleAssistant, Text: r.Text})
	case generation.StateErrored:
		f.Status = report.StatusFailed
		f.LastError = r.Err.Error()
	case generation.StateCancelled:
		f.Status = e.settled
	}
	f.UpdatedAt = s.clock.Now()
	s.logger.Debug("finding settled",
		zap.String("finding", string(id)),
		zap.String("stream", stream.ID),
		zap.String("status", string(f.Status)))
}

// Settled reports whether the finding has no generation in flight.
func (s *Service) Settled(id report.FindingID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.findings[id]
	return ok && e.stream == ""
}

// WaitSettled blocks until the finding has absorbed the outcome of its latest
// generation, or ctx ends.
func (s *Service) WaitSettled(ctx context.Context, id report.FindingID) error {
	s.mu.Lock()
	e, err := s.lookup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !e.busy {
		s.mu.Unlock()
		return nil
	}
	idle := e.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) mutate(id report.FindingID, fn func(f *report.Finding) error) (*report.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := fn(e.finding); err != nil {
		return nil, err
	}
	e.finding.UpdatedAt = s.clock.Now()
	return snapshot(e.finding), nil
}

func (s *Service) lookup(id report.FindingID) (*entry, error) {
	e, ok := s.findings[id]
	if !ok {
		return nil, fmt.Errorf("finding %s: %w", id, report.ErrNotFound)
	}
	return e, nil
}

// snapshot copies everything a caller could mutate.
func snapshot(f *report.Finding) *report.Finding {
	out := *f
	out.Images = make([]*report.Screenshot, len(f.Images))
	for i, shot := range f.Images {
		c := *shot
		out.Images[i] = &c
	}
	out.History = append([]ai.Turn(nil), f.History...)
	return &out
}
