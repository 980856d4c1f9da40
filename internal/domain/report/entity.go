package report

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

// ErrNotFound is returned by lookups for unknown findings, screenshots or records.
var ErrNotFound = errors.New("not found")

// FindingID tipe untuk Finding
type FindingID string

// Status enum
type Status string

const (
	StatusDraft      Status = "draft"
	StatusGenerating Status = "generating"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Kind selects the drafting template.
type Kind string

const (
	KindReport    Kind = "report"
	KindKillChain Kind = "killchain"
)

// Screenshot belongs to exactly one Finding. OCR text is keyed to the screenshot
// identity, so a re-upload (new ID) never inherits stale text.
type Screenshot struct {
	ID       string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Raw      []byte `json:"-"`
	MimeType string `json:"mime_type"`
	OCRText  string `json:"ocr_text,omitempty"`
	HasOCR   bool   `json:"has_ocr"`
	Position int    `json:"position"`
}

// Finding is a single report unit.
type Finding struct {
	ID                FindingID     `json:"id"`
	Title             string        `json:"title"`
	Notes             string        `json:"notes"`
	Images            []*Screenshot `json:"images"`
	GeneratedDocument string        `json:"generated_document,omitempty"`
	HasDocument       bool          `json:"has_document"`
	Status            Status        `json:"status"`
	History           []ai.Turn     `json:"history,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Ordered returns the screenshots sorted by position. The returned slice is a copy.
func (f *Finding) Ordered() []*Screenshot {
	out := make([]*Screenshot, len(f.Images))
	copy(out, f.Images)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Screenshot looks a screenshot up by ID.
func (f *Finding) Screenshot(id string) (*Screenshot, error) {
	for _, s := range f.Images {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("screenshot %s: %w", id, ErrNotFound)
}

// AddScreenshot appends s at the end of the current order.
func (f *Finding) AddScreenshot(s *Screenshot) {
	s.Position = len(f.Images)
	f.Images = append(f.Images, s)
	f.renumber(f.Ordered())
}

// RemoveScreenshot drops a screenshot and closes the gap in positions.
func (f *Finding) RemoveScreenshot(id string) error {
	ordered := f.Ordered()
	for i, s := range ordered {
		if s.ID == id {
			f.renumber(append(ordered[:i:i], ordered[i+1:]...))
			return nil
		}
	}
	return fmt.Errorf("screenshot %s: %w", id, ErrNotFound)
}

// Reorder applies a new order. ids must be a permutation of the current screenshot IDs.
func (f *Finding) Reorder(ids []string) error {
	if len(ids) != len(f.Images) {
		return fmt.Errorf("reorder: got %d ids for %d screenshots", len(ids), len(f.Images))
	}
	byID := make(map[string]*Screenshot, len(f.Images))
	for _, s := range f.Images {
		byID[s.ID] = s
	}
	next := make([]*Screenshot, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return fmt.Errorf("reorder: screenshot %s: %w", id, ErrNotFound)
		}
		delete(byID, id)
		next = append(next, s)
	}
	f.renumber(next)
	return nil
}

// renumber keeps positions a dense 0..N-1 permutation in the given order.
func (f *Finding) renumber(ordered []*Screenshot) {
	for i, s := range ordered {
		s.Position = i
	}
	f.Images = ordered
}

// ImageName is the stable placeholder a screenshot is referenced by in prompts and
// generated documents, e.g. screenshot1.png.
func ImageName(position int, ext string) string {
	return fmt.Sprintf("screenshot%d%s", position+1, ext)
}
