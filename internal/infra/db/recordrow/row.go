// Package recordrow flattens report records into the column set shared by every
// SQL backend. List fields travel as JSON text.
package recordrow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
	"github.com/bryanwahyu/vulnreport/internal/domain/report"
)

// Table name used by all backends.
const Table = "report_records"

// Columns in select/insert order.
const Columns = "id, project, finding_id, title, images_json, filenames_json, markdown, raw_markdown, history_json, artifact_url, created_at, updated_at"

type Row struct {
	ID          string
	Project     string
	FindingID   string
	Title       string
	Images      string
	Filenames   string
	Markdown    string
	RawMarkdown string
	History     string
	ArtifactURL string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// FromRecord flattens r. Zero timestamps default to now.
func FromRecord(r *report.Record, now time.Time) (Row, error) {
	images, err := marshalList(r.Images)
	if err != nil {
		return Row{}, fmt.Errorf("images: %w", err)
	}
	filenames, err := marshalList(r.Filenames)
	if err != nil {
		return Row{}, fmt.Errorf("filenames: %w", err)
	}
	history, err := marshalList(r.History)
	if err != nil {
		return Row{}, fmt.Errorf("history: %w", err)
	}
	created, updated := r.CreatedAt, r.UpdatedAt
	if created.IsZero() {
		created = now
	}
	if updated.IsZero() {
		updated = created
	}
	return Row{
		ID:          string(r.ID),
		Project:     StringOrDash(r.Project),
		FindingID:   string(r.FindingID),
		Title:       r.Title,
		Images:      images,
		Filenames:   filenames,
		Markdown:    r.Markdown,
		RawMarkdown: r.RawMarkdown,
		History:     history,
		ArtifactURL: r.ArtifactURL,
		CreatedAt:   created.UTC(),
		UpdatedAt:   updated.UTC(),
	}, nil
}

// Record rebuilds the domain value.
func (row Row) Record() (*report.Record, error) {
	r := &report.Record{
		ID:          report.RecordID(row.ID),
		Project:     row.Project,
		FindingID:   report.FindingID(row.FindingID),
		Title:       row.Title,
		Markdown:    row.Markdown,
		RawMarkdown: row.RawMarkdown,
		ArtifactURL: row.ArtifactURL,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
		Images:      []string{},
		Filenames:   []string{},
	}
	if err := unmarshalList(row.Images, &r.Images); err != nil {
		return nil, fmt.Errorf("record %s images: %w", row.ID, err)
	}
	if err := unmarshalList(row.Filenames, &r.Filenames); err != nil {
		return nil, fmt.Errorf("record %s filenames: %w", row.ID, err)
	}
	var history []ai.Turn
	if err := unmarshalList(row.History, &history); err != nil {
		return nil, fmt.Errorf("record %s history: %w", row.ID, err)
	}
	r.History = history
	return r, nil
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// Scan reads one row in Columns order.
func Scan(s Scanner) (Row, error) {
	var row Row
	err := s.Scan(&row.ID, &row.Project, &row.FindingID, &row.Title,
		&row.Images, &row.Filenames, &row.Markdown, &row.RawMarkdown,
		&row.History, &row.ArtifactURL, &row.CreatedAt, &row.UpdatedAt)
	return row, err
}

// Page normalises paging input the same way for every backend.
func Page(page, pageSize int) (limit, offset int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return pageSize, (page - 1) * pageSize
}

// StringOrDash returns "-" when the input is empty/whitespace
func StringOrDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func marshalList(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func unmarshalList(s string, dst any) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}
