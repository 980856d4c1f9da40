package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/db/recordrow"
)

// Fixed-width UTC layout so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type RecordRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db, now: time.Now}
}

const schema = `
CREATE TABLE IF NOT EXISTS report_records (
  id             TEXT PRIMARY KEY,
  project        TEXT NOT NULL,
  finding_id     TEXT NOT NULL DEFAULT '',
  title          TEXT NOT NULL DEFAULT '',
  images_json    TEXT NOT NULL,
  filenames_json TEXT NOT NULL,
  markdown       TEXT NOT NULL,
  raw_markdown   TEXT NOT NULL,
  history_json   TEXT NOT NULL,
  artifact_url   TEXT NOT NULL DEFAULT '',
  created_at     TEXT NOT NULL,
  updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_report_records_project ON report_records (project, created_at);
`

func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Save upserts rec. created_at keeps its first value.
func (r *RecordRepository) Save(ctx context.Context, rec *report.Record) error {
	const q = `
INSERT INTO report_records
  (id, project, finding_id, title, images_json, filenames_json, markdown, raw_markdown, history_json, artifact_url, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET
  project=excluded.project,
  finding_id=excluded.finding_id,
  title=excluded.title,
  images_json=excluded.images_json,
  filenames_json=excluded.filenames_json,
  markdown=excluded.markdown,
  raw_markdown=excluded.raw_markdown,
  history_json=excluded.history_json,
  artifact_url=excluded.artifact_url,
  updated_at=excluded.updated_at;
`
	row, err := recordrow.FromRecord(rec, r.now())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, row.ID, row.Project, row.FindingID, row.Title,
		row.Images, row.Filenames, row.Markdown, row.RawMarkdown, row.History,
		row.ArtifactURL, row.CreatedAt.Format(timeLayout), row.UpdatedAt.Format(timeLayout))
	return err
}

func (r *RecordRepository) Get(ctx context.Context, project string, id report.RecordID) (*report.Record, error) {
	const q = `SELECT ` + recordrow.Columns + ` FROM report_records WHERE id=? AND project=?;`
	rec, err := scan(r.db.QueryRowContext(ctx, q, string(id), recordrow.StringOrDash(project)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, report.ErrNotFound)
	}
	return rec, err
}

// Paginate returns newest records first.
func (r *RecordRepository) Paginate(ctx context.Context, project string, page, pageSize int) ([]*report.Record, error) {
	limit, offset := recordrow.Page(page, pageSize)
	const q = `
SELECT ` + recordrow.Columns + `
FROM report_records
WHERE project=?
ORDER BY created_at DESC, id DESC
LIMIT ? OFFSET ?;
`
	rows, err := r.db.QueryContext(ctx, q, recordrow.StringOrDash(project), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*report.Record
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scan(s recordrow.Scanner) (*report.Record, error) {
	var row recordrow.Row
	var created, updated string
	if err := s.Scan(&row.ID, &row.Project, &row.FindingID, &row.Title,
		&row.Images, &row.Filenames, &row.Markdown, &row.RawMarkdown,
		&row.History, &row.ArtifactURL, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if row.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("record %s created_at: %w", row.ID, err)
	}
	if row.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("record %s updated_at: %w", row.ID, err)
	}
	return row.Record()
}
