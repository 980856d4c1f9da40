package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/db/recordrow"
)

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
  created_at     TIMESTAMPTZ NOT NULL,
  updated_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_report_records_project ON report_records (project, created_at);
`

func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Save inserts or updates a record
func (r *RecordRepository) Save(ctx context.Context, rec *report.Record) error {
	const q = `
INSERT INTO report_records
  (id, project, finding_id, title, images_json, filenames_json, markdown, raw_markdown, history_json, artifact_url, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO UPDATE SET
  project=EXCLUDED.project,
  finding_id=EXCLUDED.finding_id,
  title=EXCLUDED.title,
  images_json=EXCLUDED.images_json,
  filenames_json=EXCLUDED.filenames_json,
  markdown=EXCLUDED.markdown,
  raw_markdown=EXCLUDED.raw_markdown,
  history_json=EXCLUDED.history_json,
  artifact_url=EXCLUDED.artifact_url,
  updated_at=EXCLUDED.updated_at;
`
	row, err := recordrow.FromRecord(rec, r.now())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, q, row.ID, row.Project, row.FindingID, row.Title,
		row.Images, row.Filenames, row.Markdown, row.RawMarkdown, row.History,
		row.ArtifactURL, row.CreatedAt, row.UpdatedAt)
	return err
}

func (r *RecordRepository) Get(ctx context.Context, project string, id report.RecordID) (*report.Record, error) {
	const q = `SELECT ` + recordrow.Columns + ` FROM report_records WHERE id=$1 AND project=$2;`
	row, err := recordrow.Scan(r.db.QueryRowContext(ctx, q, string(id), recordrow.StringOrDash(project)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, report.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.Record()
}

func (r *RecordRepository) Paginate(ctx context.Context, project string, page, pageSize int) ([]*report.Record, error) {
	limit, offset := recordrow.Page(page, pageSize)
	const q = `
SELECT ` + recordrow.Columns + `
FROM report_records
WHERE project=$1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3;
`
	rows, err := r.db.QueryContext(ctx, q, recordrow.StringOrDash(project), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*report.Record
	for rows.Next() {
		row, err := recordrow.Scan(rows)
		if err != nil {
			return nil, err
		}
		rec, err := row.Record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
