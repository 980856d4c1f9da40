package mysql

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
  id             VARCHAR(64)  NOT NULL PRIMARY KEY,
  project        VARCHAR(128) NOT NULL,
  finding_id     VARCHAR(64)  NOT NULL DEFAULT '',
  title          VARCHAR(512) NOT NULL DEFAULT '',
  images_json    LONGTEXT     NOT NULL,
  filenames_json TEXT         NOT NULL,
  markdown       LONGTEXT     NOT NULL,
  raw_markdown   LONGTEXT     NOT NULL,
  history_json   LONGTEXT     NOT NULL,
  artifact_url   VARCHAR(1024) NOT NULL DEFAULT '',
  created_at     DATETIME(6)  NOT NULL,
  updated_at     DATETIME(6)  NOT NULL,
  KEY idx_report_records_project (project, created_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
`

// EnsureSchema creates the records table when missing.
func (r *RecordRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// Save inserts or updates a record. created_at is never overwritten.
func (r *RecordRepository) Save(ctx context.Context, rec *report.Record) error {
	const q = `
INSERT INTO report_records
  (id, project, finding_id, title, images_json, filenames_json, markdown, raw_markdown, history_json, artifact_url, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
  project=VALUES(project), finding_id=VALUES(finding_id), title=VALUES(title),
  images_json=VALUES(images_json), filenames_json=VALUES(filenames_json),
  markdown=VALUES(markdown), raw_markdown=VALUES(raw_markdown),
  history_json=VALUES(history_json), artifact_url=VALUES(artifact_url),
  updated_at=VALUES(updated_at);
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
	const q = `SELECT ` + recordrow.Columns + ` FROM report_records WHERE id=? AND project=?;`
	row, err := recordrow.Scan(r.db.QueryRowContext(ctx, q, string(id), recordrow.StringOrDash(project)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, report.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.Record()
}

// Paginate returns a page of records ordered by created_at desc
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
