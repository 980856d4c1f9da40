package report

import (
	"time"

	"github.com/bryanwahyu/vulnreport/internal/domain/ai"
)

// RecordID identifier type
type RecordID string

// Record is the persisted report shape handed to the external store.
type Record struct {
	ID          RecordID  `json:"id"`
	Project     string    `json:"project"`
	FindingID   FindingID `json:"finding_id,omitempty"`
	Title       string    `json:"title"`
	Images      []string  `json:"images"` // data URIs in position order
	Filenames   []string  `json:"filenames"`
	Markdown    string    `json:"markdown"` // images inlined
	RawMarkdown string    `json:"raw_markdown"`
	History     []ai.Turn `json:"history,omitempty"`
	ArtifactURL string    `json:"artifact_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PaginatedRecords represents a paginated response with data and metadata
type PaginatedRecords struct {
	Data     []*Record `json:"data"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}
