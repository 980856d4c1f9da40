package report

import "time"

// OperationWarning records a failed summary or statistics step.
type OperationWarning struct {
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// CombinedReport is derived from its sources and regenerated, never patched.
type CombinedReport struct {
	Target           string             `json:"target"`
	SourceDocuments  []string           `json:"source_documents"`
	MergedBody       string             `json:"merged_body"`
	ExecutiveSummary string             `json:"executive_summary,omitempty"`
	HasSummary       bool               `json:"has_summary"`
	Statistics       Statistics         `json:"statistics,omitempty"`
	HasStatistics    bool               `json:"has_statistics"`
	Warnings         []OperationWarning `json:"warnings,omitempty"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// Partial reports whether any requested synthesis step failed.
func (c *CombinedReport) Partial() bool { return len(c.Warnings) > 0 }
