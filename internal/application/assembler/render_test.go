package assembler

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
)

func TestRender_SectionOrder(t *testing.T) {
	c := &report.CombinedReport{
		Target:           "acme",
		SourceDocuments:  []string{"a", "b"},
		MergedBody:       "## SQLi\n![CRITICAL](https://img.shields.io/badge/Severity-Critical-red)\n\n## XSS\nSeverity-Medium",
		ExecutiveSummary: "S",
		HasSummary:       true,
		Statistics:       report.Statistics{report.SeverityCritical: 1, report.SeverityMedium: 1},
		HasStatistics:    true,
		GeneratedAt:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	out, err := Render(c)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, "---\ntarget: acme\n"))
	assert.Contains(t, out, "2025-01-02T03:04:05Z")
	summary := strings.Index(out, "## Executive Summary")
	body := strings.Index(out, "## SQLi")
	stats := strings.Index(out, "## Vulnerability Statistics")
	assert.True(t, summary > 0 && summary < body && body < stats)
	assert.Contains(t, out, "| 1 | 0 | 1 | 0 |")
	assert.Contains(t, out, "**Critical - 1**\n- SQLi\n")
	assert.Contains(t, out, "**Medium - 1**\n- XSS\n")
	assert.NotContains(t, out, "**High")
}

func TestRender_PartialReportListsWarnings(t *testing.T) {
	c := &report.CombinedReport{
		Target:     "acme",
		MergedBody: "body",
		Warnings:   []report.OperationWarning{{Operation: OpStatistics, Message: "quota"}},
	}

	out, err := Render(c)
	require.NoError(t, err)

	assert.Contains(t, out, "partial: true")
	assert.Contains(t, out, "statistics: quota")
	assert.NotContains(t, out, "## Executive Summary")
	assert.NotContains(t, out, "## Vulnerability Statistics")
}
