package assembler

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/markdown"
)

type frontMatter struct {
	Target      string   `yaml:"target"`
	Sources     int      `yaml:"sources"`
	GeneratedAt string   `yaml:"generated_at"`
	Partial     bool     `yaml:"partial,omitempty"`
	Warnings    []string `yaml:"warnings,omitempty"`
}

// Render lays the combined report out as a single Markdown document:
// front-matter, executive summary, findings, statistics.
func Render(c *report.CombinedReport) (string, error) {
	fm := frontMatter{
		Target:      c.Target,
		Sources:     len(c.SourceDocuments),
		GeneratedAt: c.GeneratedAt.UTC().Format(time.RFC3339),
		Partial:     c.Partial(),
	}
	for _, w := range c.Warnings {
		fm.Warnings = append(fm.Warnings, w.Operation+": "+w.Message)
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return "", fmt.Errorf("render front-matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")

	if c.HasSummary {
		b.WriteString("## Executive Summary\n\n")
		b.WriteString(strings.TrimSpace(c.ExecutiveSummary))
		b.WriteString("\n\n")
	}

	b.WriteString(c.MergedBody)
	b.WriteString("\n")

	if c.HasStatistics {
		b.WriteString("\n")
		b.WriteString(StatisticsSection(c.Statistics, markdown.ParseSeverityGroups(markdown.StripInlineImages(c.MergedBody))))
	}
	return b.String(), nil
}

// StatisticsSection renders the count table followed by the finding titles
// grouped by severity.
func StatisticsSection(stats report.Statistics, groups map[report.Severity][]string) string {
	var b strings.Builder
	b.WriteString("## Vulnerability Statistics\n\n")
	b.WriteString("| Critical | High | Medium | Low |\n")
	b.WriteString("| -------- | ---- | ------ | --- |\n")
	fmt.Fprintf(&b, "| %d | %d | %d | %d |\n",
		stats[report.SeverityCritical], stats[report.SeverityHigh],
		stats[report.SeverityMedium], stats[report.SeverityLow])

	for _, sev := range report.Severities {
		titles := groups[sev]
		if len(titles) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n**%s - %d**\n", sev, len(titles))
		for _, t := range titles {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	return b.String()
}
