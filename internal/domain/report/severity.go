package report

import "strings"

// Severity label used in statistics.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
)

// Severities in report order.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Statistics maps a severity label to its count.
type Statistics map[Severity]int

// Total sums the counted severities.
func (s Statistics) Total() int {
	n := 0
	for _, sev := range Severities {
		n += s[sev]
	}
	return n
}

// ParseSeverity normalises free-form labels ("CRITICAL", "info", "Severity-High").
// Informational findings are folded into Low.
func ParseSeverity(raw string) (Severity, bool) {
	sev := strings.ToLower(strings.TrimSpace(raw))
	sev = strings.TrimPrefix(sev, "severity-")
	switch sev {
	case "critical":
		return SeverityCritical, true
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low", "info", "informational":
		return SeverityLow, true
	}
	return "", false
}
