// Package markdown holds the text transformations applied to generated reports
// before they are shown, stored, or fed back to the model.
package markdown

import (
	"regexp"
	"strings"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
)

var (
	inlineImageRe  = regexp.MustCompile(`!\[[^\]]*\]\(data:image/[^)]+\)`)
	blockStartRe   = regexp.MustCompile(`^\s*(?:[-*+]|\d+\.|#|>|\||!)`)
	spaceBeforeRe  = regexp.MustCompile(`[ \t]+([,.:;?!])(\s|$)`)
	sectionRe      = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	severityMarkRe = regexp.MustCompile(`(?:!\[([A-Za-z]+)\]|Severity-([A-Za-z]+))`)
)

// Image pairs a placeholder name (screenshot1.png) with its data URI.
type Image struct {
	Name    string
	DataURI string
}

// StripInlineImages removes embedded base64 images so the text is small enough
// to send back to the model.
func StripInlineImages(md string) string {
	return inlineImageRe.ReplaceAllString(md, "")
}

// RenameImages rewrites (old) link targets to (new) in one pass, so swapped
// names do not collide. Image references to dropped names are removed.
func RenameImages(md string, renames map[string]string, dropped []string) string {
	for _, name := range dropped {
		re := regexp.MustCompile(`!\[[^\]]*\]\(` + regexp.QuoteMeta(name) + `\)\n?`)
		md = re.ReplaceAllString(md, "")
	}
	if len(renames) == 0 {
		return md
	}
	pairs := make([]string, 0, len(renames)*2)
	for from, to := range renames {
		pairs = append(pairs, "("+from+")", "("+to+")")
	}
	return strings.NewReplacer(pairs...).Replace(md)
}

// InlineImages swaps (name) link targets for the matching data URI.
func InlineImages(md string, images []Image) string {
	if len(images) == 0 {
		return md
	}
	pairs := make([]string, 0, len(images)*2)
	for _, img := range images {
		pairs = append(pairs, "("+img.Name+")", "("+img.DataURI+")")
	}
	return strings.NewReplacer(pairs...).Replace(md)
}

// FixLineBreaks merges stray single line breaks that split a sentence. Lines that
// begin a block element, blank lines and fenced code are left alone.
func FixLineBreaks(md string) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	inFence := false
	joinable := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
			out = append(out, line)
			joinable = false
			continue
		}
		if inFence {
			out = append(out, line)
			continue
		}

		if joinable && trimmed != "" && !blockStartRe.MatchString(line) {
			prev := out[len(out)-1]
			if strings.ContainsRune(",.:;!?", rune(trimmed[0])) {
				out[len(out)-1] = prev + trimmed
			} else {
				out[len(out)-1] = prev + " " + trimmed
			}
			continue
		}

		out = append(out, spaceBeforeRe.ReplaceAllString(line, "$1$2"))
		joinable = trimmed != "" && !strings.HasPrefix(trimmed, "#") && !strings.HasPrefix(trimmed, "|")
	}
	return strings.Join(out, "\n")
}

// ParseSeverityGroups walks "## Title" sections and groups their titles by the
// severity badge found inside, e.g. ![High](...) or Severity-High.
func ParseSeverityGroups(md string) map[report.Severity][]string {
	groups := make(map[report.Severity][]string)
	var title string
	found := false

	for _, line := range strings.Split(md, "\n") {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			title = m[1]
			found = false
			continue
		}
		if title == "" || found {
			continue
		}
		m := severityMarkRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		label := m[1]
		if label == "" {
			label = m[2]
		}
		if sev, ok := report.ParseSeverity(label); ok {
			groups[sev] = append(groups[sev], title)
			found = true
		}
	}
	return groups
}
