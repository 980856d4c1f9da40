// Package prompt instantiates the fixed drafting templates. Nothing here calls a model.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
	"github.com/bryanwahyu/vulnreport/internal/infra/imagecodec"
)

// RequiredSections are asked for, in this order, in every drafted finding.
var RequiredSections = []string{"Description", "Evidence", "Risk", "Mitigation"}

// Document is the instantiated prompt for one finding.
type Document struct {
	System        string
	User          string
	ImageRefs     []string // screenshotN.ext, position order
	ScreenshotIDs []string // same order as ImageRefs
}

type frontMatter struct {
	Title       string `yaml:"title"`
	Kind        string `yaml:"kind"`
	Screenshots int    `yaml:"screenshots"`
	Severity    string `yaml:"severity"`
	Node        string `yaml:"node"`
}

// Build renders the prompt for f. ocr maps screenshot ID to extracted text; missing
// or blank entries are skipped. Output depends only on the arguments.
func Build(f *report.Finding, ocr map[string]string, kind report.Kind) (Document, error) {
	system, err := SystemFor(kind)
	if err != nil {
		return Document{}, err
	}
	if kind == "" {
		kind = report.KindReport
	}

	shots := f.Ordered()
	doc := Document{
		System:        system,
		ImageRefs:     make([]string, 0, len(shots)),
		ScreenshotIDs: make([]string, 0, len(shots)),
	}

	fm, err := yaml.Marshal(frontMatter{
		Title:       f.Title,
		Kind:        string(kind),
		Screenshots: len(shots),
		Severity:    "TBD",
		Node:        "TBD",
	})
	if err != nil {
		return Document{}, fmt.Errorf("render front-matter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# %s\n\n", f.Title)

	b.WriteString("Required sections, in this order:\n")
	for i, s := range RequiredSections {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\n## Screenshots\n")

	noteLines := strings.Split(f.Notes, "\n")
	for i, s := range shots {
		name := report.ImageName(i, imagecodec.ExtensionFor(s.MimeType))
		doc.ImageRefs = append(doc.ImageRefs, name)
		doc.ScreenshotIDs = append(doc.ScreenshotIDs, s.ID)

		fmt.Fprintf(&b, "\n### Screenshot %d\n", i+1)
		mention := mentionRe(i + 1)
		for _, line := range noteLines {
			if mention.MatchString(line) {
				fmt.Fprintf(&b, "%s\n", strings.TrimSpace(line))
			}
		}
		if text := strings.TrimSpace(ocr[s.ID]); text != "" {
			fmt.Fprintf(&b, "OCR text of %s:\n```\n%s\n```\n", name, text)
		}
		fmt.Fprintf(&b, "![Screenshot %d](%s)\n", i+1, name)
	}
	if len(shots) == 0 {
		b.WriteString("\n(no screenshots)\n")
	}

	b.WriteString("\n## Stream of thoughts\n\n")
	b.WriteString(f.Notes)
	b.WriteString("\n")

	doc.User = b.String()
	return doc, nil
}

// mentionRe matches "screenshot 2", "Screenshot2" or "screenshot2.png" but not
// "screenshot21".
func mentionRe(n int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)\bscreenshot\s?%d\b`, n))
}
