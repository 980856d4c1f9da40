package middleware

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Input validation and sanitization utilities

var (
	projectIDRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	// uuid (with or without dashes) as issued for findings and records
	resourceIDRe = regexp.MustCompile(`^[a-fA-F0-9]{8}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{4}-?[a-fA-F0-9]{12}$`)
)

// MaxTextLength caps free-text fields such as titles, notes and instructions.
const MaxTextLength = 64 << 10

// ValidateProjectID validates project ID format
func ValidateProjectID(project string) error {
	if project == "" {
		return fmt.Errorf("project ID cannot be empty")
	}
	if !projectIDRe.MatchString(project) {
		return fmt.Errorf("invalid project ID format (alphanumeric, dash, underscore only, max 64 chars)")
	}
	return nil
}

// ValidateResourceID checks finding, screenshot and record IDs.
func ValidateResourceID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s ID cannot be empty", kind)
	}
	if !resourceIDRe.MatchString(id) {
		return fmt.Errorf("invalid %s ID format", kind)
	}
	return nil
}

// ValidateText rejects oversized or non UTF-8 input. Empty is allowed unless required.
func ValidateText(field, value string, required bool) error {
	if required && strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(value) > MaxTextLength {
		return fmt.Errorf("%s exceeds %d bytes", field, MaxTextLength)
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%s must be valid UTF-8", field)
	}
	return nil
}

// ValidateKind accepts the drafting templates.
func ValidateKind(kind string) error {
	switch kind {
	case "", "report", "killchain":
		return nil
	}
	return fmt.Errorf("invalid kind: %s (allowed: report, killchain)", kind)
}

// SanitizeString removes dangerous characters from strings
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' || r == '\n' {
			result.WriteRune(r)
		}
	}
	return strings.TrimSpace(result.String())
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ValidatePage defaults page numbers to 1.
func ValidatePage(page int) int {
	if page <= 0 {
		return 1
	}
	return page
}
