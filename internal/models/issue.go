package models

import (
	"fmt"
	"time"
)

// Severity classifies a defect.
type Severity string

const (
	SeverityMinor    Severity = "MINOR"
	SeverityMajor    Severity = "MAJOR"
	SeverityCritical Severity = "CRITICAL" // blocking, may trigger rollback
)

// Rank orders severities: MINOR < MAJOR < CRITICAL. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityMajor:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity converts a string tag into a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityMinor, SeverityMajor, SeverityCritical:
		return Severity(s), nil
	default:
		return "", fmt.Errorf("unknown severity: %s", s)
	}
}

// Issue is a single defect surfaced by a review.
type Issue struct {
	Severity    Severity  `json:"level"`
	Description string    `json:"description"`
	FilePath    string    `json:"file_path,omitempty"`
	LineNumber  int       `json:"line_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IssueKey is the deduplication identity of an issue.
type IssueKey struct {
	Description string
	Severity    Severity
}

// Key returns the (description, severity) identity used for deduplication.
func (i Issue) Key() IssueKey {
	return IssueKey{Description: i.Description, Severity: i.Severity}
}

// IsBlocking reports whether the issue blocks phase advancement.
func (i Issue) IsBlocking() bool {
	return i.Severity == SeverityCritical
}

// FilterSeverity returns the issues with the given severity, preserving order.
func FilterSeverity(issues []Issue, sev Severity) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// SeverityCounts tallies issues per severity.
type SeverityCounts struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	Major    int `json:"major"`
	Minor    int `json:"minor"`
}

// CountSeverities tallies a list of issues.
func CountSeverities(issues []Issue) SeverityCounts {
	c := SeverityCounts{Total: len(issues)}
	for _, i := range issues {
		switch i.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityMajor:
			c.Major++
		case SeverityMinor:
			c.Minor++
		}
	}
	return c
}
