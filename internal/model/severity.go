package model

import (
	"fmt"
	"strings"
)

// Severity is totally ordered: none < info < low < medium < high < critical
type Severity int

const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "info", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityNone || s > SeverityCritical {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

func (s Severity) IsValid() bool {
	return s >= SeverityNone && s <= SeverityCritical
}

// ParseSeverity is case insensitive, empty string maps to SeverityNone
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return SeverityNone, nil
	}
	for idx, name := range severityNames {
		if name == s {
			return Severity(idx), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxSeverity returns the greater of a and b
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}
