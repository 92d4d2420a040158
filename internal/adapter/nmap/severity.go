package nmap

import (
	"regexp"
	"strings"

	"github.com/honeyscan/honeyscan/internal/model"
)

type keywords struct {
	severity model.Severity
	patterns []*regexp.Regexp
}

func compile(severity model.Severity, exprs ...string) keywords {
	ret := keywords{severity: severity, patterns: make([]*regexp.Regexp, len(exprs))}
	for i, e := range exprs {
		ret.patterns[i] = regexp.MustCompile(`(?i)` + e)
	}
	return ret
}

// checked from the most severe down, first match wins
var severityKeywords = []keywords{
	compile(model.SeverityCritical,
		`\bcve-\d{4}-\d{4,7}\b.{0,32}\b(9\.\d|10\.0|critical|exploit|remote code execution|rce|unauthenticated)\b`,
		`\bexploit\b`,
		`\bremote code execution\b`,
		`\bprivilege escalation\b`,
		`\boutdated\b.{0,32}\bexploit\b`,
	),
	compile(model.SeverityHigh,
		`\bcve-\d{4}-\d{4,7}\b`,
		`\banonymous\b`,
		`\bbackdoor\b`,
		`\bdefault credentials\b`,
		`\bunauthenticated\b`,
		`\bdeserialization\b`,
		`\bunsafe\b`,
		`\boutdated\b`,
		`\bpassword reuse\b`,
	),
	compile(model.SeverityMedium,
		`\bvulnerab(le|ility|ilities)\b`,
		`\binsecure\b`,
		`\bopen\b`,
		`\bdeprecated\b`,
		`\bmisconfiguration\b`,
	),
	compile(model.SeverityLow,
		`\bfiltered\b`,
		`\bopen\|filtered\b`,
		`\bno-response\b`,
		`\btimeout\b`,
		`\binfo\b`,
		`\bpotential\b`,
		`\bwaf\b`,
		`\bfirewall\b`,
	),
}

// Observation is the text of a single port observation
type Observation struct {
	State        string
	Reason       string
	ScriptOutput string
	Description  string
}

// ClassifySeverity assigns a severity from keywords found in the observation.
// Filtered ports are low, open ports without any keyword medium, anything
// else info.
func ClassifySeverity(o Observation) model.Severity {
	state := strings.ToLower(strings.TrimSpace(o.State))
	if state == "filtered" || state == "open|filtered" {
		return model.SeverityLow
	}

	var parts []string
	for _, s := range []string{o.ScriptOutput, o.Description, o.Reason, o.State} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return model.SeverityInfo
	}
	text := strings.Join(parts, " ")

	for _, kw := range severityKeywords {
		for _, re := range kw.patterns {
			if re.MatchString(text) {
				return kw.severity
			}
		}
	}

	if state == "open" {
		return model.SeverityMedium
	}
	return model.SeverityInfo
}

var cveRe = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)

// References returns CVE identifiers found in text, upper-cased and deduplicated
func References(text string) []string {
	var ret []string
	seen := make(map[string]struct{})
	for _, m := range cveRe.FindAllString(text, -1) {
		m = strings.ToUpper(m)
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		ret = append(ret, m)
	}
	return ret
}
