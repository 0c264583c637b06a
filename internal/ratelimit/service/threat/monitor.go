// Package threat matches request surfaces against attack signature classes.
// Inspection is pure; recording violations is left to the caller.
package threat

import (
	"fmt"
	"regexp"
	"slices"

	"quotaguard/internal/ratelimit/models"
	dErrors "quotaguard/pkg/domain-errors"
)

// Surface is the serialized part of a request that is inspected.
type Surface struct {
	Paths   []string // decoded and escaped forms
	Query   []string // raw and decoded forms
	Headers []string // values, credentials excluded
	Body    []byte
}

type signature struct {
	kind    models.ThreatKind
	pattern *regexp.Regexp
}

var defaultSignatures = []struct {
	kind    models.ThreatKind
	pattern string
}{
	// ' OR 1=1, " and 'a'='a
	{models.ThreatSQLInjection, `(?i)('|%27|")\s*(or|and)\s+[\w'"]+\s*=\s*[\w'"]+`},
	{models.ThreatSQLInjection, `(?i)\bunion\b(\s|/\*.*?\*/)+(all\s+)?select\b`},
	{models.ThreatSQLInjection, `(?i);\s*(drop|truncate|alter)\s+(table|database)\b`},
	{models.ThreatSQLInjection, `(?i)\b(pg_sleep|sleep|benchmark|waitfor\s+delay)\s*[( ]\s*['\d]`},

	{models.ThreatXSS, `(?i)<\s*script\b`},
	{models.ThreatXSS, `(?i)<\s*(iframe|object|embed|svg)\b`},
	{models.ThreatXSS, `(?i)javascript\s*:`},
	{models.ThreatXSS, `(?i)\bon(error|load|click|mouseover|focus)\s*=`},

	{models.ThreatPathTraversal, `\.\.[/\\]|[/\\]\.\.$`},
	{models.ThreatPathTraversal, `(?i)(%2e|\.){2}(%2f|%5c)`},
	{models.ThreatPathTraversal, `(?i)/etc/(passwd|shadow)\b|\bc:\\windows\\`},

	{models.ThreatCommandInjection, `(?i)(;|\|\|?|&&)\s*(cat|ls|rm|wget|curl|nc|bash|sh|whoami|uname|id)\b`},
	{models.ThreatCommandInjection, `\$\([^)]*\)`},
	{models.ThreatCommandInjection, "`[^`]+`"},
}

// Monitor holds compiled signatures. It is safe for concurrent use.
type Monitor struct {
	signatures []signature
}

// New compiles the built-in signatures plus extra patterns per class.
func New(extra map[models.ThreatKind][]string) (*Monitor, error) {
	m := &Monitor{signatures: make([]signature, 0, len(defaultSignatures))}
	for _, d := range defaultSignatures {
		m.signatures = append(m.signatures, signature{kind: d.kind, pattern: regexp.MustCompile(d.pattern)})
	}

	kinds := make([]models.ThreatKind, 0, len(extra))
	for kind := range extra {
		kinds = append(kinds, kind)
	}
	slices.Sort(kinds)
	for _, kind := range kinds {
		for _, expr := range extra[kind] {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeValidation, fmt.Sprintf("invalid %s pattern", kind))
			}
			m.signatures = append(m.signatures, signature{kind: kind, pattern: re})
		}
	}
	return m, nil
}

// Inspect returns the sorted set of classes matched anywhere in s.
func (m *Monitor) Inspect(s Surface) []models.ThreatKind {
	fields := make([]string, 0, len(s.Paths)+len(s.Query)+len(s.Headers))
	fields = append(fields, s.Paths...)
	fields = append(fields, s.Query...)
	fields = append(fields, s.Headers...)

	var found []models.ThreatKind
	for _, sig := range m.signatures {
		if slices.Contains(found, sig.kind) {
			continue
		}
		if matchAny(sig.pattern, fields) || (len(s.Body) > 0 && sig.pattern.Match(s.Body)) {
			found = append(found, sig.kind)
		}
	}
	slices.Sort(found)
	return found
}

func matchAny(re *regexp.Regexp, fields []string) bool {
	for _, f := range fields {
		if f != "" && re.MatchString(f) {
			return true
		}
	}
	return false
}
