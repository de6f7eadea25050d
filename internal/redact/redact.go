// Package redact implements the mandatory three-tier redaction
// pipeline applied to every event payload before it reaches the
// tenant store. It cannot be disabled by callers.
package redact

import (
	"regexp"
	"sort"
	"strconv"
)

// Rule is a single secret-detection pattern, modeled on the
// keyword-gated regexp rules used elsewhere in this codebase for
// payload scrubbing.
type Rule struct {
	ID string
	Pattern *regexp.Regexp
}

// defaultSecretRules is T1: obvious secrets by pattern (API keys,
// bearer tokens, passwords, private key blocks).
var defaultSecretRules = []Rule{
	{ID: "openai-key", Pattern: regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{ID: "anthropic-key", Pattern: regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{ID: "bearer-token", Pattern: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`)},
	{ID: "aws-access-key", Pattern: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{ID: "generic-secret-assign", Pattern: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[A-Za-z0-9._-]{8,}`)},
	{ID: "private-key-block", Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{ID: "jwt", Pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)},
}

const redactionString = "[REDACTED]"

// Config configures the pipeline. IdentifierPatterns is T2: extra
// caller-supplied regexes (internal hostnames, ticket ids, whatever a
// deployment wants scrubbed). MaxPayloadBytes is T3's truncation cap;
// zero disables truncation.
type Config struct {
	IdentifierPatterns []string
	MaxPayloadBytes int
}

// DefaultConfig returns sane defaults: no extra identifiers, an 8 KiB
// payload cap.
func DefaultConfig() Config {
	return Config{MaxPayloadBytes: 8 * 1024}
}

// Redactor applies T1-T3 to event payloads.
type Redactor struct {
	rules []Rule
	cfg Config
}

// New compiles Config.IdentifierPatterns into T2 rules and returns a
// ready-to-use Redactor.
func New(cfg Config) (*Redactor, error) {
	rules := make([]Rule, len(defaultSecretRules))
	copy(rules, defaultSecretRules)

	for i, pat := range cfg.IdentifierPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{ID: "identifier-" + strconv.Itoa(i), Pattern: re})
	}

	return &Redactor{rules: rules, cfg: cfg}, nil
}

type span struct{ start, end int }

// Redact applies T1 (secrets), T2 (identifiers) and T3 (size cap), in
// that order, and reports how many findings were redacted.
func (r *Redactor) Redact(payload string) (scrubbed string, findings int) {
	spans := make([]span, 0, 4)
	for _, rule := range r.rules {
		for _, m := range rule.Pattern.FindAllStringIndex(payload, -1) {
			spans = append(spans, span{m[0], m[1]})
		}
	}

	if len(spans) > 0 {
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		merged := spans[:1]
		for _, s := range spans[1:] {
			last := &merged[len(merged)-1]
			if s.start <= last.end {
				if s.end > last.end {
					last.end = s.end
				}
				continue
			}
			merged = append(merged, s)
		}

		out := make([]byte, 0, len(payload))
		cursor := 0
		for _, s := range merged {
			out = append(out, payload[cursor:s.start]...)
			out = append(out, redactionString...)
			cursor = s.end
		}
		out = append(out, payload[cursor:]...)
		payload = string(out)
		findings = len(merged)
	}

	if r.cfg.MaxPayloadBytes > 0 && len(payload) > r.cfg.MaxPayloadBytes {
		payload = payload[:r.cfg.MaxPayloadBytes] + "…[truncated]"
	}

	return payload, findings
}
