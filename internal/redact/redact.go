// Package redact strips secrets from conversation transcripts before
// they are sent to classification or embedding providers. Detection is
// backed by the Gitleaks SDK; matches are replaced with
// [REDACTED:rule-id:preview] markers so the surrounding text keeps
// enough context for the LLM.
package redact

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
	"go.uber.org/zap"
)

var (
	// ErrInvalidRegex indicates a regex pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates a TOML file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Finding represents a detected secret with location information.
type Finding struct {
	RuleID   string // Gitleaks rule ID (e.g., "github-pat")
	RuleDesc string // Human-readable description
	Line     int    // Line number where the secret was found
	StartCol int    // Start column (0-indexed)
	EndCol   int    // End column (0-indexed)
	Match    string // The actual secret value
}

// Result contains scrubbed content and audit information.
type Result struct {
	Content string   // Scrubbed content with markers
	Audit   AuditLog // Audit trail of redactions
}

// Config configures the scrubber.
type Config struct {
	// Enabled toggles scrubbing. When false, Scrub passes content
	// through untouched.
	Enabled bool

	// AllowlistPath is the full path to a TOML allowlist file.
	// Empty string skips allowlist loading; a missing file is ignored.
	AllowlistPath string
}

// Scrubber detects and redacts secrets from transcripts. The Gitleaks
// detector compiles 800+ regex rules, so it is built once at startup
// and reused for every conversation.
type Scrubber struct {
	config   Config
	detector *detect.Detector
	logger   *zap.Logger
}

// NewScrubber creates a scrubber with the default Gitleaks ruleset,
// extended by the allowlist at cfg.AllowlistPath when present.
func NewScrubber(cfg Config, logger *zap.Logger) (*Scrubber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scrubber{config: cfg, logger: logger}
	if !cfg.Enabled {
		return s, nil
	}

	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}

	allowlist, err := LoadAllowlist(cfg.AllowlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}

	s.detector = detector
	return s, nil
}

// Scrub detects and redacts secrets from content. Passes content
// through unchanged when scrubbing is disabled.
func (s *Scrubber) Scrub(content string) (Result, error) {
	startTime := time.Now()

	if !s.config.Enabled || s.detector == nil {
		return Result{Content: content, Audit: buildAuditLog(nil, time.Since(startTime))}, nil
	}

	findings := s.detect(content)
	audit := buildAuditLog(findings, time.Since(startTime))

	if len(findings) == 0 {
		return Result{Content: content, Audit: audit}, nil
	}

	s.logger.Debug("redacted secrets from transcript",
		zap.Int("count", len(findings)),
		zap.Int("unique_rules", audit.Summary.UniqueRules))

	return Result{Content: replaceFindings(content, findings), Audit: audit}, nil
}

func (s *Scrubber) detect(content string) []Finding {
	gitleaksFindings := s.detector.DetectString(content)

	result := make([]Finding, 0, len(gitleaksFindings))
	for _, f := range gitleaksFindings {
		result = append(result, Finding{
			RuleID:   f.RuleID,
			RuleDesc: f.Description,
			Line:     f.StartLine,
			StartCol: f.StartColumn,
			EndCol:   f.EndColumn,
			Match:    f.Secret,
		})
	}
	return result
}

// applyAllowlist merges allowlist patterns into the Gitleaks config.
// Patterns are pre-validated in LoadAllowlist, so compilation here
// cannot fail.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "FeedForward user allowlist",
	}

	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			panic("BUG: pre-validated regex pattern failed to compile: " + pattern + ": " + err.Error())
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}

	global.StopWords = append(global.StopWords, allowlist.StopWords...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}

// replaceFindings replaces secrets with redaction markers. Findings are
// applied in reverse document order so earlier indices stay valid.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")

	for _, finding := range sorted {
		if finding.Line < 1 || finding.Line > len(lines) {
			continue
		}

		line := lines[finding.Line-1]

		preview := extractPreview(finding.Match, 4)
		marker := fmt.Sprintf("[REDACTED:%s:%s]", finding.RuleID, preview)

		if finding.StartCol >= 0 && finding.EndCol <= len(line) {
			lines[finding.Line-1] = line[:finding.StartCol] + marker + line[finding.EndCol:]
		}
	}

	return strings.Join(lines, "\n")
}

// extractPreview returns the first n characters of a string.
func extractPreview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func buildAuditLog(findings []Finding, processingTime time.Duration) AuditLog {
	redactions := make([]Redaction, 0, len(findings))
	ruleCounts := make(map[string]int)

	for _, f := range findings {
		redactions = append(redactions, Redaction{
			RuleID:      f.RuleID,
			RuleDesc:    f.RuleDesc,
			LineNumber:  f.Line,
			Column:      f.StartCol,
			OriginalLen: len(f.Match),
			Preview:     extractPreview(f.Match, 4),
		})
		ruleCounts[f.RuleID]++
	}

	return AuditLog{
		Timestamp:  time.Now(),
		Redactions: redactions,
		Summary: Summary{
			TotalSecrets:     len(findings),
			UniqueRules:      len(ruleCounts),
			RuleCounts:       ruleCounts,
			ProcessingTimeMs: processingTime.Milliseconds(),
		},
	}
}
