// Package redact scrubs credential-shaped strings from text before it
// is persisted to audit logs or snapshots. Detection uses the
// Gitleaks rule set (800+ patterns).
package redact

import (
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Scrubber replaces detected secrets with redaction markers. Safe for
// concurrent use.
type Scrubber struct {
	detector *detect.Detector
}

// NewScrubber builds a scrubber with the default Gitleaks config.
// Construction compiles the full rule set, so callers should build
// one scrubber and share it.
func NewScrubber() (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build secret detector: %w", err)
	}
	return &Scrubber{detector: detector}, nil
}

// Scrub returns content with every detected secret replaced by a
// [REDACTED:rule-id] marker. Content without findings is returned
// unchanged.
func (s *Scrubber) Scrub(content string) string {
	findings := s.detector.DetectString(content)
	if len(findings) == 0 {
		return content
	}
	for _, finding := range findings {
		if finding.Secret == "" {
			continue
		}
		marker := "[REDACTED:" + finding.RuleID + "]"
		content = strings.ReplaceAll(content, finding.Secret, marker)
	}
	return content
}
