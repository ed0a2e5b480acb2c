package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

// forbiddenPatterns is a coarse defense-in-depth filter rejecting the
// obvious host-process, filesystem, and network escape vectors before a
// job ever reaches the queue. The container is the real boundary; this
// only keeps the cheap cases out of it.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bimport\s+os\b`),
	regexp.MustCompile(`(?i)\bsubprocess\b`),
	regexp.MustCompile(`(?i)\bos\.system\b`),
	regexp.MustCompile(`(?i)\bimport\s+socket\b`),
	regexp.MustCompile(`(?i)\burllib\b`),
	regexp.MustCompile(`(?i)\brequire\s*\(\s*['"]child_process['"]`),
	regexp.MustCompile(`(?i)\brequire\s*\(\s*['"]fs['"]`),
	regexp.MustCompile(`(?i)\brequire\s*\(\s*['"]net['"]`),
	regexp.MustCompile(`(?i)\bos/exec\b`),
	regexp.MustCompile(`(?i)\bnet\.Dial\b`),
	regexp.MustCompile(`(?i)\bProcessBuilder\b`),
	regexp.MustCompile(`(?i)\bRuntime\.getRuntime\b`),
	regexp.MustCompile(`(?i)\bsystem\s*\(`),
	regexp.MustCompile(`(?i)\bpopen\s*\(`),
	regexp.MustCompile(`(?i)\bfork\s*\(`),
}

// Validate rejects an execution request before it is enqueued.
func Validate(language, code string, maxBytes int, langs map[string]Language) error {
	if strings.TrimSpace(code) == "" {
		return common.E(common.KindValidation, "code must not be empty")
	}
	if len(code) > maxBytes {
		return common.E(common.KindValidation, fmt.Sprintf("code exceeds %d bytes", maxBytes))
	}
	if _, ok := langs[language]; !ok {
		return common.E(common.KindValidation, fmt.Sprintf("unsupported language %q", language))
	}
	for _, re := range forbiddenPatterns {
		if re.MatchString(code) {
			return common.E(common.KindValidation, "code contains a forbidden pattern")
		}
	}
	return nil
}
