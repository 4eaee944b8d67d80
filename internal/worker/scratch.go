package worker

import (
	"os"
	"path/filepath"
	"strings"
)

const maxScratchName = 64

func defaultWorkDir() string {
	return filepath.Join(os.TempDir(), "forge")
}

// scratchPath returns <root>/<sanitized domain>_<workerID>. The worker id
// keeps duplicate domains in one run apart.
func scratchPath(root, domain, workerID string) string {
	return filepath.Join(root, sanitizeDomain(domain)+"_"+workerID)
}

// sanitizeDomain makes domain safe as a single path element.
func sanitizeDomain(domain string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(domain))
	if len(s) > maxScratchName {
		s = s[:maxScratchName]
	}
	if strings.Trim(s, "_") == "" {
		return "domain"
	}
	return s
}
