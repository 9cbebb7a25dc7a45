package orchestrator

import (
	"regexp"
	"strings"
)

// signaturePatterns are tried in order against each line, last line first.
var signaturePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(error:\s*\S.*)`),
	regexp.MustCompile(`(?i)\b(fatal:\s*\S.*)`),
	regexp.MustCompile(`(?i)(npm err!\s*\S.*)`),
	regexp.MustCompile(`\b(FAIL\s+\S.*)`),
	regexp.MustCompile(`(\w*Error:\s*\S.*)`),
}

// actionsTimestamp matches the timestamp GitHub Actions prefixes to every log line.
var actionsTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z\s?`)

// ExtractSignature picks the line fragment most likely to name the failure. It walks
// the log backwards and returns the first pattern capture; without one it falls back
// to the trailing fallbackChars of the log.
func ExtractSignature(lines []string, fallbackChars int) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := stripLogPrefix(lines[i])
		for _, pattern := range signaturePatterns {
			if m := pattern.FindStringSubmatch(line); m != nil {
				if sig := strings.TrimSpace(m[1]); sig != "" {
					return sig
				}
			}
		}
	}

	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	return strings.TrimSpace(tailText(joined, fallbackChars))
}

// contextWindow returns the lines around the first line containing signature, or
// the trailing lines of the log when the signature is not found verbatim.
func contextWindow(lines []string, signature string, radius, trailing int) []string {
	if signature != "" {
		for i, line := range lines {
			if !strings.Contains(line, signature) {
				continue
			}
			start := max(0, i-radius)
			end := min(len(lines), i+radius+1)
			return lines[start:end]
		}
	}
	if trailing <= 0 || len(lines) <= trailing {
		return lines
	}
	return lines[len(lines)-trailing:]
}

func stripLogPrefix(line string) string {
	return actionsTimestamp.ReplaceAllString(line, "")
}
