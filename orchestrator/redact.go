package orchestrator

import "regexp"

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// secretRedactions scrub credentials from log text before it leaves the process.
var secretRedactions = []redaction{
	{regexp.MustCompile(`(?i)("[\w.-]*(?:key|token|secret|password|passwd|pwd|credential)[\w.-]*"\s*:\s*)"[^"]*"`), `${1}"[REDACTED]"`},
	{regexp.MustCompile(`(?i)\b([\w.-]*(?:key|token|secret|password|passwd|pwd|credential)[\w.-]*)\s*=\s*(?:"[^"]*"|'[^']*'|[^\s&;,]+)`), `${1}=[REDACTED]`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]+`), `Bearer [REDACTED]`},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`), `[REDACTED]`},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`), `[REDACTED]`},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`), `[REDACTED]`},
	{regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`), `[REDACTED]`},
	{regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`), `[REDACTED]`},
	{regexp.MustCompile(`(?i)(://[^/\s:@]+:)[^@\s/]+@`), `${1}[REDACTED]@`},
}

// RedactSecrets replaces credential-looking substrings with a placeholder.
func RedactSecrets(text string) string {
	for _, r := range secretRedactions {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}
