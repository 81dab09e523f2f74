package executor

import "regexp"

// blockPatterns is a minimal defense-in-depth filter checked immediately
// before execution, independent of any server-side screening. It fails
// closed: a match is never executed. This is a last line of defense, not
// the primary control.
var blockPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{
		// Classic fork bomb and renamed variants of the :(){ :|:& };: form
		re:     regexp.MustCompile(`(\S+)\s*\(\s*\)\s*\{[^}]*\|[^}]*&[^}]*\}\s*;`),
		reason: "fork bomb",
	},
	{
		re:     regexp.MustCompile(`(?i)\brm\s+(-[a-z]*\s+)*-[a-z]*r[a-z]*\s+(-[a-z]*\s+)*/\s*(\*)?\s*$`),
		reason: "recursive delete of filesystem root",
	},
	{
		re:     regexp.MustCompile(`(?i)\brm\b.*--no-preserve-root`),
		reason: "recursive delete of filesystem root",
	},
	{
		re:     regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b.*\s/dev/`),
		reason: "filesystem format on block device",
	},
	{
		re:     regexp.MustCompile(`(?i)\bdd\b.*\bof=/dev/(sd[a-z]|hd[a-z]|nvme\d+n\d+|disk\d+)`),
		reason: "raw write to block device",
	},
}

// blockReason returns the match reason when the command trips the local
// safety filter.
func blockReason(line string) (string, bool) {
	for _, p := range blockPatterns {
		if p.re.MatchString(line) {
			return p.reason, true
		}
	}
	return "", false
}
