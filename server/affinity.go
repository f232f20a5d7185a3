package server

import (
	"regexp"
	"strings"
)

// affinityPrefixLimit bounds how much SQL the detector inspects; statements
// needing stickiness declare themselves in the first clause.
const affinityPrefixLimit = 200

// Statements matched here must keep executing on the same physical
// connection: temp tables, session variables and server-side prepares all
// bind state to the connection that ran them. SQL Server local temp tables
// use a single leading '#'; global '##' tables are visible cross-connection
// and deliberately not matched.
var affinityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^\s*create\s+(global\s+|local\s+)?temp(orary)?\s+table\b`),
	regexp.MustCompile(`(?i)^\s*declare\s+(global|local)\s+temporary\s+table\b`),
	regexp.MustCompile(`(?i)^\s*create\s+table\s+#[^#]`),
	regexp.MustCompile(`(?i)^\s*set\s+@`),
	regexp.MustCompile(`(?i)^\s*set\s+session\b`),
	regexp.MustCompile(`(?i)^\s*set\s+local\b`),
	regexp.MustCompile(`(?i)^\s*prepare\b`),
}

// RequiresAffinity reports whether a statement pins its session to one
// physical connection. The result is advisory: clients use it to keep
// subsequent work on the same session.
func RequiresAffinity(sql string) bool {
	prefix := strings.TrimSpace(sql)
	if len(prefix) > affinityPrefixLimit {
		prefix = prefix[:affinityPrefixLimit]
	}
	for _, pattern := range affinityPatterns {
		if pattern.MatchString(prefix) {
			return true
		}
	}
	return false
}
