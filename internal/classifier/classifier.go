// Package classifier maps a raw SQL statement to its QueryClass using cheap
// prefix and regex rules. It never parses SQL beyond the lightweight keyword
// and relation-name extraction this component is scoped to; anything it
// cannot confidently classify is reported as unknown and routed primary by
// the caller, which is the conservative default the rest of the system
// relies on.
package classifier

import (
	"regexp"
	"strings"
)

// Kind is the statement category produced by Classify.
type Kind string

const (
	KindRead    Kind = "read"
	KindWrite   Kind = "write"
	KindDDL     Kind = "ddl"
	KindTxCtrl  Kind = "tx-control"
	KindUnknown Kind = "unknown"
)

// QueryClass is the result of classifying one statement.
type QueryClass struct {
	Kind      Kind
	Relations []string
}

var readKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "DESCRIBE": true, "EXPLAIN": true,
}

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "TRUNCATE": true, "COPY": true,
}

var ddlKeywords = map[string]bool{
	"CREATE": true, "DROP": true, "ALTER": true, "GRANT": true, "REVOKE": true,
	"REINDEX": true, "COMMENT": true, "VACUUM": true, "ANALYZE": true,
}

var txKeywords = map[string]bool{
	"BEGIN": true, "COMMIT": true, "ROLLBACK": true, "SAVEPOINT": true, "RELEASE": true,
}

// relationPattern matches a relation token immediately following FROM or
// JOIN, optionally schema-qualified and optionally quoted. It deliberately
// does not attempt to handle every edge case (CTE aliases, dollar-quoted
// strings); the classifier's contract is approximate by design.
var relationPattern = regexp.MustCompile(`(?i)\b(?:FROM|JOIN)\s+"?([a-zA-Z_][a-zA-Z0-9_]*(?:\."?[a-zA-Z_][a-zA-Z0-9_]*"?)?)"?`)

// writeTargetPattern matches the relation a write statement targets, so
// INSERT/UPDATE/MERGE/TRUNCATE/COPY feed the recent-write tracking even
// though they carry no FROM clause. Over-matching (e.g. the token after a
// DO UPDATE) only sends extra reads to primary, which is the safe direction.
var writeTargetPattern = regexp.MustCompile(`(?i)\b(?:INSERT\s+INTO|MERGE\s+INTO|UPDATE|TRUNCATE(?:\s+TABLE)?|COPY)\s+"?([a-zA-Z_][a-zA-Z0-9_]*(?:\."?[a-zA-Z_][a-zA-Z0-9_]*"?)?)"?`)

var leadingCommentPattern = regexp.MustCompile(`^(\s*(--[^\n]*\n|/\*.*?\*/\s*))*`)

// Classify computes the QueryClass of a raw SQL statement. It is stateless
// and safe for concurrent use.
func Classify(statement string) QueryClass {
	return QueryClass{
		Kind:      classifyKind(statement),
		Relations: extractRelations(statement),
	}
}

func classifyKind(statement string) Kind {
	s := stripLeadingNoise(statement)
	word := firstWord(s)
	switch {
	case readKeywords[word]:
		return KindRead
	case writeKeywords[word]:
		return KindWrite
	case ddlKeywords[word]:
		return KindDDL
	case txKeywords[word]:
		return KindTxCtrl
	default:
		return KindUnknown
	}
}

func stripLeadingNoise(statement string) string {
	s := leadingCommentPattern.ReplaceAllString(statement, "")
	return strings.TrimSpace(s)
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	})
	if end == -1 {
		end = len(s)
	}
	return strings.ToUpper(s[:end])
}

func extractRelations(statement string) []string {
	matches := relationPattern.FindAllStringSubmatch(statement, -1)
	matches = append(matches, writeTargetPattern.FindAllStringSubmatch(statement, -1)...)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel := strings.ToLower(strings.ReplaceAll(m[1], `"`, ""))
		if rel == "" || seen[rel] {
			continue
		}
		seen[rel] = true
		out = append(out, rel)
	}
	return out
}

// Normalize replaces literal parameter markers, quoted strings, and integer
// literals with a single placeholder so that query-shape patterns can be
// aggregated across differing literal values.
var (
	paramMarkerPattern    = regexp.MustCompile(`\$[0-9]+`)
	quotedStringPattern   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	integerLiteralPattern = regexp.MustCompile(`\b[0-9]+\b`)
)

func Normalize(statement string) string {
	s := paramMarkerPattern.ReplaceAllString(statement, "?")
	s = quotedStringPattern.ReplaceAllString(s, "?")
	s = integerLiteralPattern.ReplaceAllString(s, "?")
	return strings.Join(strings.Fields(s), " ")
}

// IsReadOnly reports whether kind is safe for replica routing consideration.
// Everything except KindRead is conservatively treated as requiring primary.
func (k Kind) IsReadOnly() bool {
	return k == KindRead
}
