package snapshot

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	libinjection "github.com/corazawaf/libinjection-go"
)

// DefaultMaxLimit bounds the LIMIT of any agent-supplied query.
const DefaultMaxLimit = 100

var (
	forbiddenPattern    = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|TRUNCATE)\b`)
	selectStarPattern   = regexp.MustCompile(`(?i)(?:\bSELECT\s+(?:DISTINCT\s+|ALL\s+)?|,\s*)(?:[\w"\x60\[\]]+\s*\.\s*)?\*`)
	limitPattern        = regexp.MustCompile(`(?i)\bLIMIT\s+([^\s,)]+)(?:\s*(,|\bOFFSET\b)\s*([^\s,)]+))?`)
	trailingLimit       = regexp.MustCompile(`(?i)\bLIMIT\s+[^\s,)]+(?:\s*(?:,|\bOFFSET\b)\s*[^\s,)]+)?\s*$`)
	groupByPattern      = regexp.MustCompile(`(?i)\bGROUP\s+BY\b`)
	aggregatePattern    = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MIN|MAX|TOTAL|GROUP_CONCAT|STRING_AGG|MEDIAN)\s*\(`)
	wherePattern        = regexp.MustCompile(`(?i)\bWHERE\b`)
	modifyingCTEPattern = regexp.MustCompile(`(?i)\bAS\s*\(\s*(INSERT|UPDATE|DELETE)\b`)
)

// Policy is the pre-flight check applied to queries that came from an agent.
// Reference queries never go through it.
type Policy struct {
	MaxLimit int
}

func DefaultPolicy() Policy {
	return Policy{MaxLimit: DefaultMaxLimit}
}

// Check applies every textual rule and returns a human-readable rejection
// reason, or "" when the query is acceptable. Parsing in the target dialect
// is done by the Accessor, which owns the connection.
func (p Policy) Check(query string) string {
	maxLimit := p.MaxLimit
	if maxLimit <= 0 {
		maxLimit = DefaultMaxLimit
	}

	normalized := Normalize(query)
	if normalized == "" {
		return "empty query"
	}

	code, literals := splitLiterals(normalized)

	if strings.Contains(code, ";") {
		return "multiple SQL statements are not allowed"
	}

	upper := strings.ToUpper(strings.TrimSpace(code))
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return "only SELECT queries are allowed"
	}
	if modifyingCTEPattern.MatchString(code) {
		return "data-modifying CTEs are not allowed"
	}
	if m := forbiddenPattern.FindString(code); m != "" {
		return fmt.Sprintf("forbidden clause %s", strings.ToUpper(m))
	}
	if selectStarPattern.MatchString(code) {
		return "SELECT * is not allowed; name the columns you need"
	}

	if !trailingLimit.MatchString(code) {
		return fmt.Sprintf("a LIMIT clause is required at the end of the query (at most %d)", maxLimit)
	}
	for _, m := range limitPattern.FindAllStringSubmatch(code, -1) {
		count := m[1]
		if m[2] == "," {
			count = m[3]
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return fmt.Sprintf("LIMIT must be a numeric literal, got %q", count)
		}
		if n > maxLimit {
			return fmt.Sprintf("LIMIT %d exceeds the maximum of %d", n, maxLimit)
		}
	}

	if !HasAggregation(code) && !wherePattern.MatchString(code) {
		return "a WHERE clause is required for queries without aggregation"
	}

	for _, lit := range literals {
		if isSQLi, fingerprint := libinjection.IsSQLi(lit); isSQLi {
			return fmt.Sprintf("suspicious literal value rejected (fingerprint %s)", fingerprint)
		}
	}

	return ""
}

// HasAggregation reports whether the query groups or calls an aggregate.
func HasAggregation(query string) bool {
	return groupByPattern.MatchString(query) || aggregatePattern.MatchString(query)
}

// Normalize trims whitespace and a single trailing semicolon.
func Normalize(query string) string {
	query = strings.TrimSpace(query)
	if strings.HasSuffix(query, ";") {
		query = strings.TrimSuffix(query, ";")
		query = strings.TrimRight(query, " \t\n\r")
	}
	return query
}

// splitLiterals blanks out string literals and quoted identifiers and drops
// comments, returning the remaining code and the string literal contents.
// Rules are then matched against code only, so 'DELETE' in a value or a
// LIMIT inside a comment does not count.
func splitLiterals(query string) (string, []string) {
	var (
		code     strings.Builder
		literal  strings.Builder
		literals []string
		open     rune
		closer   rune
	)
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if open == 0 {
			switch {
			case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
				for i < len(runes) && runes[i] != '\n' {
					i++
				}
				code.WriteRune(' ')
				continue
			case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
				i += 2
				for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
					i++
				}
				i++
				code.WriteRune(' ')
				continue
			case r == '\'' || r == '"' || r == '`':
				open, closer = r, r
				literal.Reset()
			case r == '[':
				open, closer = r, ']'
				literal.Reset()
			}
			code.WriteRune(r)
			continue
		}
		if r == closer {
			if open == closer && i+1 < len(runes) && runes[i+1] == closer {
				literal.WriteRune(r)
				i++
				continue
			}
			if open == '\'' {
				literals = append(literals, literal.String())
			}
			open = 0
			code.WriteRune(r)
			continue
		}
		literal.WriteRune(r)
	}
	return code.String(), literals
}
