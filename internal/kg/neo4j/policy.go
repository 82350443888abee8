package neo4j

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	writeClausePattern = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|FOREACH|LOAD\s+CSV)\b`)
	adminCallPattern   = regexp.MustCompile(`(?i)\bCALL\s+(dbms|apoc\.(create|merge|refactor|periodic|load))\.`)
	cypherLimitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+([^\s,)]+)`)
	cypherTrailLimit   = regexp.MustCompile(`(?i)\bLIMIT\s+\S+\s*$`)
	unionPattern       = regexp.MustCompile(`(?i)\bUNION(\s+ALL)?\b`)
	readStartPattern   = regexp.MustCompile(`(?i)^(OPTIONAL\s+MATCH|MATCH|WITH|UNWIND|RETURN|CALL\s+db\.)`)
)

// CheckCypher is the graph counterpart of the snapshot query policy: read
// clauses only and a bounded LIMIT. It returns "" when the query is acceptable.
func CheckCypher(query string, maxLimit int) string {
	query = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(query), ";"))
	if query == "" {
		return "empty query"
	}

	code := strings.TrimSpace(stripCypher(query))
	if code == "" {
		return "empty query"
	}
	if strings.Contains(code, ";") {
		return "multiple statements are not allowed"
	}
	if !readStartPattern.MatchString(code) {
		return "only read queries (MATCH, WITH, UNWIND, RETURN) are allowed"
	}
	if m := writeClausePattern.FindString(code); m != "" {
		return fmt.Sprintf("forbidden clause %s", strings.ToUpper(m))
	}
	if adminCallPattern.MatchString(code) {
		return "procedure calls that modify the graph are not allowed"
	}

	for _, part := range unionPattern.Split(code, -1) {
		if !cypherTrailLimit.MatchString(part) {
			return fmt.Sprintf("a LIMIT clause is required at the end of every RETURN (at most %d)", maxLimit)
		}
	}
	for _, m := range cypherLimitPattern.FindAllStringSubmatch(code, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Sprintf("LIMIT must be a numeric literal, got %q", m[1])
		}
		if n > maxLimit {
			return fmt.Sprintf("LIMIT %d exceeds the maximum of %d", n, maxLimit)
		}
	}
	return ""
}

// stripCypher blanks string literals and escaped identifiers and drops
// comments, leaving only the clauses the policy inspects.
func stripCypher(query string) string {
	var out strings.Builder
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '/' && i+1 < len(runes) && runes[i+1] == '/':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			out.WriteRune(' ')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i < len(runes) && !(runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/') {
				i++
			}
			i++
			out.WriteRune(' ')
		case r == '\'' || r == '"' || r == '`':
			i++
			for i < len(runes) {
				if runes[i] == '\\' && r != '`' {
					i += 2
					continue
				}
				if runes[i] == r {
					if r == '`' && i+1 < len(runes) && runes[i+1] == '`' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			out.WriteRune(r)
			out.WriteRune(r)
		default:
			out.WriteRune(r)
		}
	}
	return out.String()
}
