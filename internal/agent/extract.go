package agent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/food-agent/backend/internal/models"
)

// sqlPatterns are tried in order; the first one with any match wins.
var sqlPatterns = []*regexp.Regexp{
	// query = """SELECT ...""" (either triple quote)
	regexp.MustCompile(`(?is)\b(?:query|sql)\s*=\s*(?:"""(.+?)"""|'''(.+?)''')`),
	// query = "SELECT ..." on one line
	regexp.MustCompile(`(?i)\b(?:query|sql)\s*=\s*(?:"([^"\n]+)"|'([^'\n]+)')`),
	// execute_query("SELECT ...")
	regexp.MustCompile(`(?i)\b(?:execute_query|execute_sql|run_query|query_database|sql_query)\s*\(\s*(?:query\s*=\s*)?(?:"((?:[^"\\]|\\.)+)"|'((?:[^'\\]|\\.)+)')`),
	// anything that looks like SELECT ... FROM ...
	regexp.MustCompile(`(?is)\b(SELECT\b.+?\bFROM\b.+?)(?:;|\n\s*\n|$)`),
}

// ExtractSQL recovers the query an agent ran from free text. Within the
// winning pattern the last plain SELECT is preferred over a WITH query; if
// there is none, the last match is used.
func ExtractSQL(text string) string {
	for _, p := range sqlPatterns {
		matches := p.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}

		var candidates []string
		for _, m := range matches {
			for _, group := range m[1:] {
				if q := strings.TrimSpace(group); q != "" {
					candidates = append(candidates, q)
					break
				}
			}
		}
		if len(candidates) == 0 {
			continue
		}

		for i := len(candidates) - 1; i >= 0; i-- {
			if strings.HasPrefix(strings.ToUpper(candidates[i]), "SELECT") {
				return candidates[i]
			}
		}
		return candidates[len(candidates)-1]
	}
	return ""
}

var (
	stepLinePattern = regexp.MustCompile(`(?im)^\s*(?:step\s*(\d+)\s*[:.)-]?\s*)?\[?(database[-_ ]query|alternative[-_ ]query|web[-_ ]search|processing)\]?\s*[:\-]\s*(.*)$`)
	toolCallPattern = regexp.MustCompile(`(?im)^.*?\b(execute_query|execute_sql|run_query|web_search|search_web)\s*\((.*)\)\s*$`)
	failurePattern  = regexp.MustCompile(`(?i)\b(error|failed|échec|erreur|rejected)\b`)
)

// ExtractSteps recovers a step log from a transcript. Explicit step lines
// win; otherwise tool calls are used, the first database call being the
// primary query and later ones alternatives.
func ExtractSteps(text string) []models.Step {
	if steps := explicitSteps(text); len(steps) > 0 {
		return steps
	}

	var steps []models.Step
	dbCalls := 0
	for _, m := range toolCallPattern.FindAllStringSubmatch(text, -1) {
		tool := strings.ToLower(m[1])
		arg := strings.Trim(strings.TrimSpace(m[2]), `"'`)
		step := models.Step{
			Ordinal:     len(steps) + 1,
			Description: tool,
			Query:       arg,
			Success:     !failurePattern.MatchString(m[0]),
		}
		switch tool {
		case "web_search", "search_web":
			step.Action = models.ActionWebSearch
		default:
			step.Action = models.ActionDatabaseQuery
			if dbCalls > 0 {
				step.Action = models.ActionAlternativeQuery
			}
			dbCalls++
		}
		steps = append(steps, step)
	}
	return steps
}

func explicitSteps(text string) []models.Step {
	var steps []models.Step
	for _, m := range stepLinePattern.FindAllStringSubmatch(text, -1) {
		ordinal := len(steps) + 1
		if n, err := strconv.Atoi(m[1]); err == nil {
			ordinal = n
		}
		detail := strings.TrimSpace(m[3])
		steps = append(steps, models.Step{
			Ordinal:     ordinal,
			Action:      ParseAction(m[2]),
			Description: detail,
			Query:       ExtractSQL(detail),
			Success:     !failurePattern.MatchString(detail),
		})
	}
	return steps
}

// ParseAction maps a free-text category onto the closed set.
func ParseAction(s string) models.ActionKind {
	normalized := strings.NewReplacer("_", "-", " ", "-").Replace(strings.ToLower(strings.TrimSpace(s)))
	switch normalized {
	case "database-query":
		return models.ActionDatabaseQuery
	case "alternative-query":
		return models.ActionAlternativeQuery
	case "web-search":
		return models.ActionWebSearch
	default:
		return models.ActionProcessing
	}
}
