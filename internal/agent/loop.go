package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/pkg/logger"
)

const (
	maxObservationRows = 15
	maxObservationLen  = 2000
	webResults         = 3
)

// action is one JSON reply from the model.
type action struct {
	Action string `json:"action"`
	Query  string `json:"query"`
	Reason string `json:"reason"`
	Answer string `json:"answer"`
	Source string `json:"source"`
	SQL    string `json:"sql"`
}

// tool executes one action kind and returns the observation fed back to the model.
type tool struct {
	name   string
	source string
	web    bool
	run    func(ctx context.Context, query string) (observation string, ok bool)
}

// loop is the shared question-answering loop: the model picks a tool,
// sees the observation, and eventually answers.
type loop struct {
	name          string
	completer     llm.Completer
	maxIterations int
	tools         map[string]tool
}

func (l *loop) run(ctx context.Context, system, question string, c Context) (*Output, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: question}}
	out := &Output{}
	var transcript strings.Builder
	dbQueries := 0
	lastSource := ""

	for i := 0; i < l.maxIterations; i++ {
		resp, err := l.completer.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: system,
			Messages:     messages,
		})
		if err != nil {
			return nil, err
		}
		metrics.LLMTokensUsed.WithLabelValues(l.completer.Model(), "prompt").Add(float64(resp.Usage.PromptTokens))
		metrics.LLMTokensUsed.WithLabelValues(l.completer.Model(), "completion").Add(float64(resp.Usage.CompletionTokens))

		fmt.Fprintf(&transcript, "assistant: %s\n", resp.Content)
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		act, ok := parseAction(resp.Content)
		if !ok {
			// Plain prose is taken as the final answer.
			out.Answer = strings.TrimSpace(resp.Content)
			out.Steps = append(out.Steps, models.Step{Action: models.ActionProcessing, Description: "free-text answer", Success: true})
			break
		}

		if act.Action == "answer" {
			out.Answer = strings.TrimSpace(act.Answer)
			out.Source = act.Source
			if out.Source == "" {
				out.Source = lastSource
			}
			out.SQL = strings.TrimSpace(act.SQL)
			break
		}

		t, known := l.tools[act.Action]
		if !known || strings.TrimSpace(act.Query) == "" {
			observation := fmt.Sprintf("Unknown action %q or empty query. Reply with one JSON object using one of the documented actions.", act.Action)
			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
			continue
		}

		observation, success := t.run(ctx, act.Query)
		step := models.Step{
			Description: act.Reason,
			Query:       act.Query,
			Success:     success,
			Result:      truncate(observation, 300),
		}
		switch {
		case t.web:
			step.Action = models.ActionWebSearch
			metrics.WebSearchTriggered.Inc()
		case dbQueries == 0:
			step.Action = models.ActionDatabaseQuery
			dbQueries++
		default:
			step.Action = models.ActionAlternativeQuery
			dbQueries++
		}
		if success {
			lastSource = t.source
		}
		out.Steps = append(out.Steps, step)

		fmt.Fprintf(&transcript, "%s: %s\nobservation: %s\n", step.Action, act.Query, truncate(observation, 500))
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: "Observation: " + observation})
	}

	if out.Answer == "" {
		logger.Info("Agent gave no answer within its iteration budget",
			zap.String("agent", l.name),
			zap.Int("iterations", l.maxIterations),
		)
		out.Answer = c.Directives.Refusal
		if out.Answer == "" {
			out.Answer = Refusal(c.Lang)
		}
	}

	out.Transcript = transcript.String()
	return out, nil
}

// parseAction pulls the first JSON object out of the model reply.
func parseAction(content string) (action, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return action{}, false
	}

	var act action
	if err := json.Unmarshal([]byte(content[start:end+1]), &act); err != nil {
		return action{}, false
	}
	act.Action = strings.ToLower(strings.TrimSpace(act.Action))
	return act, act.Action != ""
}

// describeResult renders a query result as an observation for the model.
func describeResult(r models.QueryResult) (string, bool) {
	if !r.Success {
		return "Query failed: " + r.Error, false
	}
	if len(r.Rows) == 0 {
		return "Query succeeded and returned no rows.", true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query returned %d rows.\n%s\n", len(r.Rows), strings.Join(r.Columns, " | "))
	for i, row := range r.Rows {
		if i == maxObservationRows {
			fmt.Fprintf(&b, "... %d more rows\n", len(r.Rows)-maxObservationRows)
			break
		}
		b.WriteString(strings.Join(row, " | "))
		b.WriteByte('\n')
	}
	return truncate(b.String(), maxObservationLen), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && (s[cut]&0xC0) == 0x80 {
		cut--
	}
	return s[:cut] + "..."
}

func webTool(searcher WebSearcher) tool {
	return tool{
		name:   "web",
		source: "web",
		web:    true,
		run: func(ctx context.Context, query string) (string, bool) {
			results, err := searcher.Search(ctx, query, webResults)
			if err != nil {
				return "Web search failed: " + err.Error(), false
			}
			if len(results) == 0 {
				return "Web search found nothing relevant.", false
			}
			var b strings.Builder
			for _, r := range results {
				fmt.Fprintf(&b, "[%s] %s\n", r.URL, r.Snippet)
			}
			return b.String(), true
		},
	}
}
