package models

import (
	"fmt"
	"time"
)

// Lang is a supported corpus language.
type Lang string

const (
	LangFR Lang = "fr"
	LangEN Lang = "en"
)

var Langs = []Lang{LangFR, LangEN}

func ParseLang(s string) (Lang, error) {
	for _, l := range Langs {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unsupported language %q (want fr or en)", s)
}

// QAPair is one reference question with its answer and query, in every language.
type QAPair struct {
	ID        int
	Questions map[Lang]string
	Answers   map[Lang]string
	SQL       string
	Column    string
}

// Question returns the question in lang, falling back to French.
func (p QAPair) Question(lang Lang) string {
	if q, ok := p.Questions[lang]; ok && q != "" {
		return q
	}
	return p.Questions[LangFR]
}

// Answer returns the reference answer in lang, falling back to French.
func (p QAPair) Answer(lang Lang) string {
	if a, ok := p.Answers[lang]; ok && a != "" {
		return a
	}
	return p.Answers[LangFR]
}

type QueryExample struct {
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

type ColumnMetadata struct {
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Examples      []string       `json:"examples"`
	CommonQueries []QueryExample `json:"common_queries"`
}

// QueryResult is the uniform, stringified shape of any executed query.
type QueryResult struct {
	Success bool
	Columns []string
	Rows    [][]string
	Error   string
}

func Failed(msg string) QueryResult {
	return QueryResult{Success: false, Error: msg}
}

// ActionKind is the closed set of agent step categories.
type ActionKind int

const (
	ActionProcessing ActionKind = iota
	ActionDatabaseQuery
	ActionAlternativeQuery
	ActionWebSearch
)

func (a ActionKind) String() string {
	switch a {
	case ActionDatabaseQuery:
		return "database-query"
	case ActionAlternativeQuery:
		return "alternative-query"
	case ActionWebSearch:
		return "web-search"
	default:
		return "processing"
	}
}

// IsDatabase reports whether the action consulted one of the data backends.
func (a ActionKind) IsDatabase() bool {
	return a == ActionDatabaseQuery || a == ActionAlternativeQuery
}

type Step struct {
	Ordinal     int
	Action      ActionKind
	Description string
	Query       string
	Success     bool
	Result      string
}

type AgentResponse struct {
	Answer string
	Source string
	SQL    string
	Steps  []Step
}

// Scores holds the per-question sub-scores, each in [0,1].
type Scores struct {
	QueryPresent     float64
	ExecutionSuccess float64
	ResultsMatch     float64
	SQL              float64
	Judge            float64
	BLEU1            float64
	BLEU2            float64
	ROUGE1           float64
	ROUGE2           float64
	ROUGEL           float64
	LexicalOK        bool
	Combined         float64
	SequenceRespect  float64
	StepCount        int
}

type EvaluationResult struct {
	QuestionID      int
	Lang            Lang
	Question        string
	ReferenceAnswer string
	ReferenceSQL    string
	ReferenceError  string
	AgentQueryError string
	Response        AgentResponse
	Scores          Scores
	Correct         bool
	Refused         bool
	ResponseTime    time.Duration
	Attempts        int
	Error           string
	ErrorTransient  bool
}

// Failed reports whether the pair counts toward the failure rate: a refusal,
// a non-transient error, or no answer at all (exhausted retries end here).
func (r EvaluationResult) Failed() bool {
	if r.Refused {
		return true
	}
	if r.Error != "" && !r.ErrorTransient {
		return true
	}
	return r.Response.Answer == ""
}

type AgentPerformance struct {
	Agent   string
	Model   string
	Lang    Lang
	Results []EvaluationResult
	Stats   Stats
}

type Stats struct {
	Total              int
	Correct            int
	Failures           int
	SuccessRate        float64
	FailureRate        float64
	MeanResponseTime   time.Duration
	MedianResponseTime time.Duration
	MeanSQL            float64
	MeanJudge          float64
	MeanCombined       float64
	MeanBLEU1          float64
	MeanBLEU2          float64
	MeanROUGE1         float64
	MeanROUGE2         float64
	MeanROUGEL         float64
	MeanSequence       float64
	MeanSteps          float64
}

// Run is everything one harness invocation produced.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Threshold  float64
	Agents     []*AgentPerformance
}
