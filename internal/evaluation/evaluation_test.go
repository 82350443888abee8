package evaluation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/food-agent/backend/internal/agent"
	"github.com/food-agent/backend/internal/llm"
	"github.com/food-agent/backend/internal/metrics"
	"github.com/food-agent/backend/internal/models"
	"github.com/food-agent/backend/internal/retrieval"
	"github.com/food-agent/backend/internal/storage/snapshot"
	"github.com/food-agent/backend/pkg/retry"
)

const (
	gradeAQuery = "SELECT code, nutriscore_grade FROM products WHERE nutriscore_grade='a' LIMIT 10"
	gradeBQuery = "SELECT code FROM products WHERE nutriscore_grade='b'"
)

func openSnapshot(t *testing.T) *snapshot.Accessor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "products.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE products (code TEXT PRIMARY KEY, nutriscore_grade TEXT)`)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = db.Exec(`INSERT INTO products VALUES (?, 'a')`, fmt.Sprintf("a%02d", i))
		require.NoError(t, err)
	}
	for i := 0; i < 42; i++ {
		_, err = db.Exec(`INSERT INTO products VALUES (?, 'b')`, fmt.Sprintf("b%02d", i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	acc, err := snapshot.Open(path, snapshot.DefaultPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { acc.Close() })
	return acc
}

// scriptedAgent answers each question from a fixed table.
type scriptedAgent struct {
	name    string
	answers map[string]*agent.Output
	seen    []agent.Context
}

func (s *scriptedAgent) Name() string { return s.name }

func (s *scriptedAgent) Run(_ context.Context, question string, c agent.Context) (*agent.Output, error) {
	s.seen = append(s.seen, c)
	if out, ok := s.answers[question]; ok {
		return out, nil
	}
	return nil, llm.NewError(llm.KindAuth, "no scripted answer", false, nil)
}

// fixedJudge scores by candidate text.
type fixedJudge map[string]float64

func (f fixedJudge) Score(_ context.Context, _, _, candidate string) (float64, error) {
	return f[candidate], nil
}

type staticColumns struct{ text string }

func (s staticColumns) Context(context.Context, string) (string, []retrieval.Match, error) {
	return s.text, nil, nil
}

func target(a agent.Agent, acc *snapshot.Accessor) Target {
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }
	return Target{Driver: agent.NewDriver(a, cfg), Model: "fake", Queries: acc, Reference: acc}
}

func pair(id int, question, answer, query string) models.QAPair {
	return models.QAPair{
		ID:        id,
		Questions: map[models.Lang]string{models.LangFR: question},
		Answers:   map[models.Lang]string{models.LangFR: answer},
		SQL:       query,
	}
}

func TestEvaluatePair_MatchingQueryIsCorrect(t *testing.T) {
	acc := openSnapshot(t)
	answer := "Dix produits trouvés avec le grade A."
	a := &scriptedAgent{name: "sql", answers: map[string]*agent.Output{
		"Quels produits ont le grade A ?": {Answer: answer, SQL: gradeAQuery, Source: "database"},
	}}
	e := NewEvaluator(staticColumns{text: "- nutriscore_grade (string), similarity 0.90\n"}, fixedJudge{answer: 4}, models.LangFR, 0.4)

	r := e.EvaluatePair(context.Background(), target(a, acc),
		pair(1, "Quels produits ont le grade A ?", "Dix produits de grade A ont été identifiés.", gradeAQuery))

	assert.Equal(t, 1.0, r.Scores.QueryPresent)
	assert.Equal(t, 1.0, r.Scores.ExecutionSuccess)
	assert.Equal(t, 1.0, r.Scores.ResultsMatch)
	assert.GreaterOrEqual(t, r.Scores.SQL, 0.9)
	assert.GreaterOrEqual(t, r.Scores.Judge, 0.6)
	assert.GreaterOrEqual(t, r.Scores.Combined, 0.4)
	assert.True(t, r.Scores.LexicalOK)
	assert.True(t, r.Correct)
	assert.False(t, r.Failed())

	require.Len(t, a.seen, 1)
	assert.Contains(t, a.seen[0].Columns, "nutriscore_grade")
	assert.Equal(t, agent.Refusal(models.LangFR), a.seen[0].Directives.Refusal)
}

func TestEvaluatePair_RejectedQuery(t *testing.T) {
	acc := openSnapshot(t)
	a := &scriptedAgent{name: "sql", answers: map[string]*agent.Output{
		"Produits de grade B ?": {Answer: "Beaucoup de produits.", SQL: "SELECT * FROM products WHERE nutriscore_grade='b' LIMIT 50"},
	}}
	e := NewEvaluator(nil, fixedJudge{}, models.LangFR, 0.4)

	ref := acc.Execute(context.Background(), gradeBQuery)
	require.Len(t, ref.Rows, 42)

	r := e.EvaluatePair(context.Background(), target(a, acc), pair(2, "Produits de grade B ?", "42 produits.", gradeBQuery))

	assert.Equal(t, 1.0, r.Scores.QueryPresent)
	assert.Equal(t, 0.0, r.Scores.ExecutionSuccess)
	assert.Equal(t, 0.0, r.Scores.ResultsMatch)
	assert.InDelta(t, 0.2, r.Scores.SQL, 1e-9)
	assert.Contains(t, r.AgentQueryError, "SELECT *")
	assert.Empty(t, r.ReferenceError)
}

func TestEvaluatePair_RefusalIsFailure(t *testing.T) {
	acc := openSnapshot(t)
	refusal := "Désolé, je ne peux pas obtenir ces informations de la base de données."
	a := &scriptedAgent{name: "sql", answers: map[string]*agent.Output{
		"Question impossible ?": {Answer: refusal},
	}}
	e := NewEvaluator(nil, fixedJudge{refusal: 0}, models.LangFR, 0.4)

	r := e.EvaluatePair(context.Background(), target(a, acc), pair(3, "Question impossible ?", "Le produit X contient 3 g de sucre.", gradeAQuery))

	assert.True(t, r.Refused)
	assert.True(t, r.Failed())
	assert.False(t, r.Correct)
	assert.Equal(t, 0.0, r.Scores.QueryPresent)
	assert.Less(t, r.Scores.Combined, 0.4)

	stats := Summarize([]models.EvaluationResult{r})
	assert.Equal(t, 1, stats.Failures)
	assert.Equal(t, 1.0, stats.FailureRate)
}

func TestEvaluatePair_AgentErrorIsRecorded(t *testing.T) {
	acc := openSnapshot(t)
	a := &scriptedAgent{name: "sql"}
	e := NewEvaluator(nil, fixedJudge{}, models.LangFR, 0.4)

	r := e.EvaluatePair(context.Background(), target(a, acc), pair(4, "Inconnue ?", "Réponse.", gradeAQuery))

	assert.NotEmpty(t, r.Error)
	assert.False(t, r.ErrorTransient)
	assert.True(t, r.Failed())
	assert.Equal(t, 1, r.Attempts)
}

func TestEvaluatePair_ReferenceFailureScoresZeroMatch(t *testing.T) {
	acc := openSnapshot(t)
	a := &scriptedAgent{name: "sql", answers: map[string]*agent.Output{
		"Q ?": {Answer: "R.", SQL: gradeAQuery},
	}}
	e := NewEvaluator(nil, fixedJudge{}, models.LangFR, 0.4)

	r := e.EvaluatePair(context.Background(), target(a, acc), pair(5, "Q ?", "R.", "SELECT missing FROM nowhere"))

	assert.NotEmpty(t, r.ReferenceError)
	assert.Equal(t, 1.0, r.Scores.ExecutionSuccess)
	assert.Equal(t, 0.0, r.Scores.ResultsMatch)
	assert.InDelta(t, 0.5, r.Scores.SQL, 1e-9)
}

func TestRunAll_ComparesTwoAgents(t *testing.T) {
	pairs := []models.QAPair{
		pair(1, "Q1 ?", "", gradeAQuery),
		pair(2, "Q2 ?", "", gradeAQuery),
	}
	agentA := &scriptedAgent{name: "a", answers: map[string]*agent.Output{
		"Q1 ?": {Answer: "a1"}, "Q2 ?": {Answer: "a2"},
	}}
	agentB := &scriptedAgent{name: "b", answers: map[string]*agent.Output{
		"Q1 ?": {Answer: "b1"}, "Q2 ?": {Answer: "b2"},
	}}
	// Empty reference answers leave lexical metrics undefined, so the
	// combined score is the judge alone.
	judge := fixedJudge{"a1": 4, "a2": 3, "b1": 1.5, "b2": 2.5}
	e := NewEvaluator(nil, judge, models.LangFR, 0.4)

	for _, parallel := range []bool{false, true} {
		t.Run(fmt.Sprintf("parallel=%v", parallel), func(t *testing.T) {
			perfs, err := e.RunAll(context.Background(), []Target{
				target(agentA, openSnapshot(t)),
				target(agentB, openSnapshot(t)),
			}, pairs, parallel)
			require.NoError(t, err)
			require.Len(t, perfs, 2)

			a, b := perfs[0], perfs[1]
			assert.Equal(t, "a", a.Agent)
			assert.InDelta(t, 0.8, a.Results[0].Scores.Combined, 1e-9)
			assert.InDelta(t, 0.6, a.Results[1].Scores.Combined, 1e-9)
			assert.InDelta(t, 0.3, b.Results[0].Scores.Combined, 1e-9)
			assert.InDelta(t, 0.5, b.Results[1].Scores.Combined, 1e-9)
			assert.Equal(t, 1.0, a.Stats.SuccessRate)
			assert.Equal(t, 0.5, b.Stats.SuccessRate)
			assert.Equal(t, []int{1, 2}, []int{b.Results[0].QuestionID, b.Results[1].QuestionID})
		})
	}
}

func TestRun_EmptyCorpus(t *testing.T) {
	e := NewEvaluator(nil, fixedJudge{}, models.LangEN, 0)
	assert.Equal(t, DefaultThreshold, e.Threshold())

	perf, err := e.Run(context.Background(), target(&scriptedAgent{name: "sql"}, openSnapshot(t)), nil)
	require.NoError(t, err)
	assert.Empty(t, perf.Results)
	assert.Equal(t, models.Stats{}, perf.Stats)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := NewEvaluator(nil, fixedJudge{}, models.LangFR, 0.4)
	perf, err := e.Run(ctx, target(&scriptedAgent{name: "sql"}, openSnapshot(t)), []models.QAPair{pair(1, "Q", "A", gradeAQuery)})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, perf)
	assert.Empty(t, perf.Results)
}

func TestSummarize(t *testing.T) {
	results := []models.EvaluationResult{
		{Correct: true, ResponseTime: 1 * time.Second, Response: models.AgentResponse{Answer: "x"}, Scores: models.Scores{SQL: 1, Combined: 0.8, StepCount: 2, SequenceRespect: 1}},
		{Correct: false, ResponseTime: 3 * time.Second, Response: models.AgentResponse{Answer: "y"}, Scores: models.Scores{SQL: 0.2, Combined: 0.2, StepCount: 4}},
		{Correct: false, ResponseTime: 8 * time.Second, Refused: true, Response: models.AgentResponse{Answer: "Sorry, I cannot retrieve this information from the database."}},
	}

	s := Summarize(results)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Correct)
	assert.Equal(t, 1, s.Failures)
	assert.InDelta(t, 1.0/3, s.SuccessRate, 1e-9)
	assert.Equal(t, 4*time.Second, s.MeanResponseTime)
	assert.Equal(t, 3*time.Second, s.MedianResponseTime)
	assert.InDelta(t, 0.4, s.MeanSQL, 1e-9)
	assert.InDelta(t, 2.0, s.MeanSteps, 1e-9)

	assert.Equal(t, 2*time.Second, median([]time.Duration{3 * time.Second, time.Second}))
}

func TestResultsMatch(t *testing.T) {
	ok := func(rows ...[]string) models.QueryResult { return models.QueryResult{Success: true, Rows: rows} }

	a := ok([]string{"1", "a"}, []string{"2", "b"})
	b := ok([]string{"2", "b"}, []string{"1", "a"})
	c := ok([]string{"2", "b"}, []string{"3", "c"})

	assert.Equal(t, 1.0, ResultsMatch(a, b))
	assert.InDelta(t, 1.0/3, ResultsMatch(a, c), 1e-9)
	assert.Equal(t, ResultsMatch(a, c), ResultsMatch(c, a))
	assert.Equal(t, 1.0, ResultsMatch(ok(), ok()))
	assert.Equal(t, 0.0, ResultsMatch(ok(), a))
	assert.Equal(t, 0.0, ResultsMatch(a, models.Failed("boom")))
	assert.Equal(t, 0.0, ResultsMatch(models.Failed("x"), models.Failed("y")))
	// duplicates collapse
	assert.Equal(t, 1.0, ResultsMatch(ok([]string{"1"}, []string{"1"}), ok([]string{"1"})))
	// cell boundaries are part of the tuple
	assert.Equal(t, 0.0, ResultsMatch(ok([]string{"a\x1fb"}), ok([]string{"a", "b"})))
	assert.Equal(t, 0.0, ResultsMatch(ok([]string{"1:a", ""}), ok([]string{"1", "a"})))
	assert.Equal(t, 0.0, ResultsMatch(ok([]string{"ab", "c"}), ok([]string{"a", "bc"})))
}

func TestSQLScoreAndCombined(t *testing.T) {
	assert.InDelta(t, 1.0, SQLScore(true, true, 1), 1e-9)
	assert.InDelta(t, 0.2, SQLScore(true, false, 0), 1e-9)
	assert.InDelta(t, 0.0, SQLScore(false, false, 0), 1e-9)

	lex := LexicalScores{ROUGEL: 1, BLEU2: 1}
	assert.InDelta(t, 1.0, CombinedScore(lex, true, 1), 1e-9)
	assert.InDelta(t, 0.3, CombinedScore(lex, true, 0), 1e-9)
	assert.InDelta(t, 0.6, CombinedScore(LexicalScores{}, false, 0.6), 1e-9)
}

func TestSequenceRespect(t *testing.T) {
	step := func(a models.ActionKind) models.Step { return models.Step{Action: a} }
	db, alt, web, proc := step(models.ActionDatabaseQuery), step(models.ActionAlternativeQuery), step(models.ActionWebSearch), step(models.ActionProcessing)

	tests := []struct {
		name  string
		steps []models.Step
		want  float64
	}{
		{"no steps", nil, 1},
		{"database only", []models.Step{db, alt}, 1},
		{"database then web", []models.Step{db, proc, web}, 1},
		{"web first", []models.Step{web, db}, 0},
		{"database after web", []models.Step{db, web, alt}, 0},
		{"web only", []models.Step{proc, web}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SequenceRespect(tt.steps))
		})
	}
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, IsRefusal("Désolé, je ne peux pas obtenir ces informations de la base de données."))
	assert.True(t, IsRefusal("  sorry, I cannot retrieve this   information from the database. "))
	assert.False(t, IsRefusal("Dix produits trouvés."))
	assert.False(t, IsRefusal(""))
}

func TestLexical(t *testing.T) {
	s, err := Lexical("the cat sat on the mat", "The Cat sat on the mat")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.BLEU1, 1e-9)
	assert.InDelta(t, 1.0, s.BLEU2, 1e-9)
	assert.InDelta(t, 1.0, s.ROUGE1, 1e-9)
	assert.InDelta(t, 1.0, s.ROUGE2, 1e-9)
	assert.InDelta(t, 1.0, s.ROUGEL, 1e-9)

	s, err = Lexical("the cat sat on the mat", "the cat")
	require.NoError(t, err)
	assert.InDelta(t, 0.1353, s.BLEU1, 1e-4)
	assert.InDelta(t, 0.5, s.ROUGE1, 1e-9)
	assert.InDelta(t, 1.0/3, s.ROUGE2, 1e-9)
	assert.InDelta(t, 0.5, s.ROUGEL, 1e-9)

	s, err = Lexical("the cat", "")
	require.NoError(t, err)
	assert.Equal(t, LexicalScores{}, s)

	_, err = Lexical("  ", "anything")
	assert.ErrorIs(t, err, ErrEmptyReference)
}

func TestLexical_ScoresStayInRange(t *testing.T) {
	inputs := [][2]string{
		{"a", "a a a a a a a a"},
		{"a b c d e f g", "g f e d c b a"},
		{"Dix produits de grade A ont été identifiés.", "Dix produits trouvés avec le grade A."},
	}
	for _, in := range inputs {
		s, err := Lexical(in[0], in[1])
		require.NoError(t, err)
		for _, v := range []float64{s.BLEU1, s.BLEU2, s.ROUGE1, s.ROUGE2, s.ROUGEL} {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
}

func TestParseJudgeScore(t *testing.T) {
	tests := []struct {
		reply string
		want  float64
		ok    bool
	}{
		{"4", 4, true},
		{"Score: 3.5/5", 3.5, true},
		{"4,5", 4.5, true},
		{"7", 5, true},
		{"-1", 0, true},
		{"excellent", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseJudgeScore(tt.reply)
		assert.Equal(t, tt.ok, ok, tt.reply)
		assert.Equal(t, tt.want, got, tt.reply)
	}
}

type judgeCompleter struct {
	replies []string
	errs    []error
	calls   int
}

func (j *judgeCompleter) Model() string { return "judge" }

func (j *judgeCompleter) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	i := j.calls
	j.calls++
	if i < len(j.errs) && j.errs[i] != nil {
		return nil, j.errs[i]
	}
	return &llm.CompletionResponse{Content: j.replies[i]}, nil
}

func TestJudge_RetriesAndParses(t *testing.T) {
	metrics.Init()
	cfg := retry.DefaultConfig()
	cfg.Sleep = func(context.Context, time.Duration) error { return nil }

	retriesBefore := testutil.ToFloat64(metrics.Retries.WithLabelValues("judge"))
	c := &judgeCompleter{
		replies: []string{"", "Note : 4"},
		errs:    []error{llm.NewError(llm.KindRateLimit, "429", true, nil)},
	}
	score, err := NewJudge(c, cfg).Score(context.Background(), "q", "ref", "cand")
	require.NoError(t, err)
	assert.Equal(t, 4.0, score)
	assert.Equal(t, 2, c.calls)
	assert.Equal(t, retriesBefore+1, testutil.ToFloat64(metrics.Retries.WithLabelValues("judge")))

	parseBefore := testutil.ToFloat64(metrics.JudgeParseFailures)
	score, err = NewJudge(&judgeCompleter{replies: []string{"très bien"}}, cfg).Score(context.Background(), "q", "ref", "cand")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.Equal(t, parseBefore+1, testutil.ToFloat64(metrics.JudgeParseFailures))
}

func TestJudge_EmptyCandidateSkipsCall(t *testing.T) {
	c := &judgeCompleter{}
	score, err := NewJudge(c, retry.DefaultConfig()).Score(context.Background(), "q", "ref", "  ")
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
	assert.Zero(t, c.calls)
}

func TestJudge_PermanentErrorSurfaces(t *testing.T) {
	c := &judgeCompleter{replies: []string{""}, errs: []error{errors.New("401 unauthorized")}}
	_, err := NewJudge(c, retry.DefaultConfig()).Score(context.Background(), "q", "ref", "cand")
	require.Error(t, err)
	assert.Equal(t, 1, c.calls)
}
