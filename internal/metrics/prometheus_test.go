package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteTextfile(t *testing.T) {
	Init()
	Init()

	PairsEvaluated.WithLabelValues("sql", "correct").Inc()
	JudgeParseFailures.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(PairsEvaluated.WithLabelValues("sql", "correct")))

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `foodqa_pairs_evaluated_total{agent="sql",outcome="correct"} 1`)
	assert.Contains(t, string(data), "foodqa_judge_parse_failures_total 1")
}
