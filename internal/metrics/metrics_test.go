package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordFrameIncrementsByOutcome(t *testing.T) {
	before := counterValue(t, FramesTotal.WithLabelValues("malformed"))
	RecordFrame("malformed")
	RecordFrame("malformed")
	RecordFrame("ok")
	require.Equal(t, before+2, counterValue(t, FramesTotal.WithLabelValues("malformed")))
}

func TestRecordCommandLabels(t *testing.T) {
	before := counterValue(t, CommandsTotal.WithLabelValues("led", "failed"))
	RecordCommand("led", "failed")
	require.Equal(t, before+1, counterValue(t, CommandsTotal.WithLabelValues("led", "failed")))
}

func TestRecordRunEnd(t *testing.T) {
	before := counterValue(t, RunsCompletedTotal.WithLabelValues("completed"))
	RecordRunEnd("completed")
	require.Equal(t, before+1, counterValue(t, RunsCompletedTotal.WithLabelValues("completed")))
}
