package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequestUpdatesPerModelSnapshot(t *testing.T) {
	c := New()
	c.RecordRequest(RequestRecord{ModelID: "model-a", LatencySec: 1.0, PromptTokens: 10, CompletionTokens: 5})
	c.RecordRequest(RequestRecord{ModelID: "model-a", LatencySec: 3.0, PromptTokens: 20, CompletionTokens: 15, Error: true})

	snap := c.Snapshot()
	require.Len(t, snap.Models, 1)
	m := snap.Models[0]
	assert.Equal(t, "model-a", m.ModelID)
	assert.EqualValues(t, 2, m.Requests)
	assert.EqualValues(t, 1, m.Errors)
	assert.EqualValues(t, 30, m.PromptTokens)
	assert.EqualValues(t, 20, m.CompletionTokens)
	assert.InDelta(t, 2.0, m.AverageLatencySec, 1e-9)
}

func TestHandlerExposesPrometheusFormat(t *testing.T) {
	c := New()
	c.RecordRequest(RequestRecord{ModelID: "model-a", LatencySec: 0.5})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "lmx_inference_requests_total")
}

func TestRecordSpeculativeAndAgentRunDoNotPanic(t *testing.T) {
	c := New()
	c.RecordSpeculative(SpeculativeRecord{ModelID: "model-a", Accepted: 4, Rejected: 1, Ignored: 0, Available: true})
	c.RecordAgentRun(AgentRunRecord{Strategy: "HANDOFF", DurationSec: 2.5, Steps: 3, Outcome: "completed"})
}
