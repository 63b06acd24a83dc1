package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chukul/cloudchat/internal/sso"
	"github.com/chukul/cloudchat/internal/supervisor"
	"github.com/chukul/cloudchat/internal/toolclient"
)

var (
	_ sso.LoginObserver   = (*Collector)(nil)
	_ supervisor.Observer = (*Collector)(nil)
	_ toolclient.Observer = (*Collector)(nil)
)

func family(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := map[string]string{}
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func TestRecordLogin(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin("acct-dev", "authenticated")
	c.RecordLogin("acct-dev", "authenticated")
	c.RecordLogin("acct-dev", "timed_out")

	mf := family(t, reg, "cloudchat_logins_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labels(m)["outcome"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"authenticated": 2, "timed_out": 1}, got)
}

func TestServerStateIsOneHot(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ServerState("aws-api", supervisor.StateStarting)
	c.ServerState("aws-api", supervisor.StateReady)
	c.ServerRestarted("aws-api")

	mf := family(t, reg, "cloudchat_tool_server_state")
	require.Len(t, mf.GetMetric(), 5)
	for _, m := range mf.GetMetric() {
		want := 0.0
		if labels(m)["state"] == string(supervisor.StateReady) {
			want = 1
		}
		assert.Equal(t, want, m.GetGauge().GetValue(), labels(m)["state"])
	}

	restarts := family(t, reg, "cloudchat_tool_server_restarts_total")
	assert.Equal(t, 1.0, restarts.GetMetric()[0].GetCounter().GetValue())
}

func TestInvocationFinished(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.InvocationFinished("aws-tools", "describe_instances", toolclient.OutcomeSucceeded, 120*time.Millisecond)
	c.InvocationFinished("aws-tools", "describe_instances", toolclient.OutcomeTimedOut, 30*time.Second)
	c.InvocationFinished("aws-tools", "describe_instances", toolclient.OutcomeFailed, 0)

	mf := family(t, reg, "cloudchat_tool_invocations_total")
	assert.Len(t, mf.GetMetric(), 3)

	hist := family(t, reg, "cloudchat_tool_invocation_seconds")
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordLogin("acct-dev", "authenticated")

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "cloudchat_logins_total")
}
