package monitoring

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordFrame(12)
	m.RecordFrame(100)
	m.RecordDrop(DropQueueFull)
	m.RecordDrop(DropBackoff)
	m.RecordDrop(DropBackoff)
	m.RecordPeerFailure(PeerLabel(2), 200*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropQueueFull)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues(DropBackoff)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerConnectFailures.WithLabelValues("2")))

	count, err := testutil.GatherAndCount(reg, "test_frame_payload_bytes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	m.PeerFramesQueued.WithLabelValues(PeerLabel(2)).Inc()
	count, err = testutil.GatherAndCount(reg, "test_peer_frames_queued_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	// Two unregistered instances must not collide.
	a := NewMetrics("dup", nil)
	b := NewMetrics("dup", nil)
	a.ClientsAccepted.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ClientsAccepted))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ClientsAccepted))
}

func TestRouterEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("relay", reg)
	m.ClientsAccepted.Inc()

	status := func() interface{} {
		return map[string]interface{}{"self_id": 1, "peers": []string{"2"}}
	}
	srv := httptest.NewServer(NewRouter(reg, status))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(body, "relay_clients_accepted_total 1"), body)

	code, body = get("/peers")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"self_id":1,"peers":["2"]}`, body)
}

func TestRouterPeersWithoutStatus(t *testing.T) {
	srv := httptest.NewServer(NewRouter(prometheus.NewRegistry(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/peers")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
