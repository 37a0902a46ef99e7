package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequestCounts(t *testing.T) {
	m := New()

	m.ObserveRequest("GET", "/v1/records/{id}", 200, 5*time.Millisecond)
	m.ObserveRequest("GET", "/v1/records/{id}", 200, 7*time.Millisecond)
	m.ObserveRequest("POST", "/v1/tasks/claim", 401, time.Millisecond)

	count := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/v1/records/{id}", "200"))
	assert.Equal(t, 2.0, count)

	count = testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "/v1/tasks/claim", "401"))
	assert.Equal(t, 1.0, count)
}

func TestQueueGauges(t *testing.T) {
	m := New()

	m.TaskQueueDepth.WithLabelValues("waiting").Set(12)
	m.TaskQueueDepth.WithLabelValues("running").Set(3)
	m.ServiceQueueDepth.Set(4)

	assert.Equal(t, 12.0, testutil.ToFloat64(m.TaskQueueDepth.WithLabelValues("waiting")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TaskQueueDepth.WithLabelValues("running")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ServiceQueueDepth))
}

func TestPrivateRegistryIsolated(t *testing.T) {
	a := New()
	b := New()
	require.NotSame(t, a.Registry(), b.Registry())

	a.ManagersLostTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ManagersLostTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ManagersLostTotal))
}
