package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRefresh_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewRefresh(reg)

	m.Episode(ResultSuccess)
	m.Episode(ResultSuccess)
	m.Episode(ResultFailure)
	m.Enqueued()
	m.Enqueued()
	m.Enqueued()
	m.Dequeued(2)
	m.ObserveRenewal(50 * time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.renewals.WithLabelValues(ResultSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.renewals.WithLabelValues(ResultFailure)))
	require.Equal(t, 3.0, testutil.ToFloat64(m.queued))
	require.Equal(t, 1.0, testutil.ToFloat64(m.waiting))

	n, err := testutil.GatherAndCount(reg, "authsession_refresh_renewal_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRefresh_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Refresh
	require.NotPanics(t, func() {
		m.Episode(ResultSuccess)
		m.Enqueued()
		m.Dequeued(1)
		m.ObserveRenewal(time.Second)
	})
}
