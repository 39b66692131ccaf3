package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p, err := NewProm("overlay", reg)
	require.NoError(t, err)

	p.IncHookInstall("FileExists", OutcomeOK)
	p.IncCall("pak_open", OutcomeRedirected)
	p.IncCall("pak_open", OutcomeRedirected)
	p.IncRedirect(OutcomeMiss)
	p.IncBuild(OutcomeFailed)

	assert.InDelta(t, 1, testutil.ToFloat64(p.hookInstalls.WithLabelValues("FileExists", OutcomeOK)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(p.calls.WithLabelValues("pak_open", OutcomeRedirected)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.redirects.WithLabelValues(OutcomeMiss)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(p.builds.WithLabelValues(OutcomeFailed)), 0)
}

func TestPromDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewProm("overlay", reg)
	require.NoError(t, err)

	_, err = NewProm("overlay", reg)
	require.Error(t, err)
}

func TestOrNoop(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Noop{}, OrNoop(nil))

	var m Metrics = &Prom{}
	assert.Same(t, m, OrNoop(m))
}
