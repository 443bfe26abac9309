package timeout

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/seantiz/vigil/internal/vtest"
	"github.com/stretchr/testify/require"
)

type exitingHandle struct{ done chan struct{} }

func (h exitingHandle) SignalStop() error {
	close(h.done)
	return nil
}

func (h exitingHandle) Done() <-chan struct{} { return h.done }

func TestMetrics_timeoutCounted(t *testing.T) {
	before := testutil.ToFloat64(timeoutsTotal)

	c := NewCoordinator(vtest.NewLogger(t), Config{WarnInterval: vtest.ScaleMs(10)})
	defer c.Close()

	d := vtest.ScaleMs(5)
	sup, err := c.Supervise(Spec{UnitID: "m", Duration: &d}, exitingHandle{done: make(chan struct{})})
	require.NoError(t, err)
	vtest.ReceiveSoon(t, sup.Stopped())

	require.GreaterOrEqual(t, testutil.ToFloat64(timeoutsTotal), before+1)
}

func TestMetrics_escalationLabelsPreinitialized(t *testing.T) {
	require.Equal(t, 2, testutil.CollectAndCount(stopEscalations))
}
