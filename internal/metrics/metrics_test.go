package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Counts(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.Attempt("apple", 100*time.Millisecond, nil)
	c.Attempt("apple", time.Second, errors.New("boom"))
	c.Attempt("apple", time.Second, errors.New("boom"))
	c.Result("apple", "success")
	c.Flush("apple", "results")
	c.InFlight("apple", 1)
	c.InFlight("apple", 1)
	c.InFlight("apple", -1)
	c.BreakerState("apple", 1)
	c.Run("complete", time.Minute)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("apple", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.attemptsTotal.WithLabelValues("apple", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resultsTotal.WithLabelValues("apple", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.flushesTotal.WithLabelValues("apple", "results")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.inFlight.WithLabelValues("apple")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState.WithLabelValues("apple")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsTotal.WithLabelValues("complete")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Attempt("x", time.Second, nil)
		c.Result("x", "success")
		c.InFlight("x", 1)
		c.Flush("x", "results")
		c.BreakerState("x", 0)
		c.Run("complete", time.Second)
	})
}

func TestDefault_Singleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
