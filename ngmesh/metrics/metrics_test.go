package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	m := New()
	m.Drop("security", ReasonReplay)
	m.Drop("security", ReasonReplay)
	m.SentVia("relay")
	m.Session("established")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dropped.WithLabelValues("security", ReasonReplay)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sent.WithLabelValues("relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions.WithLabelValues("established")))

	var nilMetrics *Metrics
	nilMetrics.Drop("x", "y")
}
