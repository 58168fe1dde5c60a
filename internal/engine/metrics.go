// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package engine

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Client request counts and latencies per volume. Measured from the time
	// a request is handed to the transform until it is delivered, so time
	// spent parked behind a range lock isn't included.
	opm = newOpMetric("raid_volume_io", "node", "volume", "op")

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "events",
		Help:      "events dispatched by node workers",
	}, []string{"node", "code"})
	metricEventWait = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "raid",
		Name:      "event_wait",
		Help:      "time events spend in the queue before dispatch",
	}, []string{"node"})
	metricQueueLength = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Subsystem: "raid",
		Name:      "queue_length",
		Help:      "length of the event and I/O queues",
	}, []string{"node", "queue"})
	metricVolumeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "raid",
		Name:      "volume_state",
		Help:      "current volume state, see engine.VolumeState",
	}, []string{"node", "volume"})
	metricParked = promauto.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "raid",
		Name:      "parked",
		Help:      "client requests delayed by a range lock",
	}, []string{"node", "volume"})
)

// opMetric tracks counts and latencies of operations. It creates three metric
// sets:
//   - A counter with the given name, label "result", and the other labels.
//     Start increments it with "result"="all", Failed with "result"="failed".
//   - A summary with the given name + "_latency", fed by End unless the
//     operation failed.
//   - A gauge with the given name + "_pending".
type opMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

func newOpMetric(name string, labels ...string) *opMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	return &opMetric{
		name:      name,
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *opMetric) Start(values ...string) *latencyMeasurer {
	lm := &latencyMeasurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns how many operations ended with 'result'.
func (m *opMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	var value dto.Metric
	if m.counters.WithLabelValues(valuesWithResult...).Write(&value) != nil {
		return 0
	}
	return uint64(value.Counter.GetValue())
}

// Pending returns the number of operations started but not ended.
func (m *opMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.Gauge.GetValue())
}

// String returns a nice string with latency information.
func (m *opMetric) String(values ...string) string {
	out := summaryString(m.latencies.WithLabelValues(values...))
	return out + fmt.Sprintf(" / %d failed / %d pending", m.Count("failed", values...), m.Pending(values...))
}

// forget drops the label values of a volume that went away.
func (m *opMetric) forget(node, volume string) {
	for _, op := range ops {
		m.latencies.DeleteLabelValues(node, volume, op)
		m.pending.DeleteLabelValues(node, volume, op)
		for _, result := range []string{"all", "failed"} {
			m.counters.DeleteLabelValues(result, node, volume, op)
		}
	}
}

type latencyMeasurer struct {
	start  time.Time
	opm    *opMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *latencyMeasurer) Failed() {
	lm.Result("failed")
}

// Result records an arbitrary result.
func (lm *latencyMeasurer) Result(result string) {
	lm.start = time.Time{} // End won't record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since Start.
func (lm *latencyMeasurer) End() {
	if !lm.start.IsZero() {
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(time.Since(lm.start).Seconds())
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

func summaryString(obs prometheus.Observer) string {
	sum, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var value dto.Metric
	if sum.Write(&value) != nil || value.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("count=%d;", value.Summary.GetSampleCount())
	for _, q := range value.Summary.Quantile {
		out += fmt.Sprintf(" %gth=%.3f;", q.GetQuantile()*100, q.GetValue())
	}
	return out[:len(out)-1]
}
