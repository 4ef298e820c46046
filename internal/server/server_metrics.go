package server

import "github.com/prometheus/client_golang/prometheus"

// noopMetrics is used when Options.MetricsEnabled is false, avoiding the
// overhead of the prometheus collectors in the hot path.
type metricsSink interface {
	addChecksSent(n uint64)
	addChecksSucceeded(n uint64)
	addChecksFailed(n uint64)
	incCheckListsCompleted()
	incCheckListsFailed()
}

type noopMetrics struct{}

func (noopMetrics) addChecksSent(uint64)      {}
func (noopMetrics) addChecksSucceeded(uint64) {}
func (noopMetrics) addChecksFailed(uint64)    {}
func (noopMetrics) incCheckListsCompleted()   {}
func (noopMetrics) incCheckListsFailed()      {}

// promMetrics exposes counters for the connectivity-check lifecycle,
// registered once per Agent with the configured MetricsRegistry.
type promMetrics struct {
	checksSent          prometheus.Counter
	checksSucceeded     prometheus.Counter
	checksFailed        prometheus.Counter
	checkListsCompleted prometheus.Counter
	checkListsFailed    prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	return &promMetrics{
		checksSent:          counter("iceagent_checks_sent_total", "connectivity checks sent"),
		checksSucceeded:     counter("iceagent_checks_succeeded_total", "connectivity checks that received a success response"),
		checksFailed:        counter("iceagent_checks_failed_total", "connectivity checks that failed or timed out"),
		checkListsCompleted: counter("iceagent_checklists_completed_total", "check lists that reached the completed state"),
		checkListsFailed:    counter("iceagent_checklists_failed_total", "check lists that reached the failed state"),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.checksSent.Desc()
	d <- m.checksSucceeded.Desc()
	d <- m.checksFailed.Desc()
	d <- m.checkListsCompleted.Desc()
	d <- m.checkListsFailed.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.checksSent.Collect(c)
	m.checksSucceeded.Collect(c)
	m.checksFailed.Collect(c)
	m.checkListsCompleted.Collect(c)
	m.checkListsFailed.Collect(c)
}

func (m *promMetrics) addChecksSent(n uint64)      { m.checksSent.Add(float64(n)) }
func (m *promMetrics) addChecksSucceeded(n uint64) { m.checksSucceeded.Add(float64(n)) }
func (m *promMetrics) addChecksFailed(n uint64)    { m.checksFailed.Add(float64(n)) }
func (m *promMetrics) incCheckListsCompleted()     { m.checkListsCompleted.Inc() }
func (m *promMetrics) incCheckListsFailed()        { m.checkListsFailed.Inc() }
