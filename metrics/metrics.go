// Package metrics exposes the publisher's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publisher counts publish outcomes and loop overruns of one robot.
type Publisher struct {
	registry *prometheus.Registry

	published prometheus.Counter
	skipped   prometheus.Counter
	failed    prometheus.Counter
	overruns  prometheus.Counter
	frequency prometheus.Gauge
}

// NewPublisher registers the counters for robotName on a fresh registry.
func NewPublisher(robotName string) *Publisher {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"robot": robotName}

	return &Publisher{
		registry: registry,
		published: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiwa_joint_states_published_total",
			Help:        "Joint states published to at least one subscriber",
			ConstLabels: labels,
		}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiwa_joint_states_skipped_total",
			Help:        "Loop iterations skipped because nobody subscribed",
			ConstLabels: labels,
		}),
		failed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiwa_joint_states_failed_total",
			Help:        "Joint state publishes that failed",
			ConstLabels: labels,
		}),
		overruns: factory.NewCounter(prometheus.CounterOpts{
			Name:        "iiwa_publish_loop_overruns_total",
			Help:        "Loop iterations that missed their deadline",
			ConstLabels: labels,
		}),
		frequency: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "iiwa_publish_frequency_hz",
			Help:        "Configured publish loop frequency",
			ConstLabels: labels,
		}),
	}
}

func (p *Publisher) Published() { p.published.Inc() }
func (p *Publisher) Skipped()   { p.skipped.Inc() }
func (p *Publisher) Failed()    { p.failed.Inc() }

// Overrun records a missed loop deadline.
func (p *Publisher) Overrun() { p.overruns.Inc() }

// SetFrequency records the loop frequency in Hz.
func (p *Publisher) SetFrequency(hz float64) { p.frequency.Set(hz) }

// Handler serves the registry together with the Go runtime collectors.
func (p *Publisher) Handler() http.Handler {
	gatherers := prometheus.Gatherers{p.registry, prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}
