// Package metrics exposes Prometheus metrics for the broadcaster, the stream
// and the identity clusterer.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"facecast/internal/eventbus"
	"facecast/internal/framecast"
)

const namespace = "facecast"

type Metrics struct {
	reg *prometheus.Registry

	ProducerRunning prometheus.Gauge
	ProducerStarts  prometheus.Counter
	ProducerStops   *prometheus.CounterVec
	Frames          prometheus.Counter
	Consumers       prometheus.Gauge
	Evictions       prometheus.Counter
	ActiveStreams   *prometheus.GaugeVec

	Faces               *prometheus.CounterVec
	FacesPerFrame       prometheus.Histogram
	IdentitiesConfirmed prometheus.Counter
	DuplicatePromotions prometheus.Counter
	Decays              prometheus.Counter
	Notifications       *prometheus.CounterVec
}

// New creates a registry with the Go and process collectors and every facecast metric.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		ProducerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "producer", Name: "running",
			Help: "1 while a frame producer is running.",
		}),
		ProducerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "starts_total",
			Help: "Producer goroutines spawned.",
		}),
		ProducerStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "stops_total",
			Help: "Producer exits by reason.",
		}, []string{"reason"}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "frames_total",
			Help: "Frames stored by the producer.",
		}),
		Consumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "consumers",
			Help: "Registered consumers after the last frame.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "evictions_total",
			Help: "Stale consumers evicted.",
		}),
		ActiveStreams: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "active_streams",
			Help: "Open streaming connections by transport.",
		}, []string{"transport"}),
		Faces: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "faces_total",
			Help: "Faces processed by lookup result.",
		}, []string{"result"}),
		FacesPerFrame: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stream", Name: "faces_per_frame",
			Help:    "Faces detected per frame.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		}),
		IdentitiesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "confirmed_total",
			Help: "Identities promoted to the confirmed tier.",
		}),
		DuplicatePromotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "duplicate_promotions_total",
			Help: "Full tentative clusters discarded as duplicates.",
		}),
		Decays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "identity", Name: "decays_total",
			Help: "Tentative tier wipes.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "messages_total",
			Help: "Alerts by outcome (sent, failed, dropped).",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.ProducerRunning, m.ProducerStarts, m.ProducerStops, m.Frames, m.Consumers, m.Evictions,
		m.ActiveStreams, m.Faces, m.FacesPerFrame, m.IdentitiesConfirmed, m.DuplicatePromotions,
		m.Decays, m.Notifications,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, fn))
}

var _ framecast.Observer = (*Metrics)(nil)

func (m *Metrics) ProducerStarted() {
	m.ProducerRunning.Set(1)
	m.ProducerStarts.Inc()
}

func (m *Metrics) ProducerStopped(reason framecast.StopReason, _ error) {
	m.ProducerRunning.Set(0)
	m.ProducerStops.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) FrameProduced(consumers int) {
	m.Frames.Inc()
	m.Consumers.Set(float64(consumers))
}

func (m *Metrics) ConsumerEvicted(framecast.ConsumerID) { m.Evictions.Inc() }

func (m *Metrics) FaceProcessed(known bool) {
	if known {
		m.Faces.WithLabelValues("known").Inc()
		return
	}
	m.Faces.WithLabelValues("unknown").Inc()
}

func (m *Metrics) FrameAnnotated(faces int) { m.FacesPerFrame.Observe(float64(faces)) }

func (m *Metrics) StreamOpened(transport string) { m.ActiveStreams.WithLabelValues(transport).Inc() }
func (m *Metrics) StreamClosed(transport string) { m.ActiveStreams.WithLabelValues(transport).Dec() }

func (m *Metrics) NotificationSent()    { m.Notifications.WithLabelValues("sent").Inc() }
func (m *Metrics) NotificationFailed()  { m.Notifications.WithLabelValues("failed").Inc() }
func (m *Metrics) NotificationDropped() { m.Notifications.WithLabelValues("dropped").Inc() }

// Observe updates counters from one bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.IdentityConfirmed:
		m.IdentitiesConfirmed.Inc()
	case eventbus.IdentityDuplicate:
		n, _ := ev.Data.(int)
		if n <= 0 {
			n = 1
		}
		m.DuplicatePromotions.Add(float64(n))
	case eventbus.TentativeDecayed:
		m.Decays.Inc()
	}
}

// Run feeds bus events into Observe until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
