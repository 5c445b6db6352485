// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package metrics holds the Prometheus collectors of the channel engine.
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "channel_engine"

type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.GaugeVec
	subscriptions    prometheus.Gauge
	updates          *prometheus.CounterVec
	writes           *prometheus.CounterVec
	queueDepth       prometheus.Gauge
	tasksProcessed   prometheus.Counter
	listenerPanics   prometheus.Counter
	evaluationErrors *prometheus.CounterVec
}

// New creates the collectors and registers them, together with the Go
// runtime collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live shared connections per protocol.",
		}, []string{"protocol"}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Active listener subscriptions.",
		}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Updates fanned out to listeners, by protocol and kind.",
		}, []string{"protocol", "kind"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Listener writes, by protocol and result.",
		}, []string{"protocol", "result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queue_depth",
			Help:      "Tasks waiting in the delivery queue.",
		}),
		tasksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_tasks_total",
			Help:      "Tasks run by the delivery context.",
		}),
		listenerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Panics recovered while running listener callbacks.",
		}),
		evaluationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calc_evaluation_errors_total",
			Help:      "Calc expression evaluations that produced no value.",
		}, []string{"protocol"}),
	}

	m.registry.MustRegister(
		m.connections,
		m.subscriptions,
		m.updates,
		m.writes,
		m.queueDepth,
		m.tasksProcessed,
		m.listenerPanics,
		m.evaluationErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened(protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ConnectionClosed(protocol string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Dec()
}

func (m *Metrics) SubscriptionAdded() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionRemoved() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) UpdateFannedOut(protocol, kind string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(protocol, kind).Inc()
}

func (m *Metrics) WriteFinished(protocol, result string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(protocol, result).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) TaskProcessed() {
	if m == nil {
		return
	}
	m.tasksProcessed.Inc()
}

func (m *Metrics) ListenerPanic() {
	if m == nil {
		return
	}
	m.listenerPanics.Inc()
}

func (m *Metrics) EvaluationError(protocol string) {
	if m == nil {
		return
	}
	m.evaluationErrors.WithLabelValues(protocol).Inc()
}
