// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package metrics exports Prometheus metrics about a kirk session.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.chromium.org/kirk/com"
	"go.chromium.org/kirk/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Metrics holds the collectors of a session. A nil *Metrics records
// nothing.
type Metrics struct {
	reg *prometheus.Registry

	tests        *prometheus.CounterVec
	testDuration prometheus.Histogram
	restarts     prometheus.Counter
	commands     *prometheus.CounterVec
}

// New returns collectors registered in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kirk_tests_total",
			Help: "Number of test results by suite and status.",
		}, []string{"suite", "status"}),
		testDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kirk_test_duration_seconds",
			Help:    "Test execution time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kirk_sut_restarts_total",
			Help: "Number of SUT restarts after a broken test.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kirk_channel_commands_total",
			Help: "Number of test commands by channel and outcome kind.",
		}, []string{"channel", "kind"}),
	}
	m.reg.MustRegister(m.tests, m.testDuration, m.restarts, m.commands)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// ObserveTest records a test result.
func (m *Metrics) ObserveTest(suite, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tests.WithLabelValues(suite, status).Inc()
	m.testDuration.Observe(d.Seconds())
}

// ObserveRestart records a SUT restart.
func (m *Metrics) ObserveRestart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// ObserveCommand records a command run on channel that returned err.
func (m *Metrics) ObserveCommand(channel string, err error) {
	if m == nil {
		return
	}
	kind := "ok"
	if err != nil {
		kind = "error"
		if k := com.ErrorKind(err); k != 0 {
			kind = k.String()
		}
	}
	m.commands.WithLabelValues(channel, kind).Inc()
}

// Serve serves the metrics over HTTP on lis until ctx is done.
func (m *Metrics) Serve(ctx context.Context, lis net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logging.Debugf(ctx, "Failed to shut down the metrics server: %v", err)
		}
	}()
	logging.Infof(ctx, "Serving metrics on http://%s/metrics", lis.Addr())
	err := srv.Serve(lis)
	if err == http.ErrServerClosed {
		<-done
		return nil
	}
	return err
}
