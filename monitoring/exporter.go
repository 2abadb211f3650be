package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/spvd/build"
	"github.com/lightningnetwork/spvd/spvcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds the wait for in-flight scrapes on Stop.
const shutdownTimeout = 5 * time.Second

// Exporter serves the metrics of one spvd instance over HTTP.
type Exporter struct {
	started sync.Once
	stopped sync.Once

	cfg      spvcfg.Prometheus
	registry *prometheus.Registry
	server   *http.Server
	addr     net.Addr

	wg sync.WaitGroup
}

// NewExporter creates an exporter for src. The registry also carries the
// version, uptime and Go runtime metrics.
func NewExporter(cfg spvcfg.Prometheus, src Source,
	clk clock.Clock) (*Exporter, error) {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	registry := prometheus.NewRegistry()

	versionGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spvd_version",
			Help: "Version of spvd running.",
		},
		[]string{"version", "commit"},
	)
	versionGauge.WithLabelValues(build.Version(), build.Commit).Set(1)

	startTime := clk.Now()
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "spvd_uptime",
			Help: "Uptime of spvd in seconds.",
		},
		func() float64 {
			return clk.Now().Sub(startTime).Seconds()
		},
	)

	collectors := []prometheus.Collector{
		versionGauge,
		uptime,
		prometheus.NewGoCollector(),
		NewCollector(src),
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		registry, promhttp.HandlerOpts{},
	))

	return &Exporter{
		cfg:      cfg,
		registry: registry,
		server: &http.Server{
			Addr:              cfg.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Registry returns the registry the exporter serves.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Addr returns the address the exporter listens on once started.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Start binds the listen address and serves in the background.
func (e *Exporter) Start() error {
	var err error
	e.started.Do(func() {
		var lis net.Listener
		lis, err = net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			return
		}
		e.addr = lis.Addr()

		log.Infof("Prometheus exporter started on %v/metrics",
			lis.Addr())

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()

			err := e.server.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter failed: %v", err)
			}
		}()
	})

	return err
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	var err error
	e.stopped.Do(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		err = e.server.Shutdown(ctx)
		e.wg.Wait()
	})

	return err
}
