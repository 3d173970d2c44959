package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultReadHeaderTimeout = 10 * time.Second

// Exporter serves a Prometheus registry over HTTP.
type Exporter struct {
	addr     string
	registry *prometheus.Registry
	mutex    sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan error
}

// NewRegistry returns a registry with the Go runtime and process collectors
// registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// NewExporter returns an exporter serving the registry at addr
func NewExporter(addr string, registry *prometheus.Registry) *Exporter {
	return &Exporter{addr: addr, registry: registry}
}

// Handler returns the /metrics handler
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Start binds the exporter address and serves /metrics and /health in the
// background until Shutdown is called. An error is returned only when the
// address cannot be bound. Starting a running exporter is a no-op.
func (e *Exporter) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("metrics exporter: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	served := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			served <- err
		}
		close(served)
	}()

	e.server = server
	e.listener = listener
	e.served = served
	return nil
}

// Addr returns the address the exporter is listening on, or the configured
// address when it is not running.
func (e *Exporter) Addr() string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.listener == nil {
		return e.addr
	}
	return e.listener.Addr().String()
}

// Shutdown gracefully stops the exporter. It also reports an error that
// stopped the server early.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.server == nil {
		return nil
	}
	err := e.server.Shutdown(ctx)
	if serveErr := <-e.served; serveErr != nil {
		err = errors.Join(err, serveErr)
	}
	e.server = nil
	e.listener = nil
	e.served = nil
	return err
}
