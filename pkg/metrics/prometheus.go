package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/logger"
)

// PrometheusConfig holds Prometheus server configuration
type PrometheusConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// metric is one unlabelled series of the exposition.
type metric struct {
	name string
	kind string
	help string
	get  func(c *Collector) uint64
}

func gauge(f func(c *Collector) int) func(c *Collector) uint64 {
	return func(c *Collector) uint64 { return uint64(f(c)) }
}

var exposition = []metric{
	{"cs_connections_total", "counter", "Connections seen by the controller", (*Collector).GetTotalConnections},
	{"cs_connections_active", "gauge", "Open connections", gauge((*Collector).GetActiveConnections)},
	{"cs_control_pdus_sent_total", "counter", "LL control PDUs sent", (*Collector).GetPDUsSent},
	{"cs_control_pdus_received_total", "counter", "LL control PDUs received", (*Collector).GetPDUsReceived},
	{"cs_control_pdu_errors_total", "counter", "LL control PDUs the link refused", (*Collector).GetPDUErrors},
	{"cs_procedures_active", "gauge", "Connections inside a CS procedure", gauge((*Collector).GetActiveProcedures)},
	{"cs_procedures_started_total", "counter", "CS procedures started", (*Collector).GetProceduresStarted},
	{"cs_procedures_completed_total", "counter", "CS procedures completed", (*Collector).GetProceduresCompleted},
	{"cs_procedures_aborted_total", "counter", "CS procedures aborted", (*Collector).GetProceduresAborted},
	{"cs_subevents_total", "counter", "CS subevents reported", (*Collector).GetSubevents},
	{"cs_subevents_aborted_total", "counter", "CS subevents aborted", (*Collector).GetSubeventsAborted},
	{"cs_rcl_buffers_total", "counter", "Step buffers submitted to the radio", (*Collector).GetBuffersSubmitted},
	{"cs_rcl_steps_total", "counter", "Steps submitted to the radio", (*Collector).GetStepsSubmitted},
	{"cs_fae_updates_total", "counter", "Local FAE table measurements", (*Collector).GetFAEUpdates},
	{"cs_drbg_refills_total", "counter", "DRBG random bit cache refills", (*Collector).GetDRBGRefills},
}

// PrometheusHandler serves the collector in the Prometheus text format
type PrometheusHandler struct {
	collector *Collector
}

// NewPrometheusHandler creates a new Prometheus handler
func NewPrometheusHandler(collector *Collector) *PrometheusHandler {
	return &PrometheusHandler{collector: collector}
}

// ServeHTTP writes every series
func (h *PrometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	for _, m := range exposition {
		header(&b, m.name, m.kind, m.help)
		fmt.Fprintf(&b, "%s %d\n", m.name, m.get(h.collector))
	}

	header(&b, "cs_steps_total", "counter", "CS steps reported by mode")
	for mode := uint8(0); mode < 4; mode++ {
		fmt.Fprintf(&b, "cs_steps_total{mode=\"%d\"} %d\n", mode, h.collector.GetSteps(mode))
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(b.String()))
}

func header(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
}

// PrometheusServer is an HTTP server for Prometheus metrics
type PrometheusServer struct {
	config    PrometheusConfig
	collector *Collector
	log       *logger.Logger
	server    *http.Server
}

// NewPrometheusServer creates a new Prometheus metrics server
func NewPrometheusServer(config PrometheusConfig, collector *Collector, log *logger.Logger) *PrometheusServer {
	if log == nil {
		log = logger.Discard()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &PrometheusServer{
		config:    config,
		collector: collector,
		log:       log.WithComponent("metrics"),
	}
}

// Start serves metrics until ctx ends
func (s *PrometheusServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("Prometheus metrics server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return errors.Wrapf(err, "can't listen on port %d", s.config.Port)
	}

	mux := http.NewServeMux()
	mux.Handle(s.config.Path, NewPrometheusHandler(s.collector))
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	s.log.Info("Serving Prometheus metrics",
		logger.Int("port", listener.Addr().(*net.TCPAddr).Port),
		logger.String("path", s.config.Path))

	errc := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server failed")
	case <-ctx.Done():
	}
	s.Stop()
	return ctx.Err()
}

// Stop shuts the server down, waiting up to five seconds for scrapes
func (s *PrometheusServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("Metrics server shutdown", logger.Error(err))
	}
}
