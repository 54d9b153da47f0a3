// Package metrics holds the Prometheus collectors for the terminal bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptybridge_bytes_written_total",
			Help: "Bytes forwarded from the UI to the shell",
		},
	)

	BytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptybridge_bytes_read_total",
			Help: "Bytes delivered from the shell to the UI",
		},
	)

	Reads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ptybridge_reads_total",
			Help: "Read polls by outcome",
		},
		[]string{"outcome"}, // data, empty, error
	)

	Resizes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ptybridge_resizes_total",
			Help: "Terminal resizes applied",
		},
	)

	PendingBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptybridge_pending_bytes",
			Help: "Shell output read from the PTY but not yet polled",
		},
	)

	ShellExitCode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ptybridge_shell_exit_code",
			Help: "Exit code of the shell, -1 while it is running",
		},
	)
)

// Register adds all collectors to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		BytesWritten, BytesRead, Reads, Resizes, PendingBytes, ShellExitCode,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves the collectors registered on reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
