package instrument

import (
	"net/http"

	"e2e_relay/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	relayIncoming = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_relay_incoming_messages_total",
			Help: "Number of relay messages received, by command",
		},
		[]string{"command"},
	)
	relayOutgoing = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_relay_outgoing_messages_total",
			Help: "Number of relay messages queued for sending, by command",
		},
		[]string{"command"},
	)
	connectionsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_relay_connections_lost_total",
			Help: "Number of relay connections torn down, by cause",
		},
		[]string{"cause"},
	)
	cipherOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2e_relay_cipher_operations_total",
			Help: "Number of cipher work items processed, by kind and result",
		},
		[]string{"kind", "result"},
	)
	authRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "e2e_relay_auth_retries_total",
			Help: "Number of operations retried after an authorization failure",
		},
	)
)

func init() {
	prometheus.MustRegister(relayIncoming, relayOutgoing, connectionsLost, cipherOps, authRetries)
}

// Serve exposes the registered metrics on addr. It returns immediately.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

func IncomingMessage(command string) {
	relayIncoming.WithLabelValues(command).Inc()
}

func OutgoingMessage(command string) {
	relayOutgoing.WithLabelValues(command).Inc()
}

func ConnectionLost(cause string) {
	connectionsLost.WithLabelValues(cause).Inc()
}

func CipherOperation(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cipherOps.WithLabelValues(kind, result).Inc()
}

func AuthRetry() {
	authRetries.Inc()
}
