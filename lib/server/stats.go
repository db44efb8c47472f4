package server

import (
	"sync/atomic"
	"time"

	"github.com/go-i2p/netcore/lib/metrics"
)

// Stats holds counters shared by every connection of a server.
type Stats struct {
	activeConnections  atomic.Int64
	connectionsCreated atomic.Uint64
	connectionsClosed  atomic.Uint64
	activeRequests     atomic.Int64
	requestsProcessed  atomic.Uint64
	pipelinesExecuted  atomic.Uint64
	requestsPipelined  atomic.Uint64
	parseErrors        atomic.Uint64
	sendFailures       atomic.Uint64
	rejected           atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	ActiveConnections  int64
	ConnectionsCreated uint64
	ConnectionsClosed  uint64
	ActiveRequests     int64
	RequestsProcessed  uint64
	PipelinesExecuted  uint64
	RequestsPipelined  uint64
	ParseErrors        uint64
	SendFailures       uint64
	// Rejected counts connections refused by the connection limit.
	Rejected uint64
}

// Snapshot returns the current values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ActiveConnections:  s.activeConnections.Load(),
		ConnectionsCreated: s.connectionsCreated.Load(),
		ConnectionsClosed:  s.connectionsClosed.Load(),
		ActiveRequests:     s.activeRequests.Load(),
		RequestsProcessed:  s.requestsProcessed.Load(),
		PipelinesExecuted:  s.pipelinesExecuted.Load(),
		RequestsPipelined:  s.requestsPipelined.Load(),
		ParseErrors:        s.parseErrors.Load(),
		SendFailures:       s.sendFailures.Load(),
		Rejected:           s.rejected.Load(),
	}
}

func (s *Stats) connectionOpened() {
	s.activeConnections.Add(1)
	s.connectionsCreated.Add(1)
	ConnectionsTotal.Inc()
	ActiveConnections.Inc()
}

func (s *Stats) connectionClosed() {
	s.activeConnections.Add(-1)
	s.connectionsClosed.Add(1)
	ActiveConnections.Dec()
}

func (s *Stats) requestStarted() {
	s.activeRequests.Add(1)
	ActiveRequests.Inc()
}

func (s *Stats) requestsDone(n int) {
	s.activeRequests.Add(int64(-n))
	s.requestsProcessed.Add(uint64(n))
	ActiveRequests.Add(int64(-n))
	RequestsTotal.Add(uint64(n))
}

func (s *Stats) pipelined(n int) {
	s.pipelinesExecuted.Add(1)
	s.requestsPipelined.Add(uint64(n))
	PipelinesTotal.Inc()
	PipelinedRequestsTotal.Add(uint64(n))
}

func (s *Stats) parseError() {
	s.parseErrors.Add(1)
	ParseErrorsTotal.Inc()
}

func (s *Stats) sendFailed(n int) {
	s.sendFailures.Add(uint64(n))
	SendFailuresTotal.Add(uint64(n))
}

func (s *Stats) connectionRejected() {
	s.rejected.Add(1)
	RejectedConnectionsTotal.Inc()
}

// Server metric families.
var (
	ConnectionsTotal = metrics.Default().Counter(
		"netcore_server_connections_total",
		"Total accepted connections",
	)
	ActiveConnections = metrics.Default().Gauge(
		"netcore_server_connections_active",
		"Connections currently open",
	)
	RejectedConnectionsTotal = metrics.Default().Counter(
		"netcore_server_connections_rejected_total",
		"Connections refused by the connection limit",
	)
	RequestsTotal = metrics.Default().Counter(
		"netcore_server_requests_total",
		"Total responses finished, sent or not",
	)
	ActiveRequests = metrics.Default().Gauge(
		"netcore_server_requests_active",
		"Requests parsed and not yet answered",
	)
	PipelinesTotal = metrics.Default().Counter(
		"netcore_server_pipelines_total",
		"Vectored writes carrying a batch of responses",
	)
	PipelinedRequestsTotal = metrics.Default().Counter(
		"netcore_server_pipelined_requests_total",
		"Responses sent as part of a batch",
	)
	ParseErrorsTotal = metrics.Default().Counter(
		"netcore_server_parse_errors_total",
		"Requests rejected as malformed or too large",
	)
	SendFailuresTotal = metrics.Default().Counter(
		"netcore_server_send_failures_total",
		"Responses that could not be written",
	)
	RateLimitedTotal = metrics.Default().Counter(
		"netcore_server_rate_limited_total",
		"Requests answered with 429",
	)
	RequestDuration = metrics.Default().Histogram(
		"netcore_server_request_duration_seconds",
		"Time from parse to the end of the response write",
		metrics.DefaultLatencyBuckets,
	)
)

func observeRequest(req *Request) {
	_, finish := req.SendTimes()
	if finish.IsZero() {
		finish = time.Now()
	}
	RequestDuration.ObserveDuration(finish.Sub(req.ReceivedAt()))
}
