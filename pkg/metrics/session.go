package metrics

import "github.com/prometheus/client_golang/prometheus"

var SessionStateMetrics = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "okexstream_session_state",
		Help: "current session state, 0=Disconnected 1=Connecting 2=AwaitingLoginAck 3=Authenticated 4=Subscribed 5=Faulted",
	}, []string{"session", "mode"})

var SessionReconnectsMetrics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "okexstream_session_reconnects_total",
		Help: "number of reconnects, labeled by the reason that tore the previous connection down",
	}, []string{"session", "mode", "reason"})

var SessionAuthRejectionsMetrics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "okexstream_session_auth_rejections_total",
		Help: "number of rejected logins",
	}, []string{"session", "mode", "code", "transient"})

var SessionProbesMetrics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "okexstream_session_probes_total",
		Help: "number of liveness probes sent",
	}, []string{"session", "mode"})

var SessionFramesMetrics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "okexstream_session_frames_total",
		Help: "number of frames forwarded to the consumer",
	}, []string{"session", "mode"})

var SessionMalformedFramesMetrics = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "okexstream_session_malformed_frames_total",
		Help: "number of undecodable frames skipped",
	}, []string{"session", "mode"})

var SessionLastFrameTimeMetrics = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "okexstream_session_last_frame_timestamp_seconds",
		Help: "unix time of the last received frame",
	}, []string{"session", "mode"})

func init() {
	prometheus.MustRegister(
		SessionStateMetrics,
		SessionReconnectsMetrics,
		SessionAuthRejectionsMetrics,
		SessionProbesMetrics,
		SessionFramesMetrics,
		SessionMalformedFramesMetrics,
		SessionLastFrameTimeMetrics,
	)
}
