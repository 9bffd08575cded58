package mesh

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks mesh health. A nil *Metrics records nothing.
type Metrics struct {
	nodes              prometheus.Gauge
	connectSuccess     prometheus.Counter
	connectFailure     prometheus.Counter
	offlineHits        prometheus.Counter
	queries            prometheus.Counter
	broadcastForwarded prometheus.Counter
	broadcastDuplicate prometheus.Counter
	reconnects         prometheus.Counter
	prunedPeers        prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fmtc_mesh_nodes",
			Help: "Registered nodes, including the local node.",
		}),
		connectSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_connect_success_total",
			Help: "Outbound peer links that completed the handshake.",
		}),
		connectFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_connect_failure_total",
			Help: "Failed outbound peer connection attempts.",
		}),
		offlineHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_offline_cache_hits_total",
			Help: "Deliveries rejected by the offline cache without a mesh query.",
		}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_queries_total",
			Help: "Per-node presence queries issued by the exec router.",
		}),
		broadcastForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_broadcast_forwarded_total",
			Help: "Broadcast frames forwarded to peers.",
		}),
		broadcastDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_broadcast_duplicate_total",
			Help: "Broadcast frames dropped because their id was already seen.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_reconnects_scheduled_total",
			Help: "Reconnects scheduled after a peer link dropped.",
		}),
		prunedPeers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fmtc_mesh_pruned_peers_total",
			Help: "Non-seed peers dropped after exhausting their retries.",
		}),
	}

	reg.MustRegister(
		m.nodes,
		m.connectSuccess,
		m.connectFailure,
		m.offlineHits,
		m.queries,
		m.broadcastForwarded,
		m.broadcastDuplicate,
		m.reconnects,
		m.prunedPeers,
	)
	return m
}

func (m *Metrics) SetNodes(n int) {
	if m == nil {
		return
	}
	m.nodes.Set(float64(n))
}

func (m *Metrics) RecordConnectSuccess() {
	if m == nil {
		return
	}
	m.connectSuccess.Inc()
}

func (m *Metrics) RecordConnectFailure() {
	if m == nil {
		return
	}
	m.connectFailure.Inc()
}

func (m *Metrics) RecordOfflineHit() {
	if m == nil {
		return
	}
	m.offlineHits.Inc()
}

func (m *Metrics) RecordQuery() {
	if m == nil {
		return
	}
	m.queries.Inc()
}

func (m *Metrics) RecordBroadcastForwarded() {
	if m == nil {
		return
	}
	m.broadcastForwarded.Inc()
}

func (m *Metrics) RecordBroadcastDuplicate() {
	if m == nil {
		return
	}
	m.broadcastDuplicate.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) RecordPrunedPeer() {
	if m == nil {
		return
	}
	m.prunedPeers.Inc()
}
