package supernode

import (
	"fmt"
	"io"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// Stats are the datapath counters surfaced by get_packetstats and the
// Prometheus endpoint. All fields are updated with atomics so the hot path
// never takes the node lock just to count.
type Stats struct {
	Forward      atomic.Uint64 // unicast PACKETs relayed to an edge
	Broadcast    atomic.Uint64 // broadcast/multicast fan-outs
	RegRx        atomic.Uint64 // REGISTERs accepted
	RegNak       atomic.Uint64 // REGISTER_NAKs emitted, every one of them
	SuperTx      atomic.Uint64 // REGISTER_SUPERs sent to federation peers
	SuperRx      atomic.Uint64 // REGISTER_SUPER/ACKs received
	TxErrors     atomic.Uint64 // send failures, incl. would-block drops
	RxErrors     atomic.Uint64 // undecodable or unclassifiable datagrams
	AuthFailures atomic.Uint64 // datagrams no header key would decrypt

	// Monotonic last-event stamps (unix seconds), plus the start time.
	StartTime    time.Time
	LastFwd      atomic.Int64
	LastReg      atomic.Int64
	LastRegSuper atomic.Int64
	LastSweep    atomic.Int64
}

func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// PacketBucket is one row of the get_packetstats reply.
type PacketBucket struct {
	Type  string  `json:"type"`
	TxPkt *uint64 `json:"tx_pkt,omitempty"`
	RxPkt *uint64 `json:"rx_pkt,omitempty"`
	Nak   *uint64 `json:"nak,omitempty"`
}

// Buckets renders the counters in the bucket layout the management API
// exposes.
func (s *Stats) Buckets() []PacketBucket {
	u := func(v uint64) *uint64 { return &v }
	return []PacketBucket{
		{Type: "sn_fwd", TxPkt: u(s.Forward.Load())},
		{Type: "sn_broadcast", TxPkt: u(s.Broadcast.Load())},
		{Type: "sn_reg", RxPkt: u(s.RegRx.Load()), Nak: u(s.RegNak.Load())},
		{Type: "super", TxPkt: u(s.SuperTx.Load()), RxPkt: u(s.SuperRx.Load())},
		{Type: "sn_errors", TxPkt: u(s.TxErrors.Load()), RxPkt: u(s.RxErrors.Load())},
		{Type: "auth_failures", RxPkt: u(s.AuthFailures.Load())},
	}
}

// Timestamps renders the last-event stamps for get_timestamps.
func (s *Stats) Timestamps() map[string]int64 {
	return map[string]int64{
		"start_time":  s.StartTime.Unix(),
		"last_fwd":    s.LastFwd.Load(),
		"last_reg":    s.LastReg.Load(),
		"last_sn_reg": s.LastRegSuper.Load(),
		"last_sweep":  s.LastSweep.Load(),
	}
}

// gauges a metrics scrape reads from the node.
type metricGauges struct {
	Edges       int
	Communities int
	Supernodes  int
	Uptime      float64
}

// WriteMetrics writes every counter and gauge in Prometheus text
// exposition format.
func (s *Stats) WriteMetrics(w io.Writer, g metricGauges) (int64, error) {
	var b strings.Builder

	counter := func(name, help string, v uint64) {
		writeHelp(&b, name, help)
		writeType(&b, name, "counter")
		writeMetric(&b, name, float64(v))
	}
	gauge := func(name, help string, v float64) {
		writeHelp(&b, name, help)
		writeType(&b, name, "gauge")
		writeMetric(&b, name, v)
	}

	counter("supernode_forwarded_total", "Unicast packets relayed to edges.", s.Forward.Load())
	counter("supernode_broadcast_total", "Broadcast fan-outs performed.", s.Broadcast.Load())
	counter("supernode_registrations_total", "Edge registrations accepted.", s.RegRx.Load())
	counter("supernode_register_naks_total", "Registration NAKs emitted.", s.RegNak.Load())
	counter("supernode_federation_tx_total", "REGISTER_SUPER messages sent.", s.SuperTx.Load())
	counter("supernode_federation_rx_total", "Federation messages received.", s.SuperRx.Load())
	counter("supernode_tx_errors_total", "Datapath send errors.", s.TxErrors.Load())
	counter("supernode_rx_errors_total", "Undecodable datagrams received.", s.RxErrors.Load())
	counter("supernode_auth_failures_total", "Datagrams failing header authentication.", s.AuthFailures.Load())

	gauge("supernode_edges", "Registered edges across all communities.", float64(g.Edges))
	gauge("supernode_communities", "Known communities.", float64(g.Communities))
	gauge("supernode_federation_peers", "Known federated supernodes.", float64(g.Supernodes))
	gauge("supernode_uptime_seconds", "Daemon uptime in seconds.", g.Uptime)

	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// --- text format helpers ---

func writeHelp(b *strings.Builder, name, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
}

func writeType(b *strings.Builder, name, typ string) {
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeMetric(b *strings.Builder, name string, val float64) {
	fmt.Fprintf(b, "%s %s\n", name, formatFloat(val))
}

// formatFloat formats a float64 for Prometheus output. Integers are printed
// without a decimal point.
func formatFloat(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	if math.IsInf(v, -1) {
		return "-Inf"
	}
	if math.IsNaN(v) {
		return "NaN"
	}
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
