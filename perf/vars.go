package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
	ForwardedPackets    = metric.NewCounter("1m1s")
	DroppedPackets      = metric.NewCounter("1m1s")
	SentSegments        = metric.NewCounter("1m1s")
	RecvSegments        = metric.NewCounter("1m1s")
	Retransmissions     = metric.NewCounter("1m1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))

	expvar.Publish("motenet:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("motenet:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("motenet:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("motenet:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("motenet:ForwardedPackets", ForwardedPackets)
	expvar.Publish("motenet:DroppedPackets", DroppedPackets)
	expvar.Publish("motenet:SentSegments", SentSegments)
	expvar.Publish("motenet:RecvSegments", RecvSegments)
	expvar.Publish("motenet:Retransmissions", Retransmissions)
	expvar.Publish("motenet:DispatchLatency (µs)", DispatchLatency)
}
