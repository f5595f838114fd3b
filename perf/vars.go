package perf

import (
	"expvar"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency       = metric.NewHistogram("1m1s")
	SentFramesPerSecond   = metric.NewCounter("10s1s")
	RecvFramesPerSecond   = metric.NewCounter("10s1s")
	SentBytesPerSecond    = metric.NewCounter("10s1s")
	RecvBytesPerSecond    = metric.NewCounter("10s1s")
	DroppedFramePerSecond = metric.NewCounter("10s1s")
	ForwardedPerSecond    = metric.NewCounter("10s1s")
)

func init() {
	expvar.Publish("mesh:SentFrames/s", SentFramesPerSecond)
	expvar.Publish("mesh:RecvFrames/s", RecvFramesPerSecond)
	expvar.Publish("mesh:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("mesh:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("mesh:DroppedFrames/s", DroppedFramePerSecond)
	expvar.Publish("mesh:Forwarded/s", ForwardedPerSecond)
	expvar.Publish("mesh:DispatchLatency (µs)", DispatchLatency)
}
