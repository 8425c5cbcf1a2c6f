package qdma

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the ping-pong latency histogram buckets in
// nanoseconds (spec.md §4.3.4: "the C2H side recovers this value and
// records min/max/total latencies"). Buckets cover from 1us to 10s
// with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for one
// descriptor queue or device. Counters are split by the same
// direction/kind axes the resource manager's active counters use
// (spec.md §3 "active counters are separate per direction/type"), so
// a Metrics instance composes cleanly with per-queue or per-device
// scope.
type Metrics struct {
	// Data-path operation counters.
	H2CRequests atomic.Uint64 // memory-mapped/streaming H2C requests submitted
	C2HPackets  atomic.Uint64 // streaming C2H packets delivered to the upper layer
	MMRequests  atomic.Uint64 // memory-mapped requests (either direction)

	// Byte counters.
	H2CBytes atomic.Uint64
	C2HBytes atomic.Uint64

	// Descriptor-ring accounting.
	DescsSubmitted atomic.Uint64 // descriptors written to the ring
	DescsCompleted atomic.Uint64 // descriptors retired by the completion path
	PidxWrites     atomic.Uint64 // actual (post-coalescing) PIDX MMIO writes
	CmptConsumed   atomic.Uint64 // CMPT entries consumed (§4.3.5)
	FreeListRefill atomic.Uint64 // free-list refill operations (P-Q2)

	// Error counters.
	H2CErrors  atomic.Uint64
	C2HErrors  atomic.Uint64
	CmptErrors atomic.Uint64 // sticky-error latches (§4.3.7)

	// Mailbox transport counters (C3).
	MailboxSent     atomic.Uint64
	MailboxReceived atomic.Uint64
	MailboxRetries  atomic.Uint64
	MailboxTimeouts atomic.Uint64

	// Queue-depth-style gauge: in-flight descriptors sampled over time.
	InFlightTotal atomic.Uint64
	InFlightCount atomic.Uint64
	MaxInFlight   atomic.Uint32

	// Ping-pong latency tracking (§4.3.4).
	TotalLatencyNs atomic.Uint64
	LatencySamples atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Lifecycle.
	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time set.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordH2C records one H2C request's completion.
func (m *Metrics) RecordH2C(bytes uint64, success bool) {
	m.H2CRequests.Add(1)
	if success {
		m.H2CBytes.Add(bytes)
	} else {
		m.H2CErrors.Add(1)
	}
}

// RecordC2H records one delivered C2H packet.
func (m *Metrics) RecordC2H(bytes uint64, success bool) {
	m.C2HPackets.Add(1)
	if success {
		m.C2HBytes.Add(bytes)
	} else {
		m.C2HErrors.Add(1)
	}
}

// RecordDescriptors records descriptors produced and, separately,
// descriptors retired by the completion path.
func (m *Metrics) RecordDescriptors(submitted, completed uint64) {
	m.DescsSubmitted.Add(submitted)
	m.DescsCompleted.Add(completed)
}

// RecordPidxWrite counts one coalesced PIDX MMIO write (§4.3.6).
func (m *Metrics) RecordPidxWrite() { m.PidxWrites.Add(1) }

// RecordCmpt counts CMPT entries consumed in one completion pass.
func (m *Metrics) RecordCmpt(n uint64, err bool) {
	m.CmptConsumed.Add(n)
	if err {
		m.CmptErrors.Add(1)
	}
}

// RecordFreeListRefill counts one free-list refill batch.
func (m *Metrics) RecordFreeListRefill() { m.FreeListRefill.Add(1) }

// RecordMailbox records the outcome of one mailbox round trip.
func (m *Metrics) RecordMailbox(sent, received, retries, timeouts uint64) {
	m.MailboxSent.Add(sent)
	m.MailboxReceived.Add(received)
	m.MailboxRetries.Add(retries)
	m.MailboxTimeouts.Add(timeouts)
}

// RecordInFlight samples the current in-flight descriptor count.
func (m *Metrics) RecordInFlight(n uint32) {
	m.InFlightTotal.Add(uint64(n))
	m.InFlightCount.Add(1)
	for {
		cur := m.MaxInFlight.Load()
		if n <= cur {
			break
		}
		if m.MaxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
}

// RecordLatency records one ping-pong round-trip sample and updates
// the cumulative histogram.
func (m *Metrics) RecordLatency(ns uint64) {
	m.TotalLatencyNs.Add(ns)
	m.LatencySamples.Add(1)
	for i, bucket := range LatencyBuckets {
		if ns <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the tracked queue/device as stopped.
func (m *Metrics) Stop() { m.StopTime.Store(time.Now().UnixNano()) }

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics with
// derived rates and percentiles computed.
type MetricsSnapshot struct {
	H2CRequests uint64
	C2HPackets  uint64
	MMRequests  uint64
	H2CBytes    uint64
	C2HBytes    uint64

	DescsSubmitted uint64
	DescsCompleted uint64
	PidxWrites     uint64
	CmptConsumed   uint64
	FreeListRefill uint64

	H2CErrors  uint64
	C2HErrors  uint64
	CmptErrors uint64

	MailboxSent     uint64
	MailboxReceived uint64
	MailboxRetries  uint64
	MailboxTimeouts uint64

	AvgInFlight float64
	MaxInFlight uint32

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	H2CThroughput float64 // bytes/sec
	C2HThroughput float64
	UptimeNs      uint64
	ErrorRate     float64
}

// Snapshot creates a point-in-time snapshot with derived statistics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		H2CRequests:     m.H2CRequests.Load(),
		C2HPackets:      m.C2HPackets.Load(),
		MMRequests:      m.MMRequests.Load(),
		H2CBytes:        m.H2CBytes.Load(),
		C2HBytes:        m.C2HBytes.Load(),
		DescsSubmitted:  m.DescsSubmitted.Load(),
		DescsCompleted:  m.DescsCompleted.Load(),
		PidxWrites:      m.PidxWrites.Load(),
		CmptConsumed:    m.CmptConsumed.Load(),
		FreeListRefill:  m.FreeListRefill.Load(),
		H2CErrors:       m.H2CErrors.Load(),
		C2HErrors:       m.C2HErrors.Load(),
		CmptErrors:      m.CmptErrors.Load(),
		MailboxSent:     m.MailboxSent.Load(),
		MailboxReceived: m.MailboxReceived.Load(),
		MailboxRetries:  m.MailboxRetries.Load(),
		MailboxTimeouts: m.MailboxTimeouts.Load(),
		MaxInFlight:     m.MaxInFlight.Load(),
	}

	if c := m.InFlightCount.Load(); c > 0 {
		s.AvgInFlight = float64(m.InFlightTotal.Load()) / float64(c)
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		s.UptimeNs = uint64(stopTime - startTime)
	} else {
		s.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if s.UptimeNs > 0 {
		seconds := float64(s.UptimeNs) / 1e9
		s.H2CThroughput = float64(s.H2CBytes) / seconds
		s.C2HThroughput = float64(s.C2HBytes) / seconds
	}

	totalErrors := s.H2CErrors + s.C2HErrors + s.CmptErrors
	totalOps := s.H2CRequests + s.C2HPackets + s.MMRequests
	if totalOps > 0 {
		s.ErrorRate = float64(totalErrors) / float64(totalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		s.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if samples := m.LatencySamples.Load(); samples > 0 {
		s.AvgLatencyNs = m.TotalLatencyNs.Load() / samples
		s.LatencyP50Ns = m.percentile(0.50)
		s.LatencyP99Ns = m.percentile(0.99)
		s.LatencyP999Ns = m.percentile(0.999)
	}

	return s
}

// percentile estimates the latency at the given percentile (0.0-1.0)
// by linear interpolation between histogram buckets.
func (m *Metrics) percentile(p float64) uint64 {
	total := m.LatencySamples.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.LatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			frac := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(frac*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters and restarts the lifecycle clock. Intended
// for test harnesses that reuse one Metrics across scenarios.
func (m *Metrics) Reset() {
	*m = Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
}

// Observer allows pluggable metrics collection without a hard
// dependency on *Metrics — the root Device takes one through
// Options.Observer so a caller can plug in their own exporter.
type Observer interface {
	ObserveH2C(bytes uint64, success bool)
	ObserveC2H(bytes uint64, success bool)
	ObserveDescriptors(submitted, completed uint64)
	ObserveCmpt(n uint64, err bool)
	ObserveMailbox(sent, received, retries, timeouts uint64)
	ObserveInFlight(n uint32)
	ObserveLatency(ns uint64)
}

// NoOpObserver discards everything. Open does not install it: with no
// Observer configured, a Device records into its own Metrics().
type NoOpObserver struct{}

func (NoOpObserver) ObserveH2C(uint64, bool)                       {}
func (NoOpObserver) ObserveC2H(uint64, bool)                       {}
func (NoOpObserver) ObserveDescriptors(uint64, uint64)             {}
func (NoOpObserver) ObserveCmpt(uint64, bool)                      {}
func (NoOpObserver) ObserveMailbox(uint64, uint64, uint64, uint64) {}
func (NoOpObserver) ObserveInFlight(uint32)                        {}
func (NoOpObserver) ObserveLatency(uint64)                         {}

// MetricsObserver implements Observer by recording into a *Metrics.
type MetricsObserver struct{ metrics *Metrics }

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver { return &MetricsObserver{metrics: m} }

func (o *MetricsObserver) ObserveH2C(bytes uint64, success bool) { o.metrics.RecordH2C(bytes, success) }
func (o *MetricsObserver) ObserveC2H(bytes uint64, success bool) { o.metrics.RecordC2H(bytes, success) }
func (o *MetricsObserver) ObserveDescriptors(submitted, completed uint64) {
	o.metrics.RecordDescriptors(submitted, completed)
}
func (o *MetricsObserver) ObserveCmpt(n uint64, err bool) { o.metrics.RecordCmpt(n, err) }
func (o *MetricsObserver) ObserveMailbox(sent, received, retries, timeouts uint64) {
	o.metrics.RecordMailbox(sent, received, retries, timeouts)
}
func (o *MetricsObserver) ObserveInFlight(n uint32) { o.metrics.RecordInFlight(n) }
func (o *MetricsObserver) ObserveLatency(ns uint64) { o.metrics.RecordLatency(ns) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
