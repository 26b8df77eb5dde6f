// Package loadtest generates datagram load against a link and measures what
// gets through.
package loadtest

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/muti-link/internal/wire"
)

// SendFunc sends one datagram payload. It must not retain payload.
type SendFunc func(payload []byte) error

// DatagramMetrics contains metrics from a datagram load run.
type DatagramMetrics struct {
	Sent             int64
	Backpressure     int64 // retryable link errors
	Failed           int64
	BytesSent        int64
	Duration         time.Duration
	PacketsPerSecond float64
	ThroughputMBps   float64
}

// DatagramLoadGenerator sends fixed-size datagrams from concurrent workers.
type DatagramLoadGenerator struct {
	concurrency int
	payloadSize int
	duration    time.Duration
	limiter     *rate.Limiter

	seq     atomic.Uint64
	metrics DatagramMetrics
	mu      sync.Mutex
}

// NewDatagramLoadGenerator creates a new datagram load generator. Payloads
// shorter than 8 bytes are raised to 8 so each carries a sequence number.
func NewDatagramLoadGenerator(concurrency, payloadSize int, duration time.Duration) *DatagramLoadGenerator {
	if concurrency < 1 {
		concurrency = 1
	}
	if payloadSize < 8 {
		payloadSize = 8
	}
	return &DatagramLoadGenerator{
		concurrency: concurrency,
		payloadSize: payloadSize,
		duration:    duration,
	}
}

// WithRate caps the combined send rate of all workers.
func (g *DatagramLoadGenerator) WithRate(packetsPerSecond float64, burst int) *DatagramLoadGenerator {
	if packetsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(packetsPerSecond), burst)
	}
	return g
}

// Run sends until the duration elapses or ctx is cancelled.
func (g *DatagramLoadGenerator) Run(ctx context.Context, send SendFunc) (*DatagramMetrics, error) {
	if send == nil {
		return nil, fmt.Errorf("loadtest: nil send function")
	}

	ctx, cancel := context.WithTimeout(ctx, g.duration)
	defer cancel()

	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < g.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.runWorker(ctx, send)
		}()
	}

	wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.Duration = time.Since(startTime)

	// Calculate derived metrics
	if g.metrics.Duration > 0 {
		seconds := g.metrics.Duration.Seconds()
		g.metrics.PacketsPerSecond = float64(g.metrics.Sent) / seconds
		g.metrics.ThroughputMBps = float64(g.metrics.BytesSent) / (1024 * 1024) / seconds
	}

	m := g.metrics
	return &m, nil
}

func (g *DatagramLoadGenerator) runWorker(ctx context.Context, send SendFunc) {
	payload := make([]byte, g.payloadSize)
	rand.Read(payload)

	var sent, backpressure, failed, bytes int64
	defer func() {
		g.mu.Lock()
		g.metrics.Sent += sent
		g.metrics.Backpressure += backpressure
		g.metrics.Failed += failed
		g.metrics.BytesSent += bytes
		g.mu.Unlock()
	}()

	for {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
		} else {
			select {
			case <-ctx.Done():
				return
			default:
			}
		}

		binary.BigEndian.PutUint64(payload, g.seq.Add(1))

		err := send(payload)
		var code wire.Error
		switch {
		case err == nil:
			sent++
			bytes += int64(len(payload))
		case errors.As(err, &code) && code.Retryable():
			backpressure++
			runtime.Gosched()
		default:
			failed++
		}
	}
}

// Sink counts datagrams on the receiving side.
type Sink struct {
	packets atomic.Int64
	bytes   atomic.Int64
	last    atomic.Uint64
}

// Record counts one received payload.
func (s *Sink) Record(payload []byte) {
	s.packets.Add(1)
	s.bytes.Add(int64(len(payload)))
	if len(payload) >= 8 {
		s.last.Store(binary.BigEndian.Uint64(payload))
	}
}

// Packets returns the number of payloads recorded.
func (s *Sink) Packets() int64 { return s.packets.Load() }

// Bytes returns the number of payload bytes recorded.
func (s *Sink) Bytes() int64 { return s.bytes.Load() }

// LastSequence returns the sequence number of the latest payload.
func (s *Sink) LastSequence() uint64 { return s.last.Load() }

// LossPercent returns the share of sent datagrams that did not arrive.
func LossPercent(sent, received int64) float64 {
	if sent <= 0 || received >= sent {
		return 0
	}
	return float64(sent-received) * 100 / float64(sent)
}
