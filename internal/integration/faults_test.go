package integration

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/muti-link/internal/agent"
	"github.com/postalsys/muti-link/internal/chaos"
	"github.com/postalsys/muti-link/internal/config"
	"github.com/postalsys/muti-link/internal/controller"
	"github.com/postalsys/muti-link/internal/crypto"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/wire"
)

// faultyPair starts a node and a second node that knows it as a peer.
// Each node gets its own fault injector.
func faultyPair(t *testing.T, first, second *chaos.FaultInjector) (a, b *agent.Agent, gotA *atomic.Int64) {
	t.Helper()
	gotA = new(atomic.Int64)

	cfgA := config.Default()
	cfgA.UDP.Bind = "127.0.0.1:0"
	a, err := agent.New(cfgA, agent.Options{
		Logger: logging.NopLogger(),
		Faults: first,
		OnMessage: func(ep *controller.Endpoint, payload []byte) {
			gotA.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("node A: %v", err)
	}
	t.Cleanup(func() { a.Stop() })

	cfgB := config.Default()
	cfgB.UDP.Bind = "127.0.0.1:0"
	cfgB.Peers = []config.PeerConfig{{
		Address:   a.LocalAddr().String(),
		PublicKey: crypto.EncodeKey(a.PublicKey()),
	}}
	b, err = agent.New(cfgB, agent.Options{
		Logger: logging.NopLogger(),
		Faults: second,
	})
	if err != nil {
		t.Fatalf("node B: %v", err)
	}
	t.Cleanup(func() { b.Stop() })

	for _, n := range []*agent.Agent{a, b} {
		if err := n.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	return a, b, gotA
}

func waitCount(t *testing.T, c *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for c.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("received %d messages, want %d", c.Load(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFaults_SendBackpressure(t *testing.T) {
	faults := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultErrorSend,
		Probability: 1,
	})
	a, b, gotA := faultyPair(t, nil, faults)

	err := b.Send(a.LocalAddr(), []byte("blocked"))
	var code wire.Error
	if !errors.As(err, &code) || !code.Retryable() {
		t.Fatalf("Send() error = %v, want a retryable link error", err)
	}

	faults.Disable()
	if err := b.Send(a.LocalAddr(), []byte("retried")); err != nil {
		t.Fatalf("Send() after recovery error = %v", err)
	}
	waitCount(t, gotA, 1)

	if hits := faults.GetStats()[chaos.FaultErrorSend]; hits != 1 {
		t.Errorf("error_send hits = %d, want 1", hits)
	}
}

func TestFaults_InboundLoss(t *testing.T) {
	faults := chaos.NewFaultInjector(chaos.FaultConfig{
		Type:        chaos.FaultDropReceive,
		Probability: 1,
	})
	a, b, gotA := faultyPair(t, faults, nil)

	const lost = 5
	for i := 0; i < lost; i++ {
		if err := b.Send(a.LocalAddr(), []byte("lost")); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for faults.GetStats()[chaos.FaultDropReceive] < lost {
		if time.Now().After(deadline) {
			t.Fatalf("drop_receive hits = %d, want %d", faults.GetStats()[chaos.FaultDropReceive], lost)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := gotA.Load(); n != 0 {
		t.Fatalf("node A received %d messages through a dropping link", n)
	}
	if s := a.Stats(); s.Endpoints != 0 {
		t.Errorf("node A learned %d endpoints from dropped traffic", s.Endpoints)
	}

	faults.Disable()
	if err := b.Send(a.LocalAddr(), []byte("delivered")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitCount(t, gotA, 1)
}
