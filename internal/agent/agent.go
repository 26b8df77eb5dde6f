// Package agent assembles a Muti Link node: one event loop driving a UDP
// interface, the endpoint controller on top of it, and the optional health
// server.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/postalsys/muti-link/internal/chaos"
	"github.com/postalsys/muti-link/internal/config"
	"github.com/postalsys/muti-link/internal/controller"
	"github.com/postalsys/muti-link/internal/crypto"
	"github.com/postalsys/muti-link/internal/eventloop"
	"github.com/postalsys/muti-link/internal/health"
	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/scope"
	"github.com/postalsys/muti-link/internal/udpif"
)

// MessageHandler receives inbound payloads on the event loop. The payload is
// only valid for the duration of the call. A handler must not call
// Agent.Send, which waits for the loop.
type MessageHandler func(ep *controller.Endpoint, payload []byte)

// ErrNotRunning is returned by Send when the event loop is not running.
var ErrNotRunning = errors.New("agent not running")

// Options carries optional dependencies for New.
type Options struct {
	// Logger overrides the logger built from the agent config.
	Logger *slog.Logger

	// OnMessage receives every inbound payload. Nil logs them at debug.
	OnMessage MessageHandler

	// Faults, when set, injects drops and errors into the UDP interface's
	// traffic.
	Faults *chaos.FaultInjector
}

// Summary is a snapshot of traffic totals, for shutdown reports.
type Summary struct {
	Uptime     time.Duration
	Endpoints  int
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	Dropped    uint64
}

// Agent is a running link-layer node.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	loop  *eventloop.Loop
	scope *scope.Scope
	ctrl  *controller.Controller
	udp   *udpif.Interface

	healthServer *health.Server
	onMessage    MessageHandler

	// sendMu is held shared by Send while its work is on the loop and
	// exclusively by Stop to turn new senders away.
	sendMu   sync.RWMutex
	stopping bool

	// State
	running   atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	stopOnce  sync.Once
}

// New builds a node from cfg. The UDP socket is bound and configured peers
// are registered, but no traffic is processed until Start.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
	}

	var privateKey [crypto.KeySize]byte
	if cfg.Agent.PrivateKey != "" {
		var err error
		privateKey, err = crypto.ParseKey(cfg.Agent.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("parse agent.private_key: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   metrics.NewMetricsWithRegistry(registry),
		onMessage: opts.OnMessage,
		done:      make(chan struct{}),
	}
	if a.onMessage == nil {
		a.onMessage = a.logMessage
	}

	loop, err := eventloop.New(logger)
	if err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}
	a.loop = loop
	a.scope = scope.New()

	a.ctrl, err = controller.New(controller.Config{
		PrivateKey:   privateKey,
		MaxEndpoints: cfg.Controller.MaxEndpoints,
		Logger:       logger,
		Metrics:      a.metrics,
		OnMessage: func(ep *controller.Endpoint, payload []byte) {
			a.onMessage(ep, payload)
		},
	})
	if err != nil {
		a.release()
		return nil, err
	}

	var ctrl iface.Controller = a.ctrl
	if opts.Faults != nil {
		ctrl = chaos.Wrap(a.ctrl, opts.Faults)
	}

	a.udp, err = udpif.New(udpif.Config{
		Loop:              loop,
		BindAddress:       cfg.UDP.Bind,
		Scope:             a.scope.Child(),
		Controller:        ctrl,
		Logger:            logger,
		Metrics:           a.metrics,
		SendErrorLogRate:  cfg.UDP.SendErrorLogRate,
		SendErrorLogBurst: cfg.UDP.SendErrorLogBurst,
	})
	if err != nil {
		a.release()
		return nil, fmt.Errorf("create UDP interface: %w", err)
	}

	for _, p := range cfg.Peers {
		a.addPeer(p)
	}

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     registry,
		}, a)
	}

	return a, nil
}

// addPeer registers a configured peer. Failures are logged; one bad peer
// does not keep the node from starting.
func (a *Agent) addPeer(p config.PeerConfig) {
	pub, err := crypto.ParsePublicKey(p.PublicKey)
	if err != nil {
		a.logger.Error("invalid peer public key",
			logging.KeyRemoteAddr, p.Address,
			logging.KeyError, err)
		return
	}

	if err := a.udp.BeginConnection(p.Address, pub, []byte(p.Password)); err != nil {
		a.logger.Error("failed to add peer",
			logging.KeyRemoteAddr, p.Address,
			logging.KeyPublicKey, crypto.ShortKey(pub),
			logging.KeyError, err)
		return
	}
	a.logger.Info("peer added",
		logging.KeyRemoteAddr, p.Address,
		logging.KeyPublicKey, crypto.ShortKey(pub))
}

func (a *Agent) logMessage(ep *controller.Endpoint, payload []byte) {
	a.logger.Debug("message received",
		logging.KeyRemoteAddr, udpif.AddrPortForKey(ep.Key).String(),
		logging.KeyBytes, len(payload))
}

// Start runs the event loop on its own goroutine and starts the health
// server when enabled.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}

	if a.healthServer != nil {
		if err := a.healthServer.Start(); err != nil {
			return fmt.Errorf("start health server: %w", err)
		}
		a.logger.Info("health server started",
			logging.KeyLocalAddr, a.healthServer.Address().String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.startedAt = time.Now()
	a.running.Store(true)

	go func() {
		defer close(a.done)
		err := a.loop.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			a.runErr = err
			a.logger.Error("event loop failed", logging.KeyError, err)
		}
		a.running.Store(false)
	}()

	a.logger.Info("agent started",
		logging.KeyLocalAddr, a.udp.LocalAddr().String(),
		logging.KeyPublicKey, crypto.EncodeKey(a.ctrl.PublicKey()))
	return nil
}

// Done is closed once the event loop has exited.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Stop halts the event loop, then releases the socket and the loop.
// It returns the loop's error, if it failed.
func (a *Agent) Stop() error {
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")

		a.sendMu.Lock()
		a.stopping = true
		a.sendMu.Unlock()

		if a.cancel != nil {
			a.cancel()
			<-a.done
		}
		if a.healthServer != nil {
			a.healthServer.Stop()
		}
		a.release()

		a.logger.Info("agent stopped")
	})
	return a.runErr
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) release() {
	if a.scope != nil {
		a.scope.Close()
	}
	if a.loop != nil {
		a.loop.Close()
	}
}

// IsRunning returns true if the event loop is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// LocalAddr returns the UDP interface's bound address.
func (a *Agent) LocalAddr() netip.AddrPort {
	return a.udp.LocalAddr()
}

// PublicKey returns the node's X25519 public key.
func (a *Agent) PublicKey() [crypto.KeySize]byte {
	return a.ctrl.PublicKey()
}

// Registry returns the node's metrics registry.
func (a *Agent) Registry() *prometheus.Registry {
	return a.registry
}

// Send delivers payload to the endpoint at addr. The send runs on the event
// loop; Send blocks until it has. It may be called from any goroutine except
// a MessageHandler, and returns ErrNotRunning unless the node is started and
// not stopping.
func (a *Agent) Send(addr netip.AddrPort, payload []byte) error {
	key, err := udpif.KeyForAddrPort(addr)
	if err != nil {
		return err
	}

	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.stopping || !a.running.Load() {
		return ErrNotRunning
	}

	result := make(chan error, 1)
	if err := a.loop.Post(func() {
		result <- a.ctrl.Send(key, payload)
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}

	select {
	case err := <-result:
		return err
	case <-a.done:
		// The loop may have run the send just before exiting.
		select {
		case err := <-result:
			return err
		default:
			return ErrNotRunning
		}
	}
}

// Stats implements health.StatsProvider.
func (a *Agent) Stats() health.Stats {
	s := a.ctrl.Stats()
	return health.Stats{
		Interfaces:    s.Interfaces,
		Endpoints:     s.Endpoints,
		Authenticated: s.Authenticated,
		PacketsIn:     s.PacketsIn,
		PacketsOut:    s.PacketsOut,
		Dropped:       s.Dropped,
	}
}

// Endpoints implements health.EndpointProvider.
func (a *Agent) Endpoints() []health.EndpointInfo {
	eps := a.ctrl.Endpoints()
	out := make([]health.EndpointInfo, 0, len(eps))
	for _, ep := range eps {
		info := health.EndpointInfo{
			Key:           fmt.Sprintf("%x", ep.Key[:]),
			Address:       udpif.AddrPortForKey(ep.Key).String(),
			Interface:     interfaceName(ep.Interface),
			Authenticated: ep.Authenticated,
			LastSeen:      ep.LastSeen,
			PacketsIn:     ep.PacketsIn,
			PacketsOut:    ep.PacketsOut,
			BytesIn:       ep.BytesIn,
			BytesOut:      ep.BytesOut,
		}
		if !crypto.IsZero(ep.PublicKey) {
			info.PublicKey = crypto.EncodeKey(ep.PublicKey)
		}
		out = append(out, info)
	}
	return out
}

// Summary returns traffic totals since Start.
func (a *Agent) Summary() Summary {
	s := a.ctrl.Stats()
	sum := Summary{
		Endpoints:  s.Endpoints,
		PacketsIn:  s.PacketsIn,
		PacketsOut: s.PacketsOut,
		Dropped:    s.Dropped,
	}
	if !a.startedAt.IsZero() {
		sum.Uptime = time.Since(a.startedAt)
	}
	for _, ep := range a.ctrl.Endpoints() {
		sum.BytesIn += ep.BytesIn
		sum.BytesOut += ep.BytesOut
	}
	return sum
}

func interfaceName(i iface.Interface) string {
	if s, ok := i.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", i)
}
