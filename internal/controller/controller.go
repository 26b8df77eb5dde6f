// Package controller is a minimal session manager for link-layer interfaces.
// It tracks the remote endpoints each interface reaches, keyed by the
// interface's endpoint keys, and exchanges raw payloads with them.
//
// Interfaces deliver inbound messages on the event loop goroutine. The
// endpoint table is guarded by a mutex so that Endpoints and Stats may be
// read from other goroutines, such as the health server.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/muti-link/internal/crypto"
	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/wire"
)

const (
	// DefaultMaxEndpoints bounds the endpoint table when Config.MaxEndpoints
	// is zero.
	DefaultMaxEndpoints = 256

	// sendPadding is the headroom reserved in front of outgoing messages.
	sendPadding = 64
)

var (
	// ErrUnknownEndpoint is returned by Send for keys not in the table.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrUnknownInterface is returned by InsertEndpoint for interfaces that
	// never registered.
	ErrUnknownInterface = errors.New("interface not registered")
)

// Config contains configuration for the controller.
type Config struct {
	// PrivateKey is the local X25519 key. The zero key generates a new one.
	PrivateKey [crypto.KeySize]byte

	// MaxEndpoints bounds the endpoint table.
	MaxEndpoints int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnMessage receives every inbound payload with its key removed. The
	// payload is only valid for the duration of the call.
	OnMessage func(ep *Endpoint, payload []byte)
}

// Endpoint is a remote peer reachable through one interface.
type Endpoint struct {
	Key       iface.Key
	Interface iface.Interface

	// PublicKey is zero for endpoints learned from unsolicited traffic.
	PublicKey     [crypto.KeySize]byte
	Authenticated bool

	// LinkKey is derived from the X25519 shared secret and the password.
	LinkKey [crypto.KeySize]byte

	Added    time.Time
	LastSeen time.Time

	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
}

// Stats is a snapshot of controller counters.
type Stats struct {
	Interfaces    int
	Endpoints     int
	Authenticated int
	PacketsIn     uint64
	PacketsOut    uint64
	Dropped       uint64
}

// Controller implements iface.Controller.
type Controller struct {
	privateKey [crypto.KeySize]byte
	publicKey  [crypto.KeySize]byte
	maxEPs     int
	onMessage  func(*Endpoint, []byte)
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu         sync.RWMutex
	interfaces []iface.Interface
	endpoints  map[iface.Key]*Endpoint
	packetsIn  uint64
	packetsOut uint64
	dropped    uint64
}

var _ iface.Controller = (*Controller)(nil)

// New creates a controller.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	maxEPs := cfg.MaxEndpoints
	if maxEPs <= 0 {
		maxEPs = DefaultMaxEndpoints
	}

	priv := cfg.PrivateKey
	if crypto.IsZero(priv) {
		var err error
		priv, _, err = crypto.GenerateKeypair()
		if err != nil {
			return nil, fmt.Errorf("generate controller key: %w", err)
		}
	}

	c := &Controller{
		privateKey: priv,
		publicKey:  crypto.PublicKey(priv),
		maxEPs:     maxEPs,
		onMessage:  cfg.OnMessage,
		logger:     logger.With(logging.KeyComponent, "controller"),
		metrics:    m,
		endpoints:  make(map[iface.Key]*Endpoint),
	}
	c.logger.Debug("controller created", logging.KeyPublicKey, crypto.EncodeKey(c.publicKey))
	return c, nil
}

// PublicKey returns the local X25519 public key.
func (c *Controller) PublicKey() [crypto.KeySize]byte {
	return c.publicKey
}

// RegisterInterface stores i and installs the controller as its receiver.
func (c *Controller) RegisterInterface(i iface.Interface) {
	c.mu.Lock()
	c.interfaces = append(c.interfaces, i)
	c.mu.Unlock()

	i.SetReceiver(func(msg *wire.Message) error {
		return c.receive(i, msg)
	})
	c.metrics.RecordInterfaceRegistered()
	c.logger.Info("interface registered", logging.KeyInterface, interfaceName(i))
}

// InsertEndpoint adds or updates the endpoint at key on interface i.
// publicKey must be a usable X25519 point. It returns iface.ErrBadKey for an
// unusable key and iface.ErrOutOfSpace when the table is full.
func (c *Controller) InsertEndpoint(key iface.Key, publicKey [iface.PublicKeySize]byte, password []byte, i iface.Interface) error {
	shared, err := crypto.ComputeECDH(c.privateKey, publicKey)
	if err != nil {
		c.metrics.RecordEndpointInsert(metrics.InsertBadKey)
		return fmt.Errorf("%w: %v", iface.ErrBadKey, err)
	}
	linkKey := crypto.DeriveLinkKey(shared, password, c.publicKey, publicKey)
	crypto.ZeroKey(&shared)

	c.mu.Lock()
	if !c.registeredLocked(i) {
		c.mu.Unlock()
		return ErrUnknownInterface
	}

	ep, exists := c.endpoints[key]
	result := metrics.InsertUpdated
	if !exists {
		if len(c.endpoints) >= c.maxEPs {
			c.mu.Unlock()
			c.metrics.RecordEndpointInsert(metrics.InsertOutOfSpace)
			return iface.ErrOutOfSpace
		}
		ep = &Endpoint{Key: key, Added: time.Now()}
		c.endpoints[key] = ep
		result = metrics.InsertOK
	}
	ep.Interface = i
	ep.PublicKey = publicKey
	ep.LinkKey = linkKey
	ep.Authenticated = true
	count := len(c.endpoints)
	c.mu.Unlock()

	c.metrics.RecordEndpointInsert(result)
	c.metrics.SetEndpointsActive(count)
	c.logger.Info("endpoint inserted",
		logging.KeyInterface, interfaceName(i),
		logging.KeyEndpoint, fmt.Sprintf("%x", key[:]),
		logging.KeyPublicKey, crypto.ShortKey(publicKey))
	return nil
}

// RemoveEndpoint deletes the endpoint at key. It reports whether one existed.
func (c *Controller) RemoveEndpoint(key iface.Key) bool {
	c.mu.Lock()
	_, ok := c.endpoints[key]
	delete(c.endpoints, key)
	count := len(c.endpoints)
	c.mu.Unlock()

	if ok {
		c.metrics.SetEndpointsActive(count)
	}
	return ok
}

// receive handles one inbound message from interface i.
func (c *Controller) receive(i iface.Interface, msg *wire.Message) error {
	if msg.Len() < iface.KeySize {
		c.drop(metrics.DropUndersize)
		return wire.ErrUndersizeMessage
	}
	var key iface.Key
	copy(key[:], msg.Bytes())

	c.mu.Lock()
	ep, ok := c.endpoints[key]
	learned := false
	if !ok {
		if len(c.endpoints) >= c.maxEPs {
			c.dropped++
			c.mu.Unlock()
			c.metrics.RecordControllerDrop(metrics.DropUnknownEndpoint)
			return wire.ErrUndeliverable
		}
		ep = &Endpoint{Key: key, Interface: i, Added: time.Now()}
		c.endpoints[key] = ep
		learned = true
	}
	// Replies leave through the interface the endpoint was last heard on.
	ep.Interface = i
	ep.LastSeen = time.Now()
	ep.PacketsIn++
	ep.BytesIn += uint64(msg.Len() - iface.KeySize)
	c.packetsIn++
	snapshot := *ep
	count := len(c.endpoints)
	c.mu.Unlock()

	if learned {
		c.metrics.RecordEndpointInsert(metrics.InsertLearned)
		c.metrics.SetEndpointsActive(count)
		c.logger.Debug("learned endpoint",
			logging.KeyInterface, interfaceName(i),
			logging.KeyEndpoint, fmt.Sprintf("%x", key[:]))
	}

	if err := msg.Shift(-iface.KeySize); err != nil {
		return err
	}
	if c.onMessage != nil {
		c.onMessage(&snapshot, msg.Bytes())
	}
	return nil
}

func (c *Controller) drop(reason string) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	c.metrics.RecordControllerDrop(reason)
}

// Send delivers payload to the endpoint at key through the interface it was
// last associated with. Interface errors are returned unchanged. It must run
// on the goroutine that drives the interface's event loop.
func (c *Controller) Send(key iface.Key, payload []byte) error {
	c.mu.RLock()
	ep, ok := c.endpoints[key]
	var out iface.Interface
	if ok {
		out = ep.Interface
	}
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownEndpoint, key[:])
	}

	msg := wire.NewMessage(iface.KeySize+len(payload), sendPadding)
	copy(msg.Bytes(), key[:])
	copy(msg.Bytes()[iface.KeySize:], payload)

	if err := out.SendMessage(msg); err != nil {
		return err
	}

	c.mu.Lock()
	if ep, ok := c.endpoints[key]; ok {
		ep.PacketsOut++
		ep.BytesOut += uint64(len(payload))
	}
	c.packetsOut++
	c.mu.Unlock()
	return nil
}

// Endpoint returns a copy of the endpoint at key.
func (c *Controller) Endpoint(key iface.Key) (*Endpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[key]
	if !ok {
		return nil, false
	}
	cp := *ep
	return &cp, true
}

// Endpoints returns copies of all endpoints.
func (c *Controller) Endpoints() []*Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		cp := *ep
		out = append(out, &cp)
	}
	return out
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Interfaces: len(c.interfaces),
		Endpoints:  len(c.endpoints),
		PacketsIn:  c.packetsIn,
		PacketsOut: c.packetsOut,
		Dropped:    c.dropped,
	}
	for _, ep := range c.endpoints {
		if ep.Authenticated {
			s.Authenticated++
		}
	}
	return s
}

func (c *Controller) registeredLocked(i iface.Interface) bool {
	for _, r := range c.interfaces {
		if r == i {
			return true
		}
	}
	return false
}

func interfaceName(i iface.Interface) string {
	if s, ok := i.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", i)
}
