package udpif

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-link/internal/eventloop"
	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/scope"
)

const (
	// Padding is the headroom reserved in front of every received message.
	Padding = 512

	// MaxPacketSize is the largest message, key included, that is received.
	MaxPacketSize = 8192

	// transportName labels this interface's metrics.
	transportName = "udp"

	defaultSendErrorLogRate  = 10
	defaultSendErrorLogBurst = 10
)

// Construction errors.
var (
	ErrInvalidConfig        = errors.New("invalid UDP interface config")
	ErrParseAddress         = errors.New("failed to parse address")
	ErrProtocolNotSupported = errors.New("address family unsupported")
	ErrBindFailed           = errors.New("failed to bind socket")
	ErrSocketName           = errors.New("failed to get socket name")
	ErrFailedCreatingEvent  = errors.New("failed to create UDP interface event")
)

// BeginConnection errors.
var (
	ErrBadAddress      = errors.New("bad address")
	ErrAddressMismatch = errors.New("address length does not match bound address")
	ErrBadKey          = errors.New("bad key")
	ErrOutOfSpace      = errors.New("out of space")
	ErrUnknown         = errors.New("unknown error")
)

// Config holds the dependencies and settings of a UDP interface.
type Config struct {
	// Loop drives the interface. Required.
	Loop *eventloop.Loop

	// BindAddress is a numeric "host:port". Empty binds the IPv4 wildcard
	// address on an ephemeral port.
	BindAddress string

	// Scope owns the socket and event registration; both are released when
	// it closes. Required.
	Scope *scope.Scope

	// Controller receives the interface registration and endpoint inserts.
	// Required.
	Controller iface.Controller

	// Logger defaults to a discarding logger.
	Logger *slog.Logger

	// Metrics defaults to a private registry.
	Metrics *metrics.Metrics

	// SendErrorLogRate limits "error sending to socket" lines per second.
	// Zero uses the default, negative disables the limit.
	SendErrorLogRate float64

	// SendErrorLogBurst is the number of lines allowed at once.
	SendErrorLogBurst int
}

// Interface is a UDP link-layer interface.
type Interface struct {
	fd       int
	addr     *unix.SockaddrInet4
	addrLen  int
	keySize  int
	event    *eventloop.Event
	receiver iface.ReceiveFunc

	controller iface.Controller
	logger     *slog.Logger
	metrics    *metrics.Metrics
	errLog     *rate.Limiter

	recvBuf []byte

	// Socket calls, replaceable in tests.
	sendto   func(fd int, p []byte, flags int, to unix.Sockaddr) error
	recvfrom func(fd int, p []byte, flags int) (int, unix.Sockaddr, error)
}

var _ iface.Interface = (*Interface)(nil)

// New opens a UDP socket, binds it, registers it with the event loop and the
// controller, and ties its lifetime to cfg.Scope.
func New(cfg Config) (*Interface, error) {
	if cfg.Loop == nil || cfg.Scope == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("%w: loop, scope and controller are required", ErrInvalidConfig)
	}
	if cfg.Scope.Closed() {
		return nil, fmt.Errorf("%w: scope already closed", ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}

	u := &Interface{
		fd:         -1,
		keySize:    effectiveKeySize,
		controller: cfg.Controller,
		metrics:    m,
		errLog:     newErrorLimiter(cfg.SendErrorLogRate, cfg.SendErrorLogBurst),
		recvBuf:    make([]byte, Padding+MaxPacketSize),
		sendto:     unix.Sendto,
		recvfrom:   unix.Recvfrom,
	}

	bindAddr := &unix.SockaddrInet4{}
	if cfg.BindAddress != "" {
		sa, n, err := parseSockaddr(cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrParseAddress, cfg.BindAddress, err)
		}
		// Keys are only 8 bytes. Ethernet, 802.11 and IPv4 fit; growing the
		// key for IPv6 alone is not worth it.
		sa4, ok := sa.(*unix.SockaddrInet4)
		if !ok || n != sizeofSockaddrInet4 {
			return nil, fmt.Errorf("%w: only IPv4 is supported, got %q", ErrProtocolNotSupported, cfg.BindAddress)
		}
		bindAddr = sa4
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrBindFailed, err)
	}
	unix.CloseOnExec(fd)

	if err := unix.Bind(fd, bindAddr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind %s: %v", ErrBindFailed, addrPort(bindAddr), err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrSocketName, err)
	}
	local, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: unexpected socket name %T", ErrSocketName, sa)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: set non-blocking: %v", ErrBindFailed, err)
	}

	u.fd = fd
	u.addr = local
	u.addrLen = sockaddrLen(local)
	u.logger = logger.With(
		logging.KeyComponent, "udpif",
		logging.KeyLocalAddr, addrPort(local).String(),
	)

	u.event, err = cfg.Loop.AddReadEvent(fd, u.handleEvent)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %v", ErrFailedCreatingEvent, err)
	}

	cfg.Scope.OnClose(u.release)

	cfg.Controller.RegisterInterface(u)

	u.logger.Info("UDP interface bound")
	return u, nil
}

func newErrorLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond < 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if perSecond == 0 {
		perSecond = defaultSendErrorLogRate
	}
	if burst <= 0 {
		burst = defaultSendErrorLogBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// release removes the event registration and closes the socket.
func (u *Interface) release() {
	if err := u.event.Del(); err != nil {
		u.logger.Warn("failed to remove UDP interface event", logging.KeyError, err)
	}
	if err := unix.Close(u.fd); err != nil {
		u.logger.Warn("failed to close UDP socket", logging.KeyError, err)
	}
	u.fd = -1
	u.logger.Debug("UDP interface released")
}

// SetReceiver installs the upstream callback for inbound messages.
func (u *Interface) SetReceiver(fn iface.ReceiveFunc) {
	u.receiver = fn
}

// LocalAddr returns the address the socket is bound to.
func (u *Interface) LocalAddr() netip.AddrPort {
	return addrPort(u.addr)
}

// AddrLen returns the length of the bound socket address.
func (u *Interface) AddrLen() int {
	return u.addrLen
}

// Fd returns the socket descriptor, or -1 once released.
func (u *Interface) Fd() int {
	return u.fd
}

// String returns a description for logs.
func (u *Interface) String() string {
	return "udp/" + u.LocalAddr().String()
}

// BeginConnection registers a known remote endpoint with the controller.
// address is a numeric "host:port"; password may be nil.
func (u *Interface) BeginConnection(address string, publicKey [iface.PublicKeySize]byte, password []byte) error {
	sa, n, err := parseSockaddr(address)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrBadAddress, address, err)
	}
	if n != u.addrLen {
		return fmt.Errorf("%w: %q", ErrAddressMismatch, address)
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return fmt.Errorf("%w: %q", ErrAddressMismatch, address)
	}

	raw := rawFromSockaddr(sa4)
	var key iface.Key
	u.keyForSockaddr(key[:], &raw)

	err = u.controller.InsertEndpoint(key, publicKey, password, u)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, iface.ErrBadKey):
		return ErrBadKey
	case errors.Is(err, iface.ErrOutOfSpace):
		return ErrOutOfSpace
	default:
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}
}
