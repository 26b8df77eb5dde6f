package chaos

import (
	"fmt"
	"sync"

	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/wire"
)

// Interface wraps a link-layer interface and applies faults to its traffic.
type Interface struct {
	inner  iface.Interface
	faults *FaultInjector
}

var _ iface.Interface = (*Interface)(nil)

// NewInterface wraps inner with faults.
func NewInterface(inner iface.Interface, faults *FaultInjector) *Interface {
	return &Interface{inner: inner, faults: faults}
}

// Unwrap returns the wrapped interface.
func (i *Interface) Unwrap() iface.Interface {
	return i.inner
}

// SendMessage forwards msg unless a send fault hits. A dropped message
// reports success, the same as a datagram lost on the wire.
func (i *Interface) SendMessage(msg *wire.Message) error {
	switch t, cfg := i.faults.MaybeInject(FaultDropSend, FaultErrorSend); t {
	case FaultDropSend:
		return nil
	case FaultErrorSend:
		if cfg.Err != nil {
			return cfg.Err
		}
		return wire.ErrLinkLimitExceeded
	}
	return i.inner.SendMessage(msg)
}

// SetReceiver installs fn behind the receive fault filter.
func (i *Interface) SetReceiver(fn iface.ReceiveFunc) {
	if fn == nil {
		i.inner.SetReceiver(nil)
		return
	}
	i.inner.SetReceiver(func(msg *wire.Message) error {
		if t, _ := i.faults.MaybeInject(FaultDropReceive); t == FaultDropReceive {
			return nil
		}
		return fn(msg)
	})
}

// String returns a description for logs.
func (i *Interface) String() string {
	return fmt.Sprintf("chaos(%v)", i.inner)
}

// Controller sits between interfaces and a real controller. Every interface
// that registers through it is wrapped, and endpoint inserts are mapped to
// the same wrapper so outbound traffic passes through the fault filter too.
type Controller struct {
	inner  iface.Controller
	faults *FaultInjector

	mu       sync.Mutex
	wrappers map[iface.Interface]*Interface
}

var _ iface.Controller = (*Controller)(nil)

// Wrap returns a controller that injects faults into every interface
// registered with it.
func Wrap(inner iface.Controller, faults *FaultInjector) *Controller {
	return &Controller{
		inner:    inner,
		faults:   faults,
		wrappers: make(map[iface.Interface]*Interface),
	}
}

// RegisterInterface registers a fault-injecting wrapper of i.
func (c *Controller) RegisterInterface(i iface.Interface) {
	c.inner.RegisterInterface(c.wrapper(i))
}

// InsertEndpoint inserts the endpoint against the wrapper of i.
func (c *Controller) InsertEndpoint(key iface.Key, publicKey [iface.PublicKeySize]byte, password []byte, i iface.Interface) error {
	return c.inner.InsertEndpoint(key, publicKey, password, c.wrapper(i))
}

func (c *Controller) wrapper(i iface.Interface) *Interface {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wrappers[i]
	if !ok {
		w = NewInterface(i, c.faults)
		c.wrappers[i] = w
	}
	return w
}
