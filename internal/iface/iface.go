// Package iface defines the contract between link-layer interfaces (UDP,
// Ethernet, 802.11, ...) and the controller that owns the endpoint table and
// the cryptographic sessions.
package iface

import (
	"errors"

	"github.com/postalsys/muti-link/internal/wire"
)

// KeySize is the size of an endpoint key in bytes. Every link-layer interface
// encodes its remote addresses into keys of this size.
const KeySize = 8

// PublicKeySize is the size of an endpoint's X25519 public key.
const PublicKeySize = 32

// Key identifies a remote endpoint independently of the link it is reached on.
type Key [KeySize]byte

var (
	// ErrBadKey is returned by InsertEndpoint when the public key is unusable.
	ErrBadKey = errors.New("bad public key")

	// ErrOutOfSpace is returned by InsertEndpoint when the endpoint table is full.
	ErrOutOfSpace = errors.New("endpoint table full")
)

// ReceiveFunc delivers an inbound message to the controller. The first
// KeySize bytes of the message are the sender's key. The message buffer
// belongs to the interface and is only valid until ReceiveFunc returns.
type ReceiveFunc func(msg *wire.Message) error

// Interface is implemented by every link-layer transport.
type Interface interface {
	// SendMessage sends msg to the endpoint whose key occupies the first
	// KeySize bytes of the message. It never blocks. Returned errors are
	// wire.Error codes.
	SendMessage(msg *wire.Message) error

	// SetReceiver installs the upstream callback for inbound messages.
	SetReceiver(fn ReceiveFunc)
}

// Controller is the session manager that interfaces register with.
type Controller interface {
	// RegisterInterface makes i reachable for outbound traffic and installs
	// its receiver.
	RegisterInterface(i Interface)

	// InsertEndpoint adds a known remote endpoint reached through i.
	// password may be nil.
	InsertEndpoint(key Key, publicKey [PublicKeySize]byte, password []byte, i Interface) error
}
