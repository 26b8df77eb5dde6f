// Package udpif implements the UDP link-layer interface of the mesh router.
//
// An Interface owns one bound, non-blocking IPv4 UDP socket and one
// persistent read registration on an event loop. Remote endpoints are
// identified towards the controller by an iface.Key: the first
// iface.KeySize bytes of the endpoint's sockaddr_in (family, port, address).
// Inbound datagrams are delivered upstream with that key written in front of
// the payload; outbound messages carry the destination key in the same
// position and it is stripped before the datagram is sent.
//
// Only IPv4 is supported. A sockaddr_in6 does not fit in a key, and keys
// are shared with every other link-layer transport, so wider address
// families are rejected when the interface is created.
//
// # Error Handling
//
// Construction failures are returned by New as wrapped sentinel errors and
// leave no socket or event registration behind. SendMessage returns
// wire.ErrOversizeMessage and wire.ErrLinkLimitExceeded so callers can tell a
// packet that can never be sent from transient backpressure. Any other send
// failure is logged and the packet is dropped with a nil error, the same
// best-effort contract UDP itself offers. Inbound datagrams that cannot be
// read or come from an unexpected address family are discarded silently.
//
// # Thread Safety
//
// An Interface is driven by its event loop and is not safe for concurrent
// use. SendMessage and BeginConnection must be called from the loop's
// goroutine.
package udpif
