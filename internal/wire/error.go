package wire

// Error is a transport-level error code shared by every link-layer interface.
// The zero value is never returned as an error; success is a nil error.
type Error uint8

// Error codes returned by Interface.SendMessage implementations.
const (
	ErrNone              Error = 0
	ErrMalformedAddress  Error = 1 // Destination key does not decode to an address
	ErrFlood             Error = 2 // Sender is flooding, packet dropped
	ErrLinkLimitExceeded Error = 3 // Send queue full or would block, retry later
	ErrOversizeMessage   Error = 4 // Payload exceeds the link's datagram limit
	ErrUndersizeMessage  Error = 5 // Message too short to carry a key
	ErrAuthentication    Error = 6 // Crypto authentication failed
	ErrInvalid           Error = 7 // Message is invalid for this link
	ErrUndeliverable     Error = 8 // No route to the destination
)

// Error implements the error interface.
func (e Error) Error() string {
	return ErrorCodeName(e)
}

// Retryable reports whether the failure is transient backpressure.
func (e Error) Retryable() bool {
	return e == ErrLinkLimitExceeded || e == ErrFlood
}

// ErrorCodeName returns a human-readable name for an error code.
func ErrorCodeName(code Error) string {
	switch code {
	case ErrNone:
		return "NONE"
	case ErrMalformedAddress:
		return "MALFORMED_ADDRESS"
	case ErrFlood:
		return "FLOOD"
	case ErrLinkLimitExceeded:
		return "LINK_LIMIT_EXCEEDED"
	case ErrOversizeMessage:
		return "OVERSIZE_MESSAGE"
	case ErrUndersizeMessage:
		return "UNDERSIZE_MESSAGE"
	case ErrAuthentication:
		return "AUTHENTICATION"
	case ErrInvalid:
		return "INVALID"
	case ErrUndeliverable:
		return "UNDELIVERABLE"
	default:
		return "UNKNOWN"
	}
}
