package udpif

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/wire"
)

// SendMessage sends the payload following the destination key at the start
// of msg. The key is stripped from msg. It returns wire.ErrOversizeMessage
// when the datagram can never be sent and wire.ErrLinkLimitExceeded when the
// socket cannot take more right now. Other socket errors drop the packet and
// return nil.
func (u *Interface) SendMessage(msg *wire.Message) error {
	if msg.Len() < iface.KeySize {
		u.metrics.RecordSendError(transportName, metrics.SendErrorUndersize)
		return wire.ErrUndersizeMessage
	}

	var dst rawSockaddr
	u.sockaddrForKey(&dst, msg.Bytes())
	if err := msg.Shift(-iface.KeySize); err != nil {
		return wire.ErrUndersizeMessage
	}

	to := dst.sockaddr()
	payload := msg.Bytes()
	if err := u.sendto(u.fd, payload, 0, to); err != nil {
		switch {
		case errors.Is(err, unix.EMSGSIZE):
			u.metrics.RecordSendError(transportName, metrics.SendErrorOversize)
			return wire.ErrOversizeMessage

		case errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			u.metrics.RecordSendError(transportName, metrics.SendErrorLinkLimit)
			return wire.ErrLinkLimitExceeded

		default:
			u.metrics.RecordSendError(transportName, metrics.SendErrorDropped)
			if u.errLog.Allow() {
				u.logger.Info("error sending to socket",
					logging.KeyRemoteAddr, addrPort(to).String(),
					logging.KeyErrno, err.Error())
			}
			return nil
		}
	}

	u.metrics.RecordSend(transportName, len(payload))
	return nil
}
