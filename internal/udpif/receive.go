package udpif

import (
	"golang.org/x/sys/unix"

	"github.com/postalsys/muti-link/internal/iface"
	"github.com/postalsys/muti-link/internal/logging"
	"github.com/postalsys/muti-link/internal/metrics"
	"github.com/postalsys/muti-link/internal/wire"
)

// handleEvent reads one datagram and hands it upstream with the sender's
// key in front of the payload. It runs on the event loop whenever the
// socket is readable.
func (u *Interface) handleEvent(fd int) {
	msg, err := wire.Wrap(u.recvBuf, Padding, MaxPacketSize)
	if err != nil {
		return
	}
	data := msg.Bytes()

	// Receive after the key slot so the key can be written in front of the
	// payload without moving it. MSG_TRUNC makes n the full datagram length.
	buf := data[iface.KeySize:]
	n, from, err := u.recvfrom(fd, buf, unix.MSG_TRUNC)
	if err != nil {
		u.metrics.RecordReceiveDrop(transportName, metrics.DropReceiveError)
		return
	}
	if n > len(buf) {
		u.metrics.RecordReceiveDrop(transportName, metrics.DropTruncated)
		u.logger.Debug("dropping truncated datagram", logging.KeyBytes, n)
		return
	}
	sa4, ok := from.(*unix.SockaddrInet4)
	if !ok || sockaddrLen(from) != u.addrLen {
		u.metrics.RecordReceiveDrop(transportName, metrics.DropAddressMismatch)
		return
	}
	if err := msg.SetLength(n + iface.KeySize); err != nil {
		return
	}

	src := rawFromSockaddr(sa4)
	u.keyForSockaddr(msg.Bytes(), &src)

	if u.receiver == nil {
		u.metrics.RecordReceiveDrop(transportName, metrics.DropNoReceiver)
		return
	}
	u.metrics.RecordReceive(transportName, n)

	if err := u.receiver(msg); err != nil {
		u.metrics.RecordReceiveDrop(transportName, metrics.DropReceiverError)
		u.logger.Debug("receiver rejected message",
			logging.KeyRemoteAddr, addrPort(src.sockaddr()).String(),
			logging.KeyError, err)
	}
}
