package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Request is one inbound packet together with the channel it arrived on.
type Request struct {
	Packet Packet
	Remote net.Addr
	// Stream is the open connection for stream requests and nil for
	// datagrams. The transport closes it after the handler returns.
	Stream net.Conn

	transport *Transport
}

// FromStream reports whether the packet arrived over a stream connection.
func (r *Request) FromStream() bool {
	return r.Stream != nil
}

// RemoteIP returns the sender's IP address.
func (r *Request) RemoteIP() net.IP {
	switch addr := r.Remote.(type) {
	case *net.UDPAddr:
		return addr.IP
	case *net.TCPAddr:
		return addr.IP
	default:
		return nil
	}
}

// Respond answers the request on the channel it came from: one frame on a
// stream, or an async-result datagram carrying the same packet id. A datagram
// without a packet id expects no answer and Respond does nothing.
func (r *Request) Respond(ctx context.Context, data any) error {
	if r.Stream != nil {
		if deadline, ok := ctx.Deadline(); ok {
			_ = r.Stream.SetWriteDeadline(deadline)
		} else {
			_ = r.Stream.SetWriteDeadline(time.Now().Add(r.transport.options.StreamTimeout))
		}
		defer func() {
			_ = r.Stream.SetWriteDeadline(time.Time{})
		}()
		if err := WriteJSONFrame(r.Stream, data); err != nil {
			return asTimeout(fmt.Errorf("write reply frame: %w", err))
		}
		return nil
	}

	if r.Packet.PacketID == "" {
		return nil
	}
	addr, ok := r.Remote.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("%w: reply address %v is not udp", ErrProtocol, r.Remote)
	}
	payload, err := r.transport.encodeDatagram(PathAsyncResult, r.Packet.PacketID, data)
	if err != nil {
		return err
	}
	return r.transport.writeDatagram(ctx, addr, payload)
}
