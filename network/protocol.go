package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the maximum accepted stream frame payload size (4 MB).
	MaxFrameSize = 4 * 1024 * 1024
	// MaxDatagramSize is the largest encoded packet sent over UDP.
	MaxDatagramSize = 768
	// ChunkSize is the copy buffer used for raw stream payloads.
	ChunkSize = 16 * 1024
	// DefaultConnectTimeout bounds TCP dial duration.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultStreamTimeout bounds handshake writes and header-frame reads.
	DefaultStreamTimeout = 20 * time.Second
	// DefaultDatagramTimeout bounds one UDP request/await attempt.
	DefaultDatagramTimeout = time.Second
	// DefaultPort is used for both UDP and TCP when nothing is configured.
	DefaultPort = 7470
)

// Well-known handler paths.
const (
	PathAsyncResult    = "link.async-result"
	PathBroadcast      = "link.broadcast"
	PathGetCache       = "link.get-cache"
	PathMessageText    = "link.message.text"
	PathMessageImage   = "link.message.image-hash"
	PathShareFile      = "link.share.file"
	PathShareDirectory = "link.share.directory"
)

// Reply status values.
const (
	StatusOK      = "ok"
	StatusRefused = "refused"
	StatusWait    = "wait"
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrDatagramTooLarge indicates an encoded packet does not fit in one datagram.
	ErrDatagramTooLarge = errors.New("network: datagram exceeds max size")
	// ErrProtocol indicates a malformed or unexpected packet.
	ErrProtocol = errors.New("network: protocol error")
	// ErrTimeout indicates a request or stream operation ran out of time.
	ErrTimeout = errors.New("network: timed out")
)

// Packet is the wire envelope shared by both channels.
type Packet struct {
	SenderID string          `json:"senderId"`
	Path     string          `json:"path"`
	PacketID string          `json:"packetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the packet payload into v.
func (p Packet) Decode(v any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: empty payload on %q", ErrProtocol, p.Path)
	}
	if err := json.Unmarshal(p.Data, v); err != nil {
		return fmt.Errorf("%w: decode %q payload: %v", ErrProtocol, p.Path, err)
	}
	return nil
}

// StatusReply is the one-field reply used by messaging and sharing exchanges.
type StatusReply struct {
	Status string `json:"status"`
}

// EncodePacket builds and marshals one packet.
func EncodePacket(senderID, path, packetID string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %q payload: %w", path, err)
	}
	payload, err := json.Marshal(Packet{
		SenderID: senderID,
		Path:     path,
		PacketID: packetID,
		Data:     raw,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	return payload, nil
}

// DecodePacket unmarshals one packet and validates the envelope.
func DecodePacket(payload []byte) (Packet, error) {
	var packet Packet
	if err := json.Unmarshal(payload, &packet); err != nil {
		return Packet{}, fmt.Errorf("%w: decode packet: %v", ErrProtocol, err)
	}
	if packet.Path == "" {
		return Packet{}, fmt.Errorf("%w: packet without path", ErrProtocol)
	}
	return packet, nil
}

// WriteFrameHeader writes a 4-byte big-endian signed length.
func WriteFrameHeader(w io.Writer, length int32) error {
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(length))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	return nil
}

// ReadFrameHeader reads a 4-byte big-endian signed length.
func ReadFrameHeader(r io.Reader) (int32, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, fmt.Errorf("read frame length: %w", err)
	}
	return int32(binary.BigEndian.Uint32(header)), nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	if err := WriteFrameHeader(w, int32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most limit bytes.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	length, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative frame length %d", ErrProtocol, length)
	}
	if limit <= 0 {
		limit = MaxFrameSize
	}
	if int(length) > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	payload, err := ReadFrame(conn, MaxFrameSize)
	if err != nil {
		return nil, asTimeout(err)
	}
	return payload, nil
}

// WriteJSONFrame marshals v and writes it as one frame.
func WriteJSONFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadJSONFrame reads one frame and unmarshals it into v.
func ReadJSONFrame(r io.Reader, v any) error {
	payload, err := ReadFrame(r, MaxFrameSize)
	if err != nil {
		return asTimeout(err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decode frame: %v", ErrProtocol, err)
	}
	return nil
}

// ReadStatus reads a StatusReply frame under timeout.
func ReadStatus(conn net.Conn, timeout time.Duration) (string, error) {
	payload, err := ReadFrameWithTimeout(conn, timeout)
	if err != nil {
		return "", err
	}
	var reply StatusReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return "", fmt.Errorf("%w: decode status reply: %v", ErrProtocol, err)
	}
	return reply.Status, nil
}

func asTimeout(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
