package storage

import (
	"errors"
	"fmt"
)

const (
	// KindText is a plain text message.
	KindText = "text"
	// KindImageHash is an image message carrying a content hash.
	KindImageHash = "image-hash"
)

const (
	// OriginLocal marks records this client sent.
	OriginLocal = "local"
	// OriginRemote marks records received from the peer.
	OriginRemote = "remote"
)

// Record is one persisted message of a conversation with PeerID.
type Record struct {
	MessageID string
	PeerID    string
	// Timestamp is unix milliseconds.
	Timestamp int64
	Kind      string
	// Content is the text or the image hash.
	Content string
	Origin  string
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRecord(record Record) error {
	if record.MessageID == "" {
		return errors.New("message_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateKind(record.Kind); err != nil {
		return err
	}
	return validateOrigin(record.Origin)
}

func validateKind(kind string) error {
	switch kind {
	case KindText, KindImageHash:
		return nil
	default:
		return fmt.Errorf("invalid record kind %q", kind)
	}
}

func validateOrigin(origin string) error {
	switch origin {
	case OriginLocal, OriginRemote:
		return nil
	default:
		return fmt.Errorf("invalid record origin %q", origin)
	}
}
