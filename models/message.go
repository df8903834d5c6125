package models

// Message kinds.
const (
	MessageKindText  = "text"
	MessageKindImage = "image-hash"
)

// Message origins.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Message statuses. Every status other than pending is terminal.
const (
	MessageStatusPending = "pending"
	MessageStatusSuccess = "success"
	MessageStatusRefused = "refused"
	MessageStatusAborted = "aborted"
)

// Message is one text or image notification exchanged with a peer.
type Message struct {
	ID        string `json:"message_id"`
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
	Origin    string `json:"origin"`
	Kind      string `json:"kind"`
	// Content holds the text, or the image hash for image messages.
	Content   string `json:"content"`
	ImagePath string `json:"image_path,omitempty"`
	Status    string `json:"status"`
}

// Completed reports whether the message reached a terminal status.
func (m Message) Completed() bool {
	return m.Status != "" && m.Status != MessageStatusPending
}
