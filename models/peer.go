package models

import "time"

// Peer status values.
const (
	PeerStatusOnline  = "online"
	PeerStatusOffline = "offline"
)

// Peer is a snapshot of one discovered client on the local segment.
type Peer struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Text   string `json:"text"`
	IP     string `json:"ip"`
	Status string `json:"status"`

	UDPPort int `json:"udp_port"`
	TCPPort int `json:"tcp_port"`

	LastSeen time.Time `json:"last_seen"`

	// ImageHash is the avatar hash available in the local cache;
	// RemoteImageHash is the one the peer last announced.
	ImageHash       string `json:"image_hash"`
	RemoteImageHash string `json:"remote_image_hash"`
	ImagePath       string `json:"image_path"`
}

// Online reports whether the peer is currently considered reachable.
func (p Peer) Online() bool {
	return p.Status == PeerStatusOnline
}
