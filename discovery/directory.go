package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanlinks/dispatch"
	"lanlinks/logging"
	"lanlinks/models"
	"lanlinks/network"
)

const (
	// DefaultBroadcastInterval is the self-announcement period.
	DefaultBroadcastInterval = 3 * time.Second
	// DefaultAgingInterval is the period of the online check.
	DefaultAgingInterval = 100 * time.Millisecond
	// DefaultOnlineTimeout is how long a peer stays online without broadcasting.
	DefaultOnlineTimeout = 15 * time.Second
)

const (
	// EventPeerAdded is emitted when a peer is seen for the first time.
	EventPeerAdded EventType = "peer_added"
	// EventPeerUpdated is emitted on every later announcement.
	EventPeerUpdated EventType = "peer_updated"
	// EventPeerOffline is emitted when a peer stops announcing itself.
	EventPeerOffline EventType = "peer_offline"
	// EventPeerRemoved is emitted by CleanOfflineRecords.
	EventPeerRemoved EventType = "peer_removed"
	// EventAvatarUpdated is emitted when a new avatar lands in the cache.
	EventAvatarUpdated EventType = "avatar_updated"
)

// EventType identifies directory updates.
type EventType string

// Event carries one directory update.
type Event struct {
	Type EventType
	Peer models.Peer
}

// Announcement is the payload of link.broadcast.
type Announcement struct {
	Name      string `json:"name"`
	Text      string `json:"text"`
	UDPPort   int    `json:"udpPort"`
	TCPPort   int    `json:"tcpPort"`
	ImageHash string `json:"imageHash"`
}

// Broadcaster sends one datagram to every broadcast target.
type Broadcaster interface {
	Broadcast(ctx context.Context, path string, data any) error
}

// AvatarFetcher resolves an avatar hash to a local file, fetching it from
// the peer when needed.
type AvatarFetcher interface {
	Fetch(ctx context.Context, hash string, endpoint network.Endpoint) (string, error)
}

// DirectoryOptions configures a Directory.
type DirectoryOptions struct {
	SelfID            string
	BroadcastInterval time.Duration
	AgingInterval     time.Duration
	OnlineTimeout     time.Duration

	Broadcaster Broadcaster
	Avatars     AvatarFetcher
	Dispatcher  dispatch.Dispatcher
	Logger      *zap.Logger

	now func() time.Time
}

func (o DirectoryOptions) withDefaults() DirectoryOptions {
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = DefaultBroadcastInterval
	}
	if o.AgingInterval <= 0 {
		o.AgingInterval = DefaultAgingInterval
	}
	if o.OnlineTimeout <= 0 {
		o.OnlineTimeout = DefaultOnlineTimeout
	}
	if o.Dispatcher == nil {
		o.Dispatcher = &dispatch.Inline{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

type record struct {
	peer       models.Peer
	refreshing bool
}

// Directory keeps one record per peer id, announces this client and ages
// out peers that stop announcing.
type Directory struct {
	options DirectoryOptions
	logger  *zap.Logger

	mu       sync.Mutex
	records  map[string]*record
	self     Announcement
	pending  []Event
	draining bool

	observersMu sync.RWMutex
	observers   map[int]func(Event)
	nextID      int

	refreshes sync.WaitGroup
}

// NewDirectory returns an empty directory.
func NewDirectory(options DirectoryOptions) (*Directory, error) {
	opts := options.withDefaults()
	if opts.SelfID == "" {
		return nil, errors.New("discovery: self id is required")
	}
	return &Directory{
		options:   opts,
		logger:    opts.Logger.Named("directory"),
		records:   make(map[string]*record),
		observers: make(map[int]func(Event)),
	}, nil
}

// SetAnnouncement replaces the fields broadcast for this client.
func (d *Directory) SetAnnouncement(announcement Announcement) {
	d.mu.Lock()
	d.self = announcement
	d.mu.Unlock()
}

// Announcement returns the fields broadcast for this client.
func (d *Directory) Announcement() Announcement {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

// Subscribe registers observer for directory events. Events are delivered
// through the dispatcher. The returned function removes the observer.
func (d *Directory) Subscribe(observer func(Event)) func() {
	d.observersMu.Lock()
	id := d.nextID
	d.nextID++
	d.observers[id] = observer
	d.observersMu.Unlock()

	return func() {
		d.observersMu.Lock()
		delete(d.observers, id)
		d.observersMu.Unlock()
	}
}

// queueLocked appends events in the order of the mutations that produced
// them. Callers hold d.mu and call flush after releasing it.
func (d *Directory) queueLocked(events ...Event) {
	d.pending = append(d.pending, events...)
}

// flush delivers queued events. One caller drains at a time; the others
// return once their events are queued behind the active drainer.
func (d *Directory) flush(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true
	for len(d.pending) > 0 {
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		d.deliver(ctx, batch)
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}

func (d *Directory) deliver(ctx context.Context, events []Event) {
	d.observersMu.RLock()
	observers := make([]func(Event), 0, len(d.observers))
	for _, observer := range d.observers {
		observers = append(observers, observer)
	}
	d.observersMu.RUnlock()
	if len(observers) == 0 {
		return
	}

	err := d.options.Dispatcher.Invoke(ctx, func() {
		for _, event := range events {
			for _, observer := range observers {
				observer(event)
			}
		}
	})
	if err != nil {
		d.logger.Debug("deliver directory events failed", zap.Error(err))
	}
}

// Run drives the broadcast and aging loops until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.broadcastLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.agingLoop(ctx)
	}()
	wg.Wait()
	d.refreshes.Wait()
	return nil
}

func (d *Directory) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(d.options.BroadcastInterval)
	defer ticker.Stop()

	for {
		if d.options.Broadcaster != nil {
			if err := d.options.Broadcaster.Broadcast(ctx, network.PathBroadcast, d.Announcement()); err != nil && ctx.Err() == nil {
				d.logger.Warn("broadcast announcement failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Directory) agingLoop(ctx context.Context) {
	ticker := time.NewTicker(d.options.AgingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Age(ctx)
		}
	}
}

// Age flips peers whose last announcement is older than the online timeout
// to offline and starts avatar refreshes for changed hashes.
func (d *Directory) Age(ctx context.Context) {
	now := d.options.now()

	var refresh []models.Peer

	d.mu.Lock()
	for _, rec := range d.records {
		elapsed := now.Sub(rec.peer.LastSeen)
		if (elapsed < 0 || elapsed > d.options.OnlineTimeout) && rec.peer.Online() {
			rec.peer.Status = models.PeerStatusOffline
			d.queueLocked(Event{Type: EventPeerOffline, Peer: rec.peer})
		}
		if d.options.Avatars != nil && !rec.refreshing &&
			rec.peer.RemoteImageHash != "" && rec.peer.RemoteImageHash != rec.peer.ImageHash {
			rec.refreshing = true
			refresh = append(refresh, rec.peer)
		}
	}
	d.mu.Unlock()

	d.flush(ctx)
	for _, peer := range refresh {
		d.refreshes.Add(1)
		go func() {
			defer d.refreshes.Done()
			d.refreshAvatar(ctx, peer)
		}()
	}
}

func (d *Directory) refreshAvatar(ctx context.Context, peer models.Peer) {
	hash := peer.RemoteImageHash
	endpoint := network.Endpoint{
		IP:      net.ParseIP(peer.IP),
		UDPPort: peer.UDPPort,
		TCPPort: peer.TCPPort,
	}
	path, err := d.options.Avatars.Fetch(ctx, hash, endpoint)

	d.mu.Lock()
	rec, ok := d.records[peer.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	rec.refreshing = false
	if err != nil {
		d.mu.Unlock()
		if ctx.Err() == nil {
			d.logger.Debug("avatar refresh failed", zap.String("peer", peer.ID), zap.String("hash", hash), zap.Error(err))
		}
		return
	}
	rec.peer.ImageHash = hash
	rec.peer.ImagePath = path
	d.queueLocked(Event{Type: EventAvatarUpdated, Peer: rec.peer})
	d.mu.Unlock()

	d.flush(ctx)
}

// Handle is the link.broadcast handler.
func (d *Directory) Handle(ctx context.Context, req *network.Request) error {
	var announcement Announcement
	if err := req.Packet.Decode(&announcement); err != nil {
		return err
	}
	d.Observe(ctx, req.Packet.SenderID, req.RemoteIP(), announcement)
	return nil
}

// Observe records an announcement from peer id at ip. Announcements from
// this client are ignored.
func (d *Directory) Observe(ctx context.Context, id string, ip net.IP, announcement Announcement) {
	if id == "" || id == d.options.SelfID {
		return
	}

	d.mu.Lock()
	rec, exists := d.records[id]
	if !exists {
		rec = &record{peer: models.Peer{ID: id}}
		d.records[id] = rec
	}
	rec.peer.Name = announcement.Name
	rec.peer.Text = announcement.Text
	if ip != nil {
		rec.peer.IP = ip.String()
	}
	rec.peer.UDPPort = announcement.UDPPort
	rec.peer.TCPPort = announcement.TCPPort
	rec.peer.RemoteImageHash = announcement.ImageHash
	rec.peer.LastSeen = d.options.now()
	rec.peer.Status = models.PeerStatusOnline
	if exists {
		d.queueLocked(Event{Type: EventPeerUpdated, Peer: rec.peer})
	} else {
		d.queueLocked(Event{Type: EventPeerAdded, Peer: rec.peer})
	}
	addr := rec.peer.IP
	d.mu.Unlock()

	if !exists {
		d.logger.Info("peer discovered",
			zap.String("peer", id),
			zap.String("name", announcement.Name),
			zap.String("ip", addr),
		)
	}
	d.flush(ctx)
}

// Peer returns the record for id.
func (d *Directory) Peer(id string) (models.Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return models.Peer{}, false
	}
	return rec.peer, true
}

// Endpoint returns the network endpoint of peer id.
func (d *Directory) Endpoint(id string) (network.Endpoint, bool) {
	peer, ok := d.Peer(id)
	if !ok {
		return network.Endpoint{}, false
	}
	return network.Endpoint{
		IP:      net.ParseIP(peer.IP),
		UDPPort: peer.UDPPort,
		TCPPort: peer.TCPPort,
	}, true
}

// Peers returns all records sorted by name, then id.
func (d *Directory) Peers() []models.Peer {
	d.mu.Lock()
	out := make([]models.Peer, 0, len(d.records))
	for _, rec := range d.records {
		out = append(out, rec.peer)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// CleanOfflineRecords removes every offline peer and returns their ids.
func (d *Directory) CleanOfflineRecords(ctx context.Context) []string {
	var removed []string

	d.mu.Lock()
	for id, rec := range d.records {
		if rec.peer.Online() {
			continue
		}
		delete(d.records, id)
		removed = append(removed, id)
		d.queueLocked(Event{Type: EventPeerRemoved, Peer: rec.peer})
	}
	d.mu.Unlock()

	sort.Strings(removed)
	d.flush(ctx)
	return removed
}
