// Package client ties the transport, the peer directory, the content cache
// and the sharing sessions into one LAN messaging client.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lanlinks/cache"
	"lanlinks/config"
	"lanlinks/discovery"
	"lanlinks/dispatch"
	"lanlinks/logging"
	"lanlinks/models"
	"lanlinks/network"
	"lanlinks/storage"
)

const (
	stateNew int32 = iota
	stateStarted
	stateStopped
)

// RecentMessageCount is how many history records Messages loads per peer.
const RecentMessageCount = 30

var (
	// ErrUnknownPeer is returned for a peer id missing from the directory.
	ErrUnknownPeer = errors.New("client: unknown peer")
	// ErrNotStarted is returned by operations that need a started client.
	ErrNotStarted = errors.New("client: not started")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("client: already started")
)

// MessageStore persists the message history.
type MessageStore interface {
	AppendRecords(ctx context.Context, records []storage.Record) error
	QueryRecent(ctx context.Context, peerID string, count int) ([]storage.Record, error)
}

// Options configures a Client.
type Options struct {
	Settings *config.Settings
	// Store keeps the message history. Nil disables history.
	Store MessageStore
	// Dispatcher runs observer callbacks. Nil starts a dispatch.Loop owned
	// by the client.
	Dispatcher dispatch.Dispatcher
	Logger     *zap.Logger

	// ListenHost restricts both sockets to one local address.
	ListenHost string

	BroadcastInterval time.Duration
	AgingInterval     time.Duration
	OnlineTimeout     time.Duration
	DatagramTimeout   time.Duration
	StreamTimeout     time.Duration
}

// Client is one participant on the local network segment.
type Client struct {
	options    Options
	logger     *zap.Logger
	dispatcher dispatch.Dispatcher
	ownsLoop   *dispatch.Loop
	store      MessageStore

	transport *network.Transport
	directory *discovery.Directory
	cache     *cache.Cache

	mu        sync.Mutex
	settings  *config.Settings
	imagePath string

	messagesMu       sync.Mutex
	messages         map[string][]*models.Message
	messageObservers map[int]func(models.Message)
	nextObserver     int

	handlersMu        sync.RWMutex
	fileReceiver      SessionHandler
	directoryReceiver SessionHandler

	state    atomic.Int32
	cancel   context.CancelFunc
	group    *errgroup.Group
	bridge   *discovery.Bridge
	tasks    sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New builds a client from settings. Nothing is bound until Start.
func New(options Options) (*Client, error) {
	if options.Settings == nil {
		return nil, errors.New("client: settings are required")
	}
	settings := options.Settings.Clone()
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	targets, err := settings.BroadcastTargets()
	if err != nil {
		return nil, err
	}

	logger := logging.OrNop(options.Logger)
	c := &Client{
		options:          options,
		logger:           logger.Named("client"),
		store:            options.Store,
		settings:         settings,
		messages:         make(map[string][]*models.Message),
		messageObservers: make(map[int]func(models.Message)),
	}

	c.dispatcher = options.Dispatcher
	if c.dispatcher == nil {
		c.ownsLoop = dispatch.NewLoop()
		c.dispatcher = c.ownsLoop
	}

	c.transport, err = network.NewTransport(network.Options{
		ClientID:         settings.Client.ID,
		UDPAddress:       net.JoinHostPort(options.ListenHost, strconv.Itoa(settings.Net.UDPPort)),
		TCPAddress:       net.JoinHostPort(options.ListenHost, strconv.Itoa(settings.Net.TCPPort)),
		BroadcastTargets: targets,
		DatagramTimeout:  options.DatagramTimeout,
		StreamTimeout:    options.StreamTimeout,
		Logger:           logger,
	})
	if err != nil {
		c.stopLoop()
		return nil, err
	}

	c.cache, err = cache.New(cache.Options{
		Directory: settings.CacheDirectory,
		Streams:   c.transport,
		Logger:    logger,
	})
	if err != nil {
		c.stopLoop()
		return nil, err
	}

	c.directory, err = discovery.NewDirectory(discovery.DirectoryOptions{
		SelfID:            settings.Client.ID,
		BroadcastInterval: options.BroadcastInterval,
		AgingInterval:     options.AgingInterval,
		OnlineTimeout:     options.OnlineTimeout,
		Broadcaster:       c.transport,
		Avatars:           c.cache,
		Dispatcher:        c.dispatcher,
		Logger:            logger,
	})
	if err != nil {
		c.stopLoop()
		return nil, err
	}

	if hash := settings.Client.ImageHash; hash != "" {
		if path, ok := c.cache.Path(hash); ok {
			c.imagePath = path
		} else {
			c.logger.Info("profile image missing from cache", zap.String("hash", hash))
			settings.Client.ImageHash = ""
		}
	}

	c.transport.RegisterHandler(network.PathBroadcast, c.directory.Handle)
	c.transport.RegisterHandler(network.PathGetCache, c.cache.Serve)
	c.transport.RegisterHandler(network.PathMessageText, c.handleText)
	c.transport.RegisterHandler(network.PathMessageImage, c.handleImage)
	c.transport.RegisterHandler(network.PathShareFile, c.handleShareFile)
	c.transport.RegisterHandler(network.PathShareDirectory, c.handleShareDirectory)

	return c, nil
}

// Start binds the sockets and launches the background loops. The loops stop
// when ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateNew, stateStarted) {
		return ErrAlreadyStarted
	}
	if err := c.transport.Listen(); err != nil {
		c.state.Store(stateStopped)
		return err
	}
	c.announce()

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = group

	group.Go(func() error {
		return c.transport.Serve(groupCtx)
	})
	group.Go(func() error {
		return c.directory.Run(groupCtx)
	})

	if c.Settings().MDNS {
		bridge, err := discovery.StartBridge(discovery.MDNSConfig{
			SelfID: c.transport.ClientID(),
			Logger: c.logger,
		}, c.directory)
		if err != nil {
			c.logger.Warn("mDNS bridge unavailable", zap.Error(err))
		} else {
			c.bridge = bridge
			group.Go(func() error {
				return bridge.Run(groupCtx)
			})
		}
	}

	c.logger.Info("client started",
		zap.String("id", c.transport.ClientID()),
		zap.Stringer("udp", c.transport.UDPAddr()),
		zap.Stringer("tcp", c.transport.TCPAddr()),
	)
	return nil
}

// Wait blocks until the background loops have returned.
func (c *Client) Wait() error {
	if c.group == nil {
		return ErrNotStarted
	}
	return c.group.Wait()
}

// Stop cancels the loops, closes the sockets and waits for in-flight work.
// It is safe to call more than once.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() {
		previous := c.state.Swap(stateStopped)
		if previous == stateStarted {
			c.cancel()
			_ = c.transport.Close()
			c.stopErr = c.group.Wait()
			c.bridge.Stop()
		} else {
			_ = c.transport.Close()
		}
		c.tasks.Wait()
		c.stopLoop()
	})
	return c.stopErr
}

func (c *Client) stopLoop() {
	if c.ownsLoop != nil {
		c.ownsLoop.Stop()
	}
}

func (c *Client) running() error {
	if c.state.Load() != stateStarted {
		return ErrNotStarted
	}
	return nil
}

// ID returns this client's id.
func (c *Client) ID() string {
	return c.transport.ClientID()
}

// Settings returns a copy of the settings, including profile edits made
// since New.
func (c *Client) Settings() *config.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Clone()
}

// Profile describes this client the way peers see it.
func (c *Client) Profile() models.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	profile := models.Peer{
		ID:              c.settings.Client.ID,
		Name:            c.settings.Client.Name,
		Text:            c.settings.Client.Text,
		Status:          models.PeerStatusOnline,
		UDPPort:         c.settings.Net.UDPPort,
		TCPPort:         c.settings.Net.TCPPort,
		ImageHash:       c.settings.Client.ImageHash,
		RemoteImageHash: c.settings.Client.ImageHash,
		ImagePath:       c.imagePath,
	}
	if addr := c.transport.UDPAddr(); addr != nil {
		profile.UDPPort = addr.Port
	}
	if addr := c.transport.TCPAddr(); addr != nil {
		profile.TCPPort = addr.Port
	}
	return profile
}

// SetProfile changes the announced name and status text.
func (c *Client) SetProfile(name, text string) {
	c.mu.Lock()
	c.settings.Client.Name = name
	c.settings.Client.Text = text
	c.mu.Unlock()
	c.announce()
}

// SetProfileImage stores the image at path in the cache and announces its
// hash.
func (c *Client) SetProfileImage(ctx context.Context, path string) (cache.Entry, error) {
	entry, err := c.cache.StoreFile(ctx, path)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("store profile image: %w", err)
	}
	c.mu.Lock()
	c.settings.Client.ImageHash = entry.Hash
	c.imagePath = entry.Path
	c.mu.Unlock()
	c.announce()
	return entry, nil
}

func (c *Client) announce() {
	profile := c.Profile()
	c.directory.SetAnnouncement(discovery.Announcement{
		Name:      profile.Name,
		Text:      profile.Text,
		UDPPort:   profile.UDPPort,
		TCPPort:   profile.TCPPort,
		ImageHash: profile.ImageHash,
	})
}

// Peers returns every known peer.
func (c *Client) Peers() []models.Peer {
	return c.directory.Peers()
}

// Peer returns the directory record for id.
func (c *Client) Peer(id string) (models.Peer, bool) {
	return c.directory.Peer(id)
}

// CleanOfflinePeers removes every offline peer and returns their ids.
func (c *Client) CleanOfflinePeers(ctx context.Context) []string {
	return c.directory.CleanOfflineRecords(ctx)
}

// SubscribePeers registers observer for directory events.
func (c *Client) SubscribePeers(observer func(discovery.Event)) func() {
	return c.directory.Subscribe(observer)
}

func (c *Client) endpoint(peerID string) (network.Endpoint, error) {
	endpoint, ok := c.directory.Endpoint(peerID)
	if !ok {
		return network.Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownPeer, peerID)
	}
	return endpoint, nil
}

// background runs fn on a tracked goroutine that Stop waits for.
func (c *Client) background(fn func()) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}
