package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"lanlinks/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_lanlinks._udp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse.
	DefaultScanTimeout = 3 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSConfig controls the mDNS bridge.
type MDNSConfig struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	SelfID string
	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c MDNSConfig) withDefaults() MDNSConfig {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	out.Logger = logging.OrNop(out.Logger)
	return out
}

// Bridge advertises this client over mDNS and feeds browsed entries into a
// Directory, next to the broadcast announcements.
type Bridge struct {
	cfg       MDNSConfig
	directory *Directory
	logger    *zap.Logger
	browse    browseFunc

	mu      sync.Mutex
	server  *zeroconf.Server
	lastTXT []string
}

// StartBridge registers the mDNS service for the directory's announcement.
func StartBridge(config MDNSConfig, directory *Directory) (*Bridge, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfID) == "" {
		return nil, errors.New("discovery: self id is required")
	}
	if directory == nil {
		return nil, errors.New("discovery: directory is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	announcement := directory.Announcement()
	if announcement.UDPPort <= 0 {
		return nil, errors.New("discovery: udp port must be > 0")
	}
	txt := announcementTXT(cfg.SelfID, announcement)
	instance := strings.TrimSpace(announcement.Name)
	if instance == "" {
		instance = cfg.SelfID
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, announcement.UDPPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Bridge{
		cfg:       cfg,
		directory: directory,
		logger:    cfg.Logger.Named("mdns"),
		browse:    browse,
		server:    server,
		lastTXT:   txt,
	}, nil
}

// Run browses periodically until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		b.syncTXT()
		if err := b.Scan(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("mDNS scan failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Scan runs one bounded browse and observes every entry found.
func (b *Bridge) Scan(ctx context.Context) error {
	scanCtx, cancel := context.WithTimeout(ctx, b.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				id, ip, announcement, ok := parseEntry(entry, b.cfg.SelfID)
				if !ok {
					continue
				}
				b.directory.Observe(ctx, id, ip, announcement)
			}
		}
	}()

	err := b.browse(scanCtx, b.cfg.Service, b.cfg.Domain, entries)
	if err == nil {
		<-scanCtx.Done()
	}
	cancel()
	<-collectorDone

	if err != nil {
		return fmt.Errorf("browse mDNS: %w", err)
	}
	return nil
}

func (b *Bridge) syncTXT() {
	txt := announcementTXT(b.cfg.SelfID, b.directory.Announcement())

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil || slices.Equal(txt, b.lastTXT) {
		return
	}
	b.server.SetText(txt)
	b.lastTXT = txt
}

// Stop withdraws the mDNS registration.
func (b *Bridge) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}

func announcementTXT(id string, announcement Announcement) []string {
	return []string{
		"id=" + id,
		"udp=" + strconv.Itoa(announcement.UDPPort),
		"tcp=" + strconv.Itoa(announcement.TCPPort),
		"image=" + announcement.ImageHash,
		"text=" + announcement.Text,
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (string, net.IP, Announcement, bool) {
	txt := txtToMap(entry.Text)

	id := strings.TrimSpace(txt["id"])
	if id == "" || id == selfID {
		return "", nil, Announcement{}, false
	}

	var ip net.IP
	for _, candidate := range entry.AddrIPv4 {
		if candidate != nil {
			ip = candidate
			break
		}
	}
	if ip == nil {
		return "", nil, Announcement{}, false
	}

	udpPort := entry.Port
	if parsed, err := strconv.Atoi(txt["udp"]); err == nil && parsed > 0 {
		udpPort = parsed
	}
	tcpPort, err := strconv.Atoi(txt["tcp"])
	if err != nil || tcpPort <= 0 {
		return "", nil, Announcement{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = id
	}

	return id, ip, Announcement{
		Name:      name,
		Text:      txt["text"],
		UDPPort:   udpPort,
		TCPPort:   tcpPort,
		ImageHash: txt["image"],
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
