package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"lanlinks/logging"
)

const limitedBroadcast = "255.255.255.255"

var (
	// ErrNotListening is returned when sockets are used before Listen.
	ErrNotListening = errors.New("network: transport is not listening")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("network: transport closed")
)

// Handler serves one inbound packet. The stream, if any, is closed after the
// handler returns.
type Handler func(ctx context.Context, req *Request) error

// Options configures a Transport.
type Options struct {
	ClientID   string
	UDPAddress string
	TCPAddress string
	// BroadcastTargets are host:port pairs. The limited broadcast address is
	// expanded into one target per local interface.
	BroadcastTargets []string

	MaxDatagramSize int
	ConnectTimeout  time.Duration
	StreamTimeout   time.Duration
	DatagramTimeout time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.UDPAddress == "" {
		o.UDPAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if o.TCPAddress == "" {
		o.TCPAddress = ":" + strconv.Itoa(DefaultPort)
	}
	if o.MaxDatagramSize <= 0 {
		o.MaxDatagramSize = MaxDatagramSize
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = DefaultStreamTimeout
	}
	if o.DatagramTimeout <= 0 {
		o.DatagramTimeout = DefaultDatagramTimeout
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Endpoint is the network identity of a peer.
type Endpoint struct {
	IP      net.IP
	UDPPort int
	TCPPort int
}

// UDPAddr returns the datagram address of the endpoint.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.UDPPort}
}

// TCPAddr returns the stream address of the endpoint.
func (e Endpoint) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: e.IP, Port: e.TCPPort}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s udp=%d tcp=%d", e.IP, e.UDPPort, e.TCPPort)
}

// Transport owns one datagram socket and one stream listener and routes
// packets from both to handlers by path.
type Transport struct {
	options Options
	logger  *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pending *PendingTable[string, Packet]

	socketsMu sync.Mutex
	udp       *net.UDPConn
	tcp       *net.TCPListener

	// interfaceBroadcasts lists the directed broadcast address of every
	// local IPv4 interface. Replaced in tests.
	interfaceBroadcasts func() ([]net.IP, error)

	inflight  sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// NewTransport validates options and registers the async-result handler.
func NewTransport(options Options) (*Transport, error) {
	opts := options.withDefaults()
	if opts.ClientID == "" {
		return nil, errors.New("network: client id is required")
	}

	t := &Transport{
		options:             opts,
		logger:              opts.Logger.Named("transport"),
		handlers:            make(map[string]Handler),
		pending:             NewPendingTable[string, Packet](),
		interfaceBroadcasts: localBroadcastAddresses,
		closed:              make(chan struct{}),
	}
	t.RegisterHandler(PathAsyncResult, t.handleAsyncResult)
	return t, nil
}

// ClientID returns the sender id stamped on every outgoing packet.
func (t *Transport) ClientID() string {
	return t.options.ClientID
}

// RegisterHandler binds handler to path. Registering the same path twice
// panics.
func (t *Transport) RegisterHandler(path string, handler Handler) {
	if path == "" || handler == nil {
		panic("network: RegisterHandler requires a path and a handler")
	}
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	if _, exists := t.handlers[path]; exists {
		panic(fmt.Sprintf("network: handler for %q already registered", path))
	}
	t.handlers[path] = handler
}

// Listen binds the datagram socket and the stream listener.
func (t *Transport) Listen() error {
	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if t.udp != nil {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp4", t.options.UDPAddress)
	if err != nil {
		return fmt.Errorf("resolve udp address %q: %w", t.options.UDPAddress, err)
	}
	udpConn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp on %q: %w", t.options.UDPAddress, err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp4", t.options.TCPAddress)
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("resolve tcp address %q: %w", t.options.TCPAddress, err)
	}
	listener, err := net.ListenTCP("tcp4", tcpAddr)
	if err != nil {
		_ = udpConn.Close()
		return fmt.Errorf("listen tcp on %q: %w", t.options.TCPAddress, err)
	}

	t.udp = udpConn
	t.tcp = listener
	t.joinMulticastGroups(udpConn)

	t.logger.Info("listening",
		zap.Stringer("udp", udpConn.LocalAddr()),
		zap.Stringer("tcp", listener.Addr()),
	)
	return nil
}

// UDPAddr returns the bound datagram address, or nil before Listen.
func (t *Transport) UDPAddr() *net.UDPAddr {
	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()
	if t.udp == nil {
		return nil
	}
	return t.udp.LocalAddr().(*net.UDPAddr)
}

// TCPAddr returns the bound stream address, or nil before Listen.
func (t *Transport) TCPAddr() *net.TCPAddr {
	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()
	if t.tcp == nil {
		return nil
	}
	return t.tcp.Addr().(*net.TCPAddr)
}

func (t *Transport) sockets() (*net.UDPConn, *net.TCPListener, error) {
	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()
	select {
	case <-t.closed:
		return nil, nil, ErrClosed
	default:
	}
	if t.udp == nil || t.tcp == nil {
		return nil, nil, ErrNotListening
	}
	return t.udp, t.tcp, nil
}

// Serve runs both inbound loops until ctx is cancelled or Close is called.
// It returns after every in-flight handler has finished. Serving a transport
// that is already closed returns nil.
func (t *Transport) Serve(ctx context.Context) error {
	udpConn, listener, err := t.sockets()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-t.closed:
		}
		cancel()
		t.closeSockets()
		return nil
	})
	group.Go(func() error {
		return t.datagramLoop(ctx, udpConn)
	})
	group.Go(func() error {
		return t.streamLoop(ctx, listener)
	})

	err = group.Wait()
	t.inflight.Wait()
	return err
}

// Close stops both loops. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	t.closeSockets()
	return nil
}

func (t *Transport) closeSockets() {
	t.socketsMu.Lock()
	defer t.socketsMu.Unlock()
	if t.udp != nil {
		_ = t.udp.Close()
	}
	if t.tcp != nil {
		_ = t.tcp.Close()
	}
}

func (t *Transport) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) datagramLoop(ctx context.Context, conn *net.UDPConn) error {
	buffer := make([]byte, 64*1024)
	for {
		n, remote, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if t.stopping(ctx) {
				return nil
			}
			t.logger.Warn("read datagram failed", zap.Error(err))
			continue
		}

		packet, err := DecodePacket(buffer[:n])
		if err != nil {
			t.logger.Debug("drop malformed datagram", zap.Stringer("remote", remote), zap.Error(err))
			continue
		}

		req := &Request{Packet: packet, Remote: remote, transport: t}
		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.dispatch(ctx, req)
		}()
	}
}

func (t *Transport) streamLoop(ctx context.Context, listener *net.TCPListener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.stopping(ctx) {
				return nil
			}
			t.logger.Warn("accept connection failed", zap.Error(err))
			continue
		}

		t.inflight.Add(1)
		go func() {
			defer t.inflight.Done()
			t.handleStream(ctx, conn)
		}()
	}
}

func (t *Transport) handleStream(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	payload, err := ReadFrameWithTimeout(conn, t.options.StreamTimeout)
	if err != nil {
		t.logger.Debug("read stream header failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}
	packet, err := DecodePacket(payload)
	if err != nil {
		t.logger.Debug("drop malformed stream header", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	t.dispatch(ctx, &Request{Packet: packet, Remote: conn.RemoteAddr(), Stream: conn, transport: t})
}

func (t *Transport) dispatch(ctx context.Context, req *Request) {
	t.handlersMu.RLock()
	handler := t.handlers[req.Packet.Path]
	t.handlersMu.RUnlock()

	if handler == nil {
		t.logger.Debug("drop packet for unknown path",
			zap.String("path", req.Packet.Path),
			zap.String("sender", req.Packet.SenderID),
		)
		return
	}
	if err := handler(ctx, req); err != nil && !t.stopping(ctx) {
		t.logger.Debug("handler failed",
			zap.String("path", req.Packet.Path),
			zap.String("sender", req.Packet.SenderID),
			zap.Error(err),
		)
	}
}

func (t *Transport) handleAsyncResult(_ context.Context, req *Request) error {
	if req.Packet.PacketID == "" {
		return fmt.Errorf("%w: async result without packet id", ErrProtocol)
	}
	t.pending.Fulfil(req.Packet.PacketID, req.Packet)
	return nil
}

func (t *Transport) encodeDatagram(path, packetID string, data any) ([]byte, error) {
	payload, err := EncodePacket(t.options.ClientID, path, packetID, data)
	if err != nil {
		return nil, err
	}
	if len(payload) > t.options.MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes on %q", ErrDatagramTooLarge, len(payload), path)
	}
	return payload, nil
}

func (t *Transport) writeDatagram(ctx context.Context, addr *net.UDPAddr, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, _, err := t.sockets()
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		return fmt.Errorf("write datagram to %s: %w", addr, err)
	}
	return nil
}

// Send writes one fire-and-forget datagram.
func (t *Transport) Send(ctx context.Context, addr *net.UDPAddr, path string, data any) error {
	payload, err := t.encodeDatagram(path, "", data)
	if err != nil {
		return err
	}
	return t.writeDatagram(ctx, addr, payload)
}

// Broadcast sends one datagram to every configured broadcast target
// concurrently. Per-target failures are logged only.
func (t *Transport) Broadcast(ctx context.Context, path string, data any) error {
	payload, err := t.encodeDatagram(path, "", data)
	if err != nil {
		return err
	}
	targets := t.resolveBroadcastTargets()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, target := range targets {
		group.Go(func() error {
			if err := t.writeDatagram(groupCtx, target, payload); err != nil {
				t.logger.Warn("broadcast to target failed", zap.Stringer("target", target), zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

func (t *Transport) resolveBroadcastTargets() []*net.UDPAddr {
	var targets []*net.UDPAddr
	seen := make(map[string]struct{})
	add := func(addr *net.UDPAddr) {
		key := addr.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, addr)
	}

	for _, target := range t.options.BroadcastTargets {
		host, portText, err := net.SplitHostPort(target)
		if err != nil {
			t.logger.Warn("invalid broadcast target", zap.String("target", target), zap.Error(err))
			continue
		}
		port, err := strconv.Atoi(portText)
		if err != nil || port <= 0 || port > 65535 {
			t.logger.Warn("invalid broadcast port", zap.String("target", target))
			continue
		}

		if host == limitedBroadcast {
			addresses, err := t.interfaceBroadcasts()
			if err != nil {
				t.logger.Warn("list interface broadcast addresses failed", zap.Error(err))
			}
			if len(addresses) == 0 {
				add(&net.UDPAddr{IP: net.IPv4bcast, Port: port})
				continue
			}
			for _, ip := range addresses {
				add(&net.UDPAddr{IP: ip, Port: port})
			}
			continue
		}

		ips, err := net.LookupIP(host)
		if err != nil {
			t.logger.Warn("resolve broadcast target failed", zap.String("target", target), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			if ip4 := ip.To4(); ip4 != nil {
				add(&net.UDPAddr{IP: ip4, Port: port})
			}
		}
	}
	return targets
}

func (t *Transport) joinMulticastGroups(conn *net.UDPConn) {
	var groups []net.IP
	for _, target := range t.options.BroadcastTargets {
		host, _, err := net.SplitHostPort(target)
		if err != nil {
			continue
		}
		if ip := net.ParseIP(host).To4(); ip != nil && ip.IsMulticast() {
			groups = append(groups, ip)
		}
	}
	if len(groups) == 0 {
		return
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		t.logger.Warn("list interfaces failed", zap.Error(err))
		return
	}
	packetConn := ipv4.NewPacketConn(conn)
	for _, group := range groups {
		joined := 0
		for i := range interfaces {
			iface := interfaces[i]
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
				continue
			}
			if err := packetConn.JoinGroup(&iface, &net.UDPAddr{IP: group}); err != nil {
				t.logger.Debug("join multicast group failed",
					zap.Stringer("group", group),
					zap.String("interface", iface.Name),
					zap.Error(err),
				)
				continue
			}
			joined++
		}
		t.logger.Info("joined multicast group", zap.Stringer("group", group), zap.Int("interfaces", joined))
	}
}

func localBroadcastAddresses() ([]net.IP, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || len(ipNet.Mask) != net.IPv4len {
				continue
			}
			broadcast := make(net.IP, net.IPv4len)
			for i := range ip {
				broadcast[i] = ip[i] | ^ipNet.Mask[i]
			}
			out = append(out, broadcast)
		}
	}
	return out, nil
}

// Request sends a correlated datagram and waits for the async result.
// Oversized requests fail with ErrDatagramTooLarge before anything is sent.
func (t *Transport) Request(ctx context.Context, addr *net.UDPAddr, path string, data any, timeout time.Duration) (Packet, error) {
	if timeout <= 0 {
		timeout = t.options.DatagramTimeout
	}
	packetID, future, err := t.pending.Create(timeout, func() string {
		return uuid.NewString()
	})
	if err != nil {
		return Packet{}, err
	}

	payload, err := t.encodeDatagram(path, packetID, data)
	if err != nil {
		t.pending.Fail(packetID, err)
		return Packet{}, err
	}
	if err := t.writeDatagram(ctx, addr, payload); err != nil {
		t.pending.Fail(packetID, err)
		return Packet{}, err
	}

	reply, err := future.Wait(ctx)
	if err != nil {
		t.pending.Fail(packetID, err)
		return Packet{}, err
	}
	return reply, nil
}

// OpenStream connects to addr and writes the framed handshake packet. The
// caller owns the returned connection.
func (t *Transport) OpenStream(ctx context.Context, addr *net.TCPAddr, path string, data any) (net.Conn, error) {
	payload, err := EncodePacket(t.options.ClientID, path, "", data)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: t.options.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", addr.String())
	if err != nil {
		return nil, asTimeout(fmt.Errorf("dial %s: %w", addr, err))
	}

	if err := conn.SetWriteDeadline(time.Now().Add(t.options.StreamTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, asTimeout(fmt.Errorf("write stream header: %w", err))
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

// Deliver sends a notification that expects a status reply. It tries two
// datagram requests and then one stream exchange. Replies other than ok or
// refused are treated as not understood.
func (t *Transport) Deliver(ctx context.Context, endpoint Endpoint, path string, data any) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := t.Request(ctx, endpoint.UDPAddr(), path, data, t.options.DatagramTimeout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			lastErr = err
			if errors.Is(err, ErrDatagramTooLarge) {
				break
			}
			t.logger.Debug("datagram attempt failed",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		var status StatusReply
		if err := reply.Decode(&status); err == nil && knownStatus(status.Status) {
			return status.Status, nil
		}
		lastErr = fmt.Errorf("%w: reply not understood on %q", ErrProtocol, path)
		break
	}

	status, err := t.deliverStream(ctx, endpoint, path, data)
	if err != nil {
		if lastErr != nil {
			return "", fmt.Errorf("deliver %q: %w (datagram: %v)", path, err, lastErr)
		}
		return "", fmt.Errorf("deliver %q: %w", path, err)
	}
	return status, nil
}

func (t *Transport) deliverStream(ctx context.Context, endpoint Endpoint, path string, data any) (string, error) {
	conn, err := t.OpenStream(ctx, endpoint.TCPAddr(), path, data)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	status, err := ReadStatus(conn, t.options.StreamTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	if !knownStatus(status) {
		return "", fmt.Errorf("%w: unexpected status %q", ErrProtocol, status)
	}
	return status, nil
}

func knownStatus(status string) bool {
	return status == StatusOK || status == StatusRefused
}
