package network

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T, id string, configure func(*Options)) *Transport {
	t.Helper()

	options := Options{
		ClientID:        id,
		UDPAddress:      "127.0.0.1:0",
		TCPAddress:      "127.0.0.1:0",
		DatagramTimeout: 100 * time.Millisecond,
		StreamTimeout:   2 * time.Second,
	}
	if configure != nil {
		configure(&options)
	}
	transport, err := NewTransport(options)
	require.NoError(t, err)
	return transport
}

func startTransport(t *testing.T, transport *Transport) {
	t.Helper()

	require.NoError(t, transport.Listen())
	done := make(chan error, 1)
	go func() {
		done <- transport.Serve(context.Background())
	}()
	t.Cleanup(func() {
		_ = transport.Close()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("transport %s did not stop", transport.ClientID())
		}
	})
}

func endpointOf(transport *Transport) Endpoint {
	return Endpoint{
		IP:      net.IPv4(127, 0, 0, 1),
		UDPPort: transport.UDPAddr().Port,
		TCPPort: transport.TCPAddr().Port,
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRegisterHandlerPanicsOnDuplicatePath(t *testing.T) {
	transport := newTestTransport(t, "a", nil)
	handler := func(context.Context, *Request) error { return nil }

	transport.RegisterHandler("test.path", handler)
	require.Panics(t, func() {
		transport.RegisterHandler("test.path", handler)
	})
	require.Panics(t, func() {
		transport.RegisterHandler(PathAsyncResult, handler)
	})
}

func TestNewTransportRequiresClientID(t *testing.T) {
	_, err := NewTransport(Options{})
	require.Error(t, err)
}

func TestRequestRoundTripOverDatagram(t *testing.T) {
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler("test.echo", func(ctx context.Context, req *Request) error {
		var body map[string]string
		if err := req.Packet.Decode(&body); err != nil {
			return err
		}
		return req.Respond(ctx, map[string]string{"echo": body["text"], "from": req.Packet.SenderID})
	})
	startTransport(t, server)

	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	reply, err := client.Request(context.Background(), server.UDPAddr(), "test.echo", map[string]string{"text": "hello"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "server", reply.SenderID)
	require.Equal(t, PathAsyncResult, reply.Path)

	var body map[string]string
	require.NoError(t, reply.Decode(&body))
	require.Equal(t, "hello", body["echo"])
	require.Equal(t, "client", body["from"])
	require.Zero(t, client.pending.Len())
}

func TestRequestTimesOutForUnknownPath(t *testing.T) {
	server := newTestTransport(t, "server", nil)
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	_, err := client.Request(context.Background(), server.UDPAddr(), "test.nobody", map[string]string{}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, client.pending.Len())
}

func TestRequestRejectsOversizedDatagramWithoutSending(t *testing.T) {
	var received atomic.Int32
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler("test.big", func(context.Context, *Request) error {
		received.Add(1)
		return nil
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	big := map[string]string{"text": string(make([]byte, 2*MaxDatagramSize))}
	_, err := client.Request(context.Background(), server.UDPAddr(), "test.big", big, time.Second)
	require.ErrorIs(t, err, ErrDatagramTooLarge)
	require.Zero(t, client.pending.Len())

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, received.Load())
}

func TestDatagramLoopSurvivesMalformedPackets(t *testing.T) {
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler("test.ping", func(ctx context.Context, req *Request) error {
		return req.Respond(ctx, StatusReply{Status: StatusOK})
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	raw, err := net.DialUDP("udp4", nil, server.UDPAddr())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = raw.Write([]byte(`{"senderId":"x"}`))
	require.NoError(t, err)

	_, err = client.Request(context.Background(), server.UDPAddr(), "test.ping", struct{}{}, time.Second)
	require.NoError(t, err)
}

func TestOpenStreamHandsOverLiveConnection(t *testing.T) {
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler("test.stream", func(ctx context.Context, req *Request) error {
		if !req.FromStream() {
			return nil
		}
		var header map[string]string
		if err := req.Packet.Decode(&header); err != nil {
			return err
		}
		payload, err := ReadFrame(req.Stream, MaxFrameSize)
		if err != nil {
			return err
		}
		return WriteFrame(req.Stream, append([]byte(header["prefix"]), payload...))
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)

	conn, err := client.OpenStream(context.Background(), server.TCPAddr(), "test.stream", map[string]string{"prefix": "re:"})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, WriteFrame(conn, []byte("body")))
	reply, err := ReadFrameWithTimeout(conn, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "re:body", string(reply))
}

func TestDeliverUsesDatagramWhenReachable(t *testing.T) {
	var streams atomic.Int32
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler(PathMessageText, func(ctx context.Context, req *Request) error {
		if req.FromStream() {
			streams.Add(1)
		}
		return req.Respond(ctx, StatusReply{Status: StatusRefused})
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	status, err := client.Deliver(context.Background(), endpointOf(server), PathMessageText, map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, StatusRefused, status)
	require.Zero(t, streams.Load())
}

func TestDeliverFallsBackToStreamWhenDatagramUnreachable(t *testing.T) {
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler(PathMessageText, func(ctx context.Context, req *Request) error {
		return req.Respond(ctx, StatusReply{Status: StatusOK})
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	closed, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	deadPort := closed.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, closed.Close())

	endpoint := endpointOf(server)
	endpoint.UDPPort = deadPort

	status, err := client.Deliver(context.Background(), endpoint, PathMessageText, map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

func TestDeliverFallsBackWhenReplyNotUnderstood(t *testing.T) {
	var datagrams, streams atomic.Int32
	server := newTestTransport(t, "server", nil)
	server.RegisterHandler(PathMessageText, func(ctx context.Context, req *Request) error {
		if req.FromStream() {
			streams.Add(1)
			return req.Respond(ctx, StatusReply{Status: StatusOK})
		}
		datagrams.Add(1)
		return req.Respond(ctx, StatusReply{Status: "maybe"})
	})
	startTransport(t, server)
	client := newTestTransport(t, "client", nil)
	startTransport(t, client)

	status, err := client.Deliver(context.Background(), endpointOf(server), PathMessageText, map[string]string{"text": "hi"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
	require.Equal(t, int32(1), datagrams.Load())
	require.Equal(t, int32(1), streams.Load())
}

func TestDeliverFailsWhenBothPathsFail(t *testing.T) {
	client := newTestTransport(t, "client", func(o *Options) {
		o.ConnectTimeout = 200 * time.Millisecond
	})
	startTransport(t, client)

	udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	tcp, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	endpoint := Endpoint{
		IP:      net.IPv4(127, 0, 0, 1),
		UDPPort: udp.LocalAddr().(*net.UDPAddr).Port,
		TCPPort: tcp.Addr().(*net.TCPAddr).Port,
	}
	require.NoError(t, udp.Close())
	require.NoError(t, tcp.Close())

	_, err = client.Deliver(context.Background(), endpoint, PathMessageText, map[string]string{"text": "hi"})
	require.Error(t, err)
}

func TestBroadcastExpandsLimitedBroadcastPerInterface(t *testing.T) {
	var received atomic.Int32
	listener := newTestTransport(t, "listener", nil)
	listener.RegisterHandler(PathBroadcast, func(context.Context, *Request) error {
		received.Add(1)
		return nil
	})
	startTransport(t, listener)

	port := strconv.Itoa(listener.UDPAddr().Port)
	speaker := newTestTransport(t, "speaker", func(o *Options) {
		o.BroadcastTargets = []string{"255.255.255.255:" + port}
	})
	speaker.interfaceBroadcasts = func() ([]net.IP, error) {
		return []net.IP{net.IPv4(127, 0, 0, 1)}, nil
	}
	startTransport(t, speaker)

	require.NoError(t, speaker.Broadcast(context.Background(), PathBroadcast, map[string]string{"name": "speaker"}))
	waitForCondition(t, 2*time.Second, func() bool { return received.Load() == 1 })
}

func TestResolveBroadcastTargets(t *testing.T) {
	transport := newTestTransport(t, "a", func(o *Options) {
		o.BroadcastTargets = []string{
			"255.255.255.255:7470",
			"192.168.1.255:7470",
			"bad-target",
			"10.0.0.255:99999",
		}
	})
	transport.interfaceBroadcasts = func() ([]net.IP, error) {
		return []net.IP{net.IPv4(192, 168, 1, 255), net.IPv4(10, 1, 255, 255)}, nil
	}

	targets := transport.resolveBroadcastTargets()
	var got []string
	for _, target := range targets {
		got = append(got, target.String())
	}
	require.Equal(t, []string{"192.168.1.255:7470", "10.1.255.255:7470"}, got)
}

func TestServeBeforeListenFails(t *testing.T) {
	transport := newTestTransport(t, "a", nil)
	require.ErrorIs(t, transport.Serve(context.Background()), ErrNotListening)
}

func TestServeAfterCloseReturnsNil(t *testing.T) {
	transport := newTestTransport(t, "a", nil)
	require.NoError(t, transport.Listen())
	require.NoError(t, transport.Close())
	require.NoError(t, transport.Serve(context.Background()))
}

func TestServeStopsOnContextCancel(t *testing.T) {
	transport := newTestTransport(t, "a", nil)
	require.NoError(t, transport.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- transport.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
