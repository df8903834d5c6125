package discovery

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanlinks/dispatch"
	"lanlinks/network"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

type fakeAvatars struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *fakeAvatars) Fetch(ctx context.Context, hash string, endpoint network.Endpoint) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return "/cache/" + hash + ".png", nil
}

func newTestDirectory(t *testing.T, clock *fakeClock, configure func(*DirectoryOptions)) *Directory {
	t.Helper()
	options := DirectoryOptions{SelfID: "self", OnlineTimeout: 15 * time.Second}
	if clock != nil {
		options.now = clock.Now
	}
	if configure != nil {
		configure(&options)
	}
	directory, err := NewDirectory(options)
	require.NoError(t, err)
	return directory
}

func announce(name string) Announcement {
	return Announcement{Name: name, Text: "hi", UDPPort: 7470, TCPPort: 7471}
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

func TestObserveCreatesOneRecordPerID(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	directory := newTestDirectory(t, clock, nil)
	ctx := context.Background()

	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))
	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 3), announce("alice renamed"))
	directory.Observe(ctx, "self", net.IPv4(10, 0, 0, 1), announce("me"))

	peers := directory.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "alice renamed", peers[0].Name)
	assert.Equal(t, "10.0.0.3", peers[0].IP)
	assert.True(t, peers[0].Online())

	endpoint, ok := directory.Endpoint("a")
	require.True(t, ok)
	assert.Equal(t, 7470, endpoint.UDPPort)
	assert.Equal(t, 7471, endpoint.TCPPort)
}

func TestAgeMarksOfflineOnlyAfterTimeout(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	directory := newTestDirectory(t, clock, nil)
	ctx := context.Background()
	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))

	clock.Set(start.Add(15 * time.Second))
	directory.Age(ctx)
	peer, _ := directory.Peer("a")
	require.True(t, peer.Online(), "exactly the timeout must not flip the peer")

	clock.Set(start.Add(15*time.Second + time.Millisecond))
	directory.Age(ctx)
	peer, _ = directory.Peer("a")
	require.False(t, peer.Online())

	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))
	peer, _ = directory.Peer("a")
	require.True(t, peer.Online())
	require.Len(t, directory.Peers(), 1)
}

func TestAgeTreatsClockGoingBackwardsAsOffline(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	directory := newTestDirectory(t, clock, nil)
	directory.Observe(context.Background(), "a", net.IPv4(10, 0, 0, 2), announce("alice"))

	clock.Set(start.Add(-time.Second))
	directory.Age(context.Background())
	peer, _ := directory.Peer("a")
	require.False(t, peer.Online())
}

func TestCleanOfflineRecordsRemovesExactlyOfflinePeers(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{now: start}
	directory := newTestDirectory(t, clock, nil)
	ctx := context.Background()

	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))
	directory.Observe(ctx, "c", net.IPv4(10, 0, 0, 4), announce("carol"))
	clock.Set(start.Add(10 * time.Second))
	directory.Observe(ctx, "b", net.IPv4(10, 0, 0, 3), announce("bob"))

	clock.Set(start.Add(20 * time.Second))
	require.Empty(t, directory.CleanOfflineRecords(ctx), "no peer is offline before aging runs")

	directory.Age(ctx)
	removed := directory.CleanOfflineRecords(ctx)
	require.Equal(t, []string{"a", "c"}, removed)

	peers := directory.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "b", peers[0].ID)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	directory := newTestDirectory(t, clock, nil)
	ctx := context.Background()

	var got []EventType
	unsubscribe := directory.Subscribe(func(event Event) {
		got = append(got, event.Type)
	})

	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))
	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice"))
	clock.Set(clock.Now().Add(time.Minute))
	directory.Age(ctx)
	directory.CleanOfflineRecords(ctx)

	unsubscribe()
	directory.Observe(ctx, "b", net.IPv4(10, 0, 0, 3), announce("bob"))

	require.Equal(t, []EventType{EventPeerAdded, EventPeerUpdated, EventPeerOffline, EventPeerRemoved}, got)
}

func TestConcurrentObserveDeliversEventsInOrder(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	loop := dispatch.NewLoop()
	defer loop.Stop()
	directory := newTestDirectory(t, clock, func(o *DirectoryOptions) {
		o.Dispatcher = loop
	})
	ctx := context.Background()

	var got []Event
	directory.Subscribe(func(event Event) {
		// Reading the directory from an observer must not block.
		_ = directory.Peers()
		got = append(got, event)
	})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), announce("alice "+strconv.Itoa(i)))
		}()
	}
	wg.Wait()

	var events []Event
	require.NoError(t, loop.Invoke(ctx, func() {
		events = append(events, got...)
	}))
	require.Len(t, events, writers)
	assert.Equal(t, EventPeerAdded, events[0].Type)
	for _, event := range events[1:] {
		assert.Equal(t, EventPeerUpdated, event.Type)
	}

	peer, ok := directory.Peer("a")
	require.True(t, ok)
	assert.Equal(t, peer.Name, events[writers-1].Peer.Name)
}

func TestAvatarRefreshRunsOncePerPeer(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	avatars := &fakeAvatars{release: make(chan struct{})}
	directory := newTestDirectory(t, clock, func(o *DirectoryOptions) {
		o.Avatars = avatars
	})
	ctx := context.Background()

	var updated atomic.Int32
	directory.Subscribe(func(event Event) {
		if event.Type == EventAvatarUpdated {
			updated.Add(1)
		}
	})

	a := announce("alice")
	a.ImageHash = "beef"
	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), a)

	for i := 0; i < 5; i++ {
		directory.Age(ctx)
	}
	waitForCondition(t, time.Second, func() bool { return avatars.calls.Load() == 1 })
	close(avatars.release)

	waitForCondition(t, time.Second, func() bool {
		peer, _ := directory.Peer("a")
		return peer.ImageHash == "beef"
	})
	peer, _ := directory.Peer("a")
	require.Equal(t, "/cache/beef.png", peer.ImagePath)
	waitForCondition(t, time.Second, func() bool { return updated.Load() == 1 })

	directory.Age(ctx)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), avatars.calls.Load())
}

func TestAvatarRefreshFailureIsRetriedLater(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	avatars := &fakeAvatars{err: errors.New("peer gone")}
	directory := newTestDirectory(t, clock, func(o *DirectoryOptions) {
		o.Avatars = avatars
	})
	ctx := context.Background()

	a := announce("alice")
	a.ImageHash = "beef"
	directory.Observe(ctx, "a", net.IPv4(10, 0, 0, 2), a)

	directory.Age(ctx)
	waitForCondition(t, time.Second, func() bool {
		directory.Age(ctx)
		return avatars.calls.Load() >= 2
	})
	peer, _ := directory.Peer("a")
	require.Empty(t, peer.ImageHash)
}

func TestBroadcastScenarioCreatesOneRecord(t *testing.T) {
	newTransport := func(id string, targets []string) *network.Transport {
		transport, err := network.NewTransport(network.Options{
			ClientID:         id,
			UDPAddress:       "127.0.0.1:0",
			TCPAddress:       "127.0.0.1:0",
			BroadcastTargets: targets,
		})
		require.NoError(t, err)
		return transport
	}
	serve := func(transport *network.Transport) {
		require.NoError(t, transport.Listen())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = transport.Serve(context.Background())
		}()
		t.Cleanup(func() {
			_ = transport.Close()
			<-done
		})
	}

	transportB := newTransport("client-b", nil)
	directoryB := newTestDirectory(t, nil, func(o *DirectoryOptions) { o.SelfID = "client-b" })
	transportB.RegisterHandler(network.PathBroadcast, directoryB.Handle)
	serve(transportB)

	target := "127.0.0.1:" + strconv.Itoa(transportB.UDPAddr().Port)
	transportA := newTransport("client-a", []string{target})
	serve(transportA)
	directoryA := newTestDirectory(t, nil, func(o *DirectoryOptions) {
		o.SelfID = "client-a"
		o.Broadcaster = transportA
		o.BroadcastInterval = 50 * time.Millisecond
	})
	directoryA.SetAnnouncement(Announcement{
		Name:    "alice",
		Text:    "around",
		UDPPort: transportA.UDPAddr().Port,
		TCPPort: transportA.TCPAddr().Port,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = directoryA.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitForCondition(t, 2*time.Second, func() bool {
		_, ok := directoryB.Peer("client-a")
		return ok
	})
	time.Sleep(150 * time.Millisecond)

	peers := directoryB.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "client-a", peers[0].ID)
	assert.Equal(t, "alice", peers[0].Name)
	assert.Equal(t, "127.0.0.1", peers[0].IP)
	assert.Equal(t, transportA.UDPAddr().Port, peers[0].UDPPort)
	assert.Equal(t, transportA.TCPAddr().Port, peers[0].TCPPort)
}
