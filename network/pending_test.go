package network

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingTableFulfil(t *testing.T) {
	table := NewPendingTable[string, int]()
	key, future, err := table.Create(time.Second, func() string { return "k1" })
	require.NoError(t, err)
	require.Equal(t, "k1", key)
	require.Equal(t, 1, table.Len())

	require.True(t, table.Fulfil(key, 42))
	value, err := future.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, value)
	require.Zero(t, table.Len())

	require.False(t, table.Fulfil(key, 7), "second fulfil must be a no-op")
	require.False(t, table.Fulfil("unknown", 1))
}

func TestPendingTableTimeout(t *testing.T) {
	table := NewPendingTable[string, int]()
	_, future, err := table.Create(20*time.Millisecond, func() string { return "slow" })
	require.NoError(t, err)

	_, err = future.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, table.Len())
}

func TestPendingTableCreateSkipsPendingKeys(t *testing.T) {
	table := NewPendingTable[string, int]()
	_, _, err := table.Create(time.Second, func() string { return "dup" })
	require.NoError(t, err)

	calls := 0
	key, _, err := table.Create(time.Second, func() string {
		calls++
		if calls < 3 {
			return "dup"
		}
		return "fresh"
	})
	require.NoError(t, err)
	require.Equal(t, "fresh", key)
	require.Equal(t, 3, calls)

	_, _, err = table.Create(time.Second, func() string { return "dup" })
	require.ErrorIs(t, err, ErrKeyExhausted)
}

func TestPendingTableJoinSharesFuture(t *testing.T) {
	table := NewPendingTable[string, string]()
	first, created := table.Join("hash", time.Second)
	require.True(t, created)
	second, created := table.Join("hash", time.Second)
	require.False(t, created)
	require.Same(t, first, second)

	table.Fulfil("hash", "/cache/hash.png")

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, future := range []*Future[string]{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = future.Wait(context.Background())
		}()
	}
	wg.Wait()
	require.Equal(t, []string{"/cache/hash.png", "/cache/hash.png"}, results)
}

func TestPendingTableFail(t *testing.T) {
	table := NewPendingTable[string, int]()
	future, _ := table.Join("k", time.Second)
	boom := errors.New("boom")
	require.True(t, table.Fail("k", boom))

	_, err := future.Wait(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestFutureWaitHonoursContext(t *testing.T) {
	table := NewPendingTable[string, int]()
	_, future, err := table.Create(time.Minute, func() string { return "k" })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = future.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingTableConcurrentUse(t *testing.T) {
	table := NewPendingTable[string, int]()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := strconv.Itoa(i)
			future, _ := table.Join(key, time.Second)
			table.Fulfil(key, i)
			value, err := future.Wait(context.Background())
			if err == nil && value != i {
				t.Errorf("key %s resolved with %d", key, value)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, table.Len())
}
