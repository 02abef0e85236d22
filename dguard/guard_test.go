package dguard_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gordian-engine/tether/dguard"
	"github.com/gordian-engine/tether/internal/dtest"
	"github.com/stretchr/testify/require"
)

func TestGuard(t *testing.T) {
	t.Parallel()

	target := dtest.RandomAddressesForTest(t, 1)[0]
	g := dguard.New[string, int](target)
	require.Equal(t, target, g.Target())
	require.True(t, g.CanAttempt())

	g.RecordConnector("c1")
	require.False(t, g.CanAttempt())
	c, ok := g.Connector()
	require.True(t, ok)
	require.Equal(t, "c1", c)

	g.AddAttempt(1)
	g.AddAttempt(2)
	require.Equal(t, []int{2, 1}, g.Attempts())

	g.ClearConnector()
	_, ok = g.Connector()
	require.False(t, ok)

	// Attempts alone still block.
	require.False(t, g.CanAttempt())
	require.True(t, g.ContainsAttempt(1))

	g.RemoveAttempt(1)
	g.RemoveAttempt(1)
	g.RemoveAttempt(42)
	require.False(t, g.ContainsAttempt(1))
	require.False(t, g.CanAttempt())

	g.RemoveAttempt(2)
	require.True(t, g.CanAttempt())
	require.Empty(t, g.Attempts())
}

func TestSet_TryRecordConnector(t *testing.T) {
	t.Parallel()

	addrs := dtest.RandomAddressesForTest(t, 2)
	s := dguard.NewSet[int, int]()

	require.True(t, s.TryRecordConnector(addrs[0], 1))
	require.False(t, s.TryRecordConnector(addrs[0], 2))
	require.True(t, s.TryRecordConnector(addrs[1], 3))
	require.Equal(t, 2, s.Len())

	// Hand off from connector to attempt; still blocked.
	s.AddAttempt(addrs[0], 10)
	s.ClearConnector(addrs[0])
	require.False(t, s.CanAttempt(addrs[0]))

	s.RemoveAttempt(addrs[0], 10)
	require.True(t, s.CanAttempt(addrs[0]))
	require.Equal(t, 1, s.Len())

	var contains bool
	s.Update(addrs[1], func(g *dguard.Guard[int, int]) {
		c, _ := g.Connector()
		contains = c == 3
	})
	require.True(t, contains)
}

func TestSet_concurrentTryRecordConnector(t *testing.T) {
	t.Parallel()

	target := dtest.RandomAddressesForTest(t, 1)[0]
	s := dguard.NewSet[int, int]()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryRecordConnector(target, i) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
}
