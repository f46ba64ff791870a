package oplog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecentNewestFirst(t *testing.T) {
	r := New(10)
	r.Info("test", "", "first")
	r.Warn("test", "d1", "second")
	r.Error("test", "", "third")

	got := r.Recent(0)
	require.Len(t, got, 3)
	require.Equal(t, "third", got[0].Message)
	require.Equal(t, "first", got[2].Message)
	require.Equal(t, "warn", got[1].Level)
	require.Equal(t, "d1", got[1].NodeID)
}

func TestRingEvictsOldest(t *testing.T) {
	r := New(3)
	for i := 1; i <= 5; i++ {
		r.Info("test", "", fmt.Sprintf("entry %d", i))
	}

	require.Equal(t, 3, r.Len())
	got := r.Recent(0)
	require.Equal(t, "entry 5", got[0].Message)
	require.Equal(t, "entry 3", got[2].Message)
}

func TestRecentLimit(t *testing.T) {
	r := New(10)
	for i := 0; i < 6; i++ {
		r.Info("test", "", fmt.Sprintf("entry %d", i))
	}
	require.Len(t, r.Recent(2), 2)
	require.Len(t, r.Recent(100), 6)
}

func TestDefaultCapacity(t *testing.T) {
	r := New(0)
	for i := 0; i < DefaultCapacity+5; i++ {
		r.Info("test", "", "x")
	}
	require.Equal(t, DefaultCapacity, r.Len())
}

func TestAppendStampsTimestamp(t *testing.T) {
	r := New(4)
	r.Append(Entry{Level: "info", Source: "test", Message: "no ts"})
	require.False(t, r.Recent(1)[0].Timestamp.IsZero())
}

func TestConcurrentAppends(t *testing.T) {
	r := New(64)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r.Info("test", "", fmt.Sprintf("writer %d msg %d", n, j))
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 64, r.Len())
}
