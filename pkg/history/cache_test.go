package history

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

var (
	writerA = rtps.Guid{Prefix: rtps.GuidPrefix{0xa}, EntityId: rtps.NewEntityId(1, rtps.EntityKindUserWriterWithKey)}
	writerB = rtps.Guid{Prefix: rtps.GuidPrefix{0xb}, EntityId: rtps.NewEntityId(1, rtps.EntityKindUserWriterWithKey)}
)

func keepAll() *Store {
	return NewStore(qos.History{Kind: qos.KeepAll}, qos.UnlimitedResources())
}

func change(w rtps.Guid, seq rtps.SequenceNumber, instance byte) *rtps.CacheChange {
	return &rtps.CacheChange{
		Kind:           rtps.ChangeKindAlive,
		WriterGUID:     w,
		InstanceHandle: rtps.InstanceHandle{instance},
		SequenceNumber: seq,
		Data:           []byte(fmt.Sprintf("v%d", seq)),
	}
}

func TestMinMaxTrackExtremes(t *testing.T) {
	s := keepAll()

	_, ok := s.SeqNumMin()
	require.False(t, ok, "empty cache has no min")
	_, ok = s.SeqNumMax()
	require.False(t, ok, "empty cache has no max")

	for seq := rtps.SequenceNumber(1); seq <= 20; seq++ {
		require.NoError(t, s.AddChange(change(writerA, seq, byte(seq%3))))
		lo, ok := s.SeqNumMin()
		require.True(t, ok)
		require.Equal(t, rtps.SequenceNumber(1), lo)
		hi, ok := s.SeqNumMax()
		require.True(t, ok)
		require.Equal(t, seq, hi)
	}

	for seq := rtps.SequenceNumber(1); seq <= 20; seq++ {
		c, ok := s.RemoveChange(writerA, seq)
		require.True(t, ok)
		require.Equal(t, seq, c.SequenceNumber)
	}
	_, ok = s.SeqNumMin()
	require.False(t, ok)
	_, ok = s.SeqNumMax()
	require.False(t, ok)
	require.Zero(t, s.Len())
	require.Zero(t, s.InstanceCount())
}

func TestDuplicateAddIsNoop(t *testing.T) {
	s := keepAll()
	first := change(writerA, 1, 0)
	require.NoError(t, s.AddChange(first))
	require.NoError(t, s.AddChange(change(writerA, 1, 0)))
	require.Equal(t, 1, s.Len())

	got, ok := s.Change(writerA, 1)
	require.True(t, ok)
	require.Same(t, first, got, "the original change stays cached")

	// same sequence number from another writer is a distinct change
	require.NoError(t, s.AddChange(change(writerB, 1, 0)))
	require.Equal(t, 2, s.Len())
}

func TestRemoveMissing(t *testing.T) {
	s := keepAll()
	_, ok := s.RemoveChange(writerA, 7)
	require.False(t, ok)
}

func TestChangesOrderedAcrossWriters(t *testing.T) {
	s := keepAll()
	for _, c := range []*rtps.CacheChange{
		change(writerB, 3, 0),
		change(writerA, 5, 0),
		change(writerA, 1, 0),
		change(writerB, 1, 0),
		change(writerA, 3, 0),
	} {
		require.NoError(t, s.AddChange(c))
	}
	var got []rtps.ChangeID
	for _, c := range s.Changes() {
		got = append(got, c.ID())
	}
	require.Equal(t, []rtps.ChangeID{
		{Writer: writerA, Seq: 1},
		{Writer: writerB, Seq: 1},
		{Writer: writerA, Seq: 3},
		{Writer: writerB, Seq: 3},
		{Writer: writerA, Seq: 5},
	}, got)
}

func TestKeepLastEvictsOldestOfInstance(t *testing.T) {
	var evicted []rtps.SequenceNumber
	s := NewStore(qos.History{Kind: qos.KeepLast, Depth: 2}, qos.UnlimitedResources(),
		WithEvictionHook(func(c *rtps.CacheChange) { evicted = append(evicted, c.SequenceNumber) }))

	require.NoError(t, s.AddChange(change(writerA, 1, 1)))
	require.NoError(t, s.AddChange(change(writerA, 2, 2)))
	require.NoError(t, s.AddChange(change(writerA, 3, 1)))
	require.NoError(t, s.AddChange(change(writerA, 4, 1))) // third sample of instance 1 -> evict seq 1

	require.Equal(t, []rtps.SequenceNumber{1}, evicted)
	_, ok := s.Change(writerA, 1)
	require.False(t, ok)
	for _, seq := range []rtps.SequenceNumber{2, 3, 4} {
		_, ok := s.Change(writerA, seq)
		require.True(t, ok, "seq %d", seq)
	}
	lo, _ := s.SeqNumMin()
	require.Equal(t, rtps.SequenceNumber(2), lo)
}

func TestKeepAllRejectsAtCapacity(t *testing.T) {
	s := NewStore(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{
		MaxSamples:            3,
		MaxInstances:          qos.LengthUnlimited,
		MaxSamplesPerInstance: qos.LengthUnlimited,
	})
	for seq := rtps.SequenceNumber(1); seq <= 3; seq++ {
		require.NoError(t, s.AddChange(change(writerA, seq, 0)))
	}
	err := s.AddChange(change(writerA, 4, 0))
	require.True(t, errors.Is(err, rtps.ErrResourceExhausted), "got %v", err)
	require.Equal(t, 3, s.Len(), "rejected add must not evict")

	_, ok := s.RemoveChange(writerA, 1)
	require.True(t, ok)
	require.NoError(t, s.AddChange(change(writerA, 4, 0)))
}

func TestKeepAllPerInstanceLimit(t *testing.T) {
	s := NewStore(qos.History{Kind: qos.KeepAll}, qos.ResourceLimits{
		MaxSamples:            qos.LengthUnlimited,
		MaxInstances:          qos.LengthUnlimited,
		MaxSamplesPerInstance: 2,
	})
	require.NoError(t, s.AddChange(change(writerA, 1, 1)))
	require.NoError(t, s.AddChange(change(writerA, 2, 1)))
	require.ErrorIs(t, s.AddChange(change(writerA, 3, 1)), rtps.ErrResourceExhausted)
	require.NoError(t, s.AddChange(change(writerA, 3, 2)), "other instance still has room")
}

func TestMaxInstances(t *testing.T) {
	s := NewStore(qos.History{Kind: qos.KeepLast, Depth: 1}, qos.ResourceLimits{
		MaxSamples:            qos.LengthUnlimited,
		MaxInstances:          2,
		MaxSamplesPerInstance: qos.LengthUnlimited,
	})
	require.NoError(t, s.AddChange(change(writerA, 1, 1)))
	require.NoError(t, s.AddChange(change(writerA, 2, 2)))
	require.ErrorIs(t, s.AddChange(change(writerA, 3, 3)), rtps.ErrResourceExhausted)
	require.NoError(t, s.AddChange(change(writerA, 4, 1)), "existing instance replaces its sample")
	require.Equal(t, 2, s.Len())
}

func TestKeepLastHonoursMaxSamples(t *testing.T) {
	s := NewStore(qos.History{Kind: qos.KeepLast, Depth: 2}, qos.ResourceLimits{
		MaxSamples:            3,
		MaxInstances:          qos.LengthUnlimited,
		MaxSamplesPerInstance: qos.LengthUnlimited,
	})
	require.NoError(t, s.AddChange(change(writerA, 1, 1)))
	require.NoError(t, s.AddChange(change(writerA, 2, 1)))
	require.NoError(t, s.AddChange(change(writerA, 3, 2)))
	require.ErrorIs(t, s.AddChange(change(writerA, 4, 3)), rtps.ErrResourceExhausted)
	require.NoError(t, s.AddChange(change(writerA, 5, 1)), "replacing within an instance frees a slot")
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	s := keepAll()

	var wg sync.WaitGroup
	const G = 16
	const N = 500

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			w := rtps.Guid{Prefix: rtps.GuidPrefix{byte(gid)}, EntityId: writerA.EntityId}
			for i := range N {
				if stop.Load() {
					return
				}
				seq := rtps.SequenceNumber(i + 1)
				if err := s.AddChange(change(w, seq, byte(gid))); err != nil {
					errCh <- err
					stop.Store(true)
					return
				}
				if _, ok := s.Change(w, seq); !ok {
					errCh <- fmt.Errorf("missing %s#%d right after add", w, seq)
					stop.Store(true)
					return
				}
				if i%7 == 0 {
					s.RemoveChange(w, seq)
				}
				s.SeqNumMax()
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
}
