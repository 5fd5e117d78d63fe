package samples

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

var writerGUID = rtps.Guid{
	Prefix:   rtps.GuidPrefix{1},
	EntityId: rtps.NewEntityId(1, rtps.EntityKindUserWriterWithKey),
}

func change(seq rtps.SequenceNumber, data []byte) *rtps.CacheChange {
	return &rtps.CacheChange{WriterGUID: writerGUID, SequenceNumber: seq, Data: data}
}

func seqs(ss []Sample) []int64 {
	var out []int64
	for _, s := range ss {
		out = append(out, s.Sequence)
	}
	return out
}

func TestPutListDelete(t *testing.T) {
	s := NewStore(1<<20, 0, nil)
	s.Put("a", change(1, []byte("alpha")))
	s.Put("b", change(2, []byte("beta")))
	s.Put("a", change(3, []byte("gamma")))

	require.Equal(t, 3, s.Len())
	require.Equal(t, []int64{3, 1}, seqs(s.List("a", 0)), "newest first")
	require.Equal(t, []int64{3}, seqs(s.List("a", 1)))
	require.Empty(t, s.List("c", 0))

	got, ok := s.Get(rtps.ChangeID{Writer: writerGUID, Seq: 2})
	require.True(t, ok)
	require.Equal(t, "b", got.Topic)
	require.Equal(t, []byte("beta"), got.Data)
	require.Equal(t, "alive", got.Kind)

	require.True(t, s.Delete(rtps.ChangeID{Writer: writerGUID, Seq: 2}))
	require.False(t, s.Delete(rtps.ChangeID{Writer: writerGUID, Seq: 2}))
	require.Equal(t, 2, s.Len())
}

func TestRepeatedPutKeepsOneEntry(t *testing.T) {
	s := NewStore(1<<20, 0, nil)
	s.Put("a", change(1, []byte("one")))
	s.Put("a", change(1, []byte("one")))
	require.Equal(t, 1, s.Len())
	require.Equal(t, 3, s.Bytes())
}

func TestPayloadIsCopied(t *testing.T) {
	s := NewStore(1<<20, 0, nil)
	buf := []byte("abc")
	s.Put("a", change(1, buf))
	buf[0] = 'x'
	got, _ := s.Get(rtps.ChangeID{Writer: writerGUID, Seq: 1})
	require.Equal(t, []byte("abc"), got.Data)
}

func TestTTLExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(1<<20, time.Minute, clock)
	s.Put("a", change(1, []byte("v")))
	clock.Advance(30 * time.Second)
	s.Put("a", change(2, []byte("w")))

	clock.Advance(45 * time.Second)
	require.Equal(t, []int64{2}, seqs(s.List("a", 0)))
	_, ok := s.Get(rtps.ChangeID{Writer: writerGUID, Seq: 1})
	require.False(t, ok)
	require.Equal(t, 1, s.Len(), "expired entries are dropped when seen")
}

func TestEvictionByCapacity(t *testing.T) {
	s := NewStore(100, 0, nil)
	s.Put("a", change(1, bytes.Repeat([]byte("a"), 40)))
	s.Put("a", change(2, bytes.Repeat([]byte("b"), 40)))
	s.Put("a", change(3, bytes.Repeat([]byte("c"), 40)))

	require.Equal(t, []int64{3, 2}, seqs(s.List("a", 0)), "oldest sample evicted")
	require.Equal(t, 80, s.Bytes())
}

func TestConcurrentAccess(t *testing.T) {
	s := NewStore(1<<20, 0, nil)
	var wg sync.WaitGroup
	for g := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic := fmt.Sprint("t", g%4)
			for i := range 500 {
				seq := rtps.SequenceNumber(g*1000 + i + 1)
				s.Put(topic, change(seq, fmt.Appendf(nil, "v-%d", i)))
				_, ok := s.Get(rtps.ChangeID{Writer: writerGUID, Seq: seq})
				if !ok {
					t.Errorf("missing %d right after Put", seq)
					return
				}
				if i%7 == 0 {
					s.List(topic, 5)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 16*500, s.Len())
}
