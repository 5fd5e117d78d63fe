package reader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

// wire connects one writer and one reader through bus.
func wire(t *testing.T, bus *transport.Bus, wcfg writer.Config, wq qos.Endpoint, rcfg Config) (*writer.StatefulWriter, *StatefulReader, *collector) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	wLoc, rLoc := loc(7410), loc(7411)

	col := &collector{}
	r := NewStatefulReader(readerGUID, reliableReader(), bus.Sender(readerGUID.Prefix, rLoc),
		WithConfig(rcfg), WithLogger(logger), WithListener(col.listen))
	w := writer.NewStatefulWriter(writerGUID, wq, bus.Sender(writerGUID.Prefix, wLoc),
		writer.WithConfig(wcfg), writer.WithLogger(logger))

	bus.Attach(rLoc, transport.HandlerFunc(func(env message.Envelope) {
		for _, sub := range env.Submessages {
			switch m := sub.(type) {
			case *message.Data:
				r.HandleData(env.Source, m)
			case *message.DataFrag:
				r.HandleDataFrag(env.Source, m)
			case *message.Gap:
				r.HandleGap(env.Source, m)
			case *message.Heartbeat:
				r.HandleHeartbeat(env.Source, m)
			case *message.HeartbeatFrag:
				r.HandleHeartbeatFrag(env.Source, m)
			}
		}
	}))
	bus.Attach(wLoc, transport.HandlerFunc(func(env message.Envelope) {
		for _, sub := range env.Submessages {
			switch m := sub.(type) {
			case *message.AckNack:
				w.HandleAckNack(env.Source, m)
			case *message.NackFrag:
				w.HandleNackFrag(env.Source, m)
			}
		}
	}))

	r.MatchedWriterAdd(WriterProxyAttributes{RemoteWriterGUID: writerGUID, UnicastLocators: []rtps.Locator{wLoc}})
	w.MatchedReaderAdd(writer.ReaderProxyAttributes{RemoteReaderGUID: readerGUID, UnicastLocators: []rtps.Locator{rLoc}})
	return w, r, col
}

func synchronous() (writer.Config, Config) {
	wcfg := writer.DefaultConfig()
	wcfg.NackResponseDelay = 0
	rcfg := DefaultConfig()
	rcfg.HeartbeatResponseDelay = 0
	return wcfg, rcfg
}

func TestEndToEndLossless(t *testing.T) {
	wcfg, rcfg := synchronous()
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepAll}
	w, _, col := wire(t, transport.NewBus(), wcfg, q, rcfg)

	for i := range 3 {
		_, err := w.Write(context.Background(), rtps.InstanceHandle{}, []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	require.Equal(t, []rtps.SequenceNumber{1, 2, 3}, col.delivered())

	w.SendHeartbeat()
	for seq := rtps.SequenceNumber(1); seq <= 3; seq++ {
		require.True(t, w.IsAckedByAll(seq))
	}
	require.NoError(t, w.WaitForAcknowledgments(context.Background(), time.Second))
}

func TestEndToEndLossyDeliversEverythingInOrder(t *testing.T) {
	const samples = 50
	bus := transport.NewBus(transport.WithLoss(0.3, 7))
	wcfg, rcfg := synchronous()
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepAll}
	w, r, col := wire(t, bus, wcfg, q, rcfg)

	for i := range samples {
		_, err := w.Write(context.Background(), rtps.InstanceHandle{}, []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	for range 500 {
		if w.IsAckedByAll(samples) && len(col.delivered()) == samples {
			break
		}
		w.SendHeartbeat()
	}

	want := make([]rtps.SequenceNumber, samples)
	for i := range want {
		want[i] = rtps.SequenceNumber(i + 1)
	}
	require.Equal(t, want, col.delivered())
	require.True(t, w.IsAckedByAll(samples))
	_, dropped := bus.Stats()
	require.NotZero(t, dropped)
	require.NotZero(t, w.Stats().Retransmissions)
	require.Equal(t, samples, r.Cache().Len())
}

func TestEndToEndEvictedChangesBecomeGaps(t *testing.T) {
	bus := transport.NewBus()
	wcfg, rcfg := synchronous()
	wcfg.PushMode = false
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepLast, Depth: 2}
	w, r, col := wire(t, bus, wcfg, q, rcfg)

	for i := range 5 {
		_, err := w.Write(context.Background(), rtps.InstanceHandle{}, []byte(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	// the heartbeat announces [4,5]; 1..3 are lost for good
	w.SendHeartbeat()
	require.Equal(t, []rtps.SequenceNumber{4, 5}, col.delivered())

	p, ok := r.MatchedWriterLookup(writerGUID)
	require.True(t, ok)
	require.Equal(t, rtps.SequenceNumber(5), p.AvailableChangesMax())
	require.Equal(t, rtps.StatusNotAvailableRemoved, p.Status(2))
	require.True(t, w.IsAckedByAll(5))
}

func TestEndToEndFragments(t *testing.T) {
	bus := transport.NewBus(transport.WithLoss(0.2, 3))
	wcfg, rcfg := synchronous()
	wcfg.FragmentSize = 8
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepAll}
	w, _, col := wire(t, bus, wcfg, q, rcfg)

	payload := []byte("a payload much longer than one fragment")
	_, err := w.Write(context.Background(), rtps.InstanceHandle{}, payload)
	require.NoError(t, err)
	for range 200 {
		if w.IsAckedByAll(1) {
			break
		}
		w.SendHeartbeat()
	}
	require.Equal(t, []rtps.SequenceNumber{1}, col.delivered())
	require.Equal(t, payload, col.data[0])
}
