package main

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/discovery"
	"github.com/ryandielhenn/zephyrrtps/pkg/participant"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

type options struct {
	n         int
	valSize   int
	loss      float64
	seed      uint64
	maxRounds int
	fragment  int
}

func main() {
	var o options
	cmd := &cobra.Command{
		Use:          "bench",
		Short:        "Push samples through a lossy in-process loopback and report repair cost",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(o)
		},
	}
	fs := cmd.Flags()
	fs.IntVarP(&o.n, "samples", "n", 5000, "samples to write")
	fs.IntVar(&o.valSize, "val", 128, "payload size bytes")
	fs.Float64Var(&o.loss, "loss", 0.1, "probability a message is dropped")
	fs.Uint64Var(&o.seed, "seed", 1, "loss generator seed")
	fs.IntVar(&o.maxRounds, "rounds", 1000, "heartbeat rounds before giving up")
	fs.IntVar(&o.fragment, "fragment", 0, "fragment size, 0 sends whole samples")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func locator(port uint16) rtps.Locator {
	return rtps.LocatorFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
}

func run(o options) error {
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(zap.ErrorLevel))
	if err != nil {
		return err
	}
	defer logger.Sync()

	// every delay is zero so one heartbeat round is one full repair cycle
	cfg := participant.DefaultConfig()
	cfg.Writer.NackResponseDelay = 0
	cfg.Writer.NackSuppressionDelay = 0
	cfg.Writer.FragmentSize = o.fragment
	cfg.Reader.HeartbeatResponseDelay = 0

	bus := transport.NewBus(transport.WithLoss(o.loss, o.seed), transport.WithBusLogger(logger))
	var delivered atomic.Int64
	newPeer := func(id byte, port uint16, opts ...participant.Opt) *participant.Participant {
		prefix := rtps.GuidPrefix{0x01, 0x7a, id}
		loc := locator(port)
		opts = append([]participant.Opt{participant.WithConfig(cfg), participant.WithLogger(logger)}, opts...)
		p := participant.New(prefix, bus.Sender(prefix, loc), []rtps.Locator{loc}, opts...)
		bus.Attach(loc, p)
		return p
	}
	pub := newPeer(1, 7410)
	sub := newPeer(2, 7411, participant.WithSampleListener(func(string, *rtps.CacheChange) {
		delivered.Add(1)
	}))

	wq := qos.DefaultWriter()
	wq.History = qos.History{Kind: qos.KeepAll}
	rq := qos.DefaultReader()
	rq.Reliability.Kind = qos.Reliable
	rq.History = qos.History{Kind: qos.KeepAll}
	w, err := pub.NewStatefulWriter("bench", wq)
	if err != nil {
		return err
	}
	r, err := sub.NewStatefulReader("bench", rq)
	if err != nil {
		return err
	}
	for _, a := range pub.Announcements() {
		sub.Apply(discovery.Event{Type: discovery.Added, Announcement: a})
	}
	for _, a := range sub.Announcements() {
		pub.Apply(discovery.Event{Type: discovery.Added, Announcement: a})
	}

	payload := bytes.Repeat([]byte{0xab}, o.valSize)
	start := time.Now()
	var last rtps.SequenceNumber
	for i := 0; i < o.n; i++ {
		c, err := w.Write(context.Background(), rtps.InstanceHandleNil, payload)
		if err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}
		last = c.SequenceNumber
	}
	writeDur := time.Since(start)

	rounds := 0
	for ; rounds < o.maxRounds && !w.IsAckedByAll(last); rounds++ {
		w.SendHeartbeat()
	}
	dur := time.Since(start)

	ws, rs := w.Stats(), r.Stats()
	sent, dropped := bus.Stats()
	fmt.Printf("Wrote %d samples in %s, acknowledged after %d heartbeat rounds in %s (%.2f samples/s)\n",
		o.n, writeDur, rounds, dur, float64(o.n)/dur.Seconds())
	fmt.Printf("Delivered %d, retransmissions %d, gaps %d, acknacks %d, duplicates %d\n",
		delivered.Load(), ws.Retransmissions, ws.GapsSent, ws.AckNacksReceived, rs.Duplicates)
	fmt.Printf("Bus sent %d messages, dropped %d (%.1f%%)\n",
		sent, dropped, 100*float64(dropped)/float64(max(sent, 1)))
	if !w.IsAckedByAll(last) {
		return fmt.Errorf("samples still unacknowledged after %d rounds", rounds)
	}
	return nil
}
