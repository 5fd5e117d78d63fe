package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrrtps/discovery"
	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/participant"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rtpsd",
		Short:         "Run a participant with reliable pub-sub endpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg Config) (err error) {
	// 1. Logger and metrics
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	telemetry.SetBuildInfo(version, gitSHA)

	// 2. Bind the user traffic socket
	prefix, err := newGuidPrefix()
	if err != nil {
		return err
	}
	addr, err := cfg.listenAddr()
	if err != nil {
		return err
	}
	udp, err := transport.ListenUDP(addr, prefix, logger)
	if err != nil {
		return err
	}
	logger.Info("[Boot] listening", zap.Stringer("prefix", prefix), zap.Stringer("locator", udp.Locator()))

	// 3. Participant and its endpoints
	p := participant.New(prefix, udp, []rtps.Locator{udp.Locator()},
		participant.WithConfig(cfg.Participant), participant.WithLogger(logger))
	if err := createEndpoints(p, cfg); err != nil {
		udp.Close()
		return err
	}

	// the protocol keeps running through shutdown so writers can be acked
	netCtx, stopNet := context.WithCancel(context.Background())
	defer stopNet()
	var proto errgroup.Group
	proto.Go(func() error { return udp.Serve(netCtx, p) })
	proto.Go(func() error { return p.Run(netCtx) })

	g, ctx := errgroup.WithContext(ctx)

	// 4. Register with etcd and follow the domain
	var reg *discovery.Registration
	var cli *clientv3.Client
	if len(cfg.Etcd) > 0 {
		cli, err = discovery.NewClient(cfg.Etcd, cfg.DialTimeout)
		if err != nil {
			stopNet()
			return multierr.Combine(fmt.Errorf("etcd client: %w", err), ignoreCanceled(proto.Wait()))
		}
		logger.Info("[Boot] created etcd client", zap.Strings("endpoints", cli.Endpoints()))
		reg, err = discovery.Register(ctx, cli, cfg.Participant.DomainID, p.Announcements(), cfg.LeaseTTL, logger)
		if err != nil {
			cli.Close()
			stopNet()
			return multierr.Combine(err, ignoreCanceled(proto.Wait()))
		}
		g.Go(func() error {
			return discovery.Watch(ctx, cli, cfg.Participant.DomainID, p.Apply, logger)
		})
	} else {
		logger.Warn("[Boot] no etcd endpoints, discovery disabled")
	}

	// 5. HTTP API
	srv := &http.Server{Addr: cfg.HTTP, Handler: p.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("[Boot] http api listening", zap.String("addr", cfg.HTTP))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	logger.Info("shutting down")

	// 6. Let reliable writers drain, then leave the domain
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Linger+5*time.Second)
	defer cancel()
	err = multierr.Append(err, p.Close(closeCtx, cfg.Linger))
	if reg != nil {
		err = multierr.Append(err, reg.Close(closeCtx))
	}
	if cli != nil {
		err = multierr.Append(err, cli.Close())
	}
	stopNet()
	err = multierr.Append(err, ignoreCanceled(proto.Wait()))
	err = multierr.Append(err, ignoreCanceled(g.Wait()))
	if err != nil {
		logger.Warn("shutdown finished with errors", zap.Error(err))
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func createEndpoints(p *participant.Participant, cfg Config) error {
	for _, s := range cfg.Writers {
		spec, err := parseEndpoint(s)
		if err != nil {
			return err
		}
		if spec.reliable {
			_, err = p.NewStatefulWriter(spec.topic, spec.writerQoS())
		} else {
			_, err = p.NewStatelessWriter(spec.topic, spec.writerQoS())
		}
		if err != nil {
			return fmt.Errorf("writer %q: %w", s, err)
		}
	}
	for _, s := range cfg.Readers {
		spec, err := parseEndpoint(s)
		if err != nil {
			return err
		}
		if spec.reliable {
			_, err = p.NewStatefulReader(spec.topic, spec.readerQoS())
		} else {
			_, err = p.NewStatelessReader(spec.topic, spec.readerQoS())
		}
		if err != nil {
			return fmt.Errorf("reader %q: %w", s, err)
		}
	}
	return nil
}

// newGuidPrefix tags a random prefix with this implementation's vendor id.
func newGuidPrefix() (rtps.GuidPrefix, error) {
	var prefix rtps.GuidPrefix
	if _, err := rand.Read(prefix[2:]); err != nil {
		return prefix, fmt.Errorf("guid prefix: %w", err)
	}
	copy(prefix[:2], rtps.VendorIdZephyr[:])
	return prefix, nil
}
