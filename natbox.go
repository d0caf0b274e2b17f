package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"go.universe.tf/distnat/acl"
	"go.universe.tf/distnat/config"
	"go.universe.tf/distnat/flow"
	"go.universe.tf/distnat/kvstore"
	"go.universe.tf/distnat/metrics"
	"go.universe.tf/distnat/nat"
	"go.universe.tf/distnat/nf"
	"go.universe.tf/distnat/portmanager"
)

func natbox(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.NewClient(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("connecting to binding store: %w", err)
	}
	defer store.Close()

	coord := portmanager.New(store, cfg.Coordinator())
	translator := nat.NewTranslator(cfg.NAT(), coord)
	coord.SetListener(translator)

	// Ports bound before this start, by us or by peers, are off limits
	// until the store says otherwise.
	if err := resync(ctx, coord, translator, true); err != nil {
		return err
	}

	engine := acl.NewEngine(cfg.Rules)
	fn := nf.New(engine, translator)
	for i, r := range cfg.Rules {
		log.WithFields(log.Fields{"index": i, "rule": r}).Debug("Loaded ACL rule")
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	reg.MustRegister(
		versioncollector.NewCollector("distnat"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		gc := nat.NewGC(translator, cfg.Timeouts.SweepInterval)
		gc.OnSweep = func(now time.Time) {
			fn.Sweep(now, cfg.Timeouts.ACLIdle)
			if n := coord.RetryReleases(); n > 0 {
				log.WithField("releases", n).Debug("Retrying failed releases")
			}
		}
		gc.Run(ctx)
		return nil
	})
	g.Go(func() error {
		wait.UntilWithContext(ctx, func(ctx context.Context) {
			if err := resync(ctx, coord, translator, false); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("Periodic resync failed, keeping current reservations")
			}
		}, cfg.Timeouts.ResyncInterval)
		return nil
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddr, reg)
		})
	}
	g.Go(func() error {
		return processPackets(ctx, cfg.Queue, fn.Pipeline())
	})

	log.WithFields(log.Fields{
		"instance": cfg.Instance,
		"nat-ip":   flow.FormatIP(cfg.NATIP),
		"store":    cfg.Store.Backend,
		"queue":    cfg.Queue.Num,
		"rules":    len(cfg.Rules),
	}).Info("Started")
	err = g.Wait()
	log.Info("Exiting")
	return err
}

// resync reconciles the translator's reservations with the bindings the
// store holds for its NAT IP.
func resync(ctx context.Context, coord *portmanager.Coordinator, translator *nat.Translator, adopt bool) error {
	bindings, err := coord.Resync(ctx)
	if err != nil {
		return fmt.Errorf("reading bindings: %w", err)
	}
	reserved, freed := translator.Reconcile(reservationsFor(translator.NATIP(), bindings), adopt)
	log.WithFields(log.Fields{
		"bindings": len(bindings),
		"reserved": reserved,
		"freed":    freed,
	}).Debug("Resynced with binding store")
	return nil
}

func reservationsFor(natIP uint32, bindings []portmanager.Binding) []nat.Reservation {
	var ret []nat.Reservation
	for _, b := range bindings {
		if b.NATIP != natIP {
			continue
		}
		ret = append(ret, nat.Reservation{Port: b.Port, Owner: b.Original, Instance: b.Instance})
	}
	return ret
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func processPackets(ctx context.Context, q config.Queue, pipeline *nf.Pipeline) error {
	queue, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.Num,
		MaxPacketLen: 65535,
		MaxQueueLen:  q.MaxLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		ReadTimeout:  10 * time.Millisecond,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("connecting to NFQUEUE %d: %w", q.Num, err)
	}
	defer queue.Close()

	process := func(a nfqueue.Attribute) int {
		if a.PacketID == nil {
			return 0
		}

		var err error
		if v, mangled := verdict(pipeline, a); mangled != nil {
			err = queue.SetVerdictModPacket(*a.PacketID, v, mangled)
		} else {
			err = queue.SetVerdict(*a.PacketID, v)
		}
		if err != nil {
			log.WithError(err).Debug("Setting verdict failed")
		}
		return 0
	}
	onError := func(err error) int {
		if err == nil || strings.Contains(err.Error(), "timeout") {
			return 0
		}
		log.WithError(err).Error("NFQUEUE receive failed")
		return 0
	}
	if err := queue.RegisterWithErrorFunc(ctx, process, onError); err != nil {
		return fmt.Errorf("registering packet processor: %w", err)
	}

	log.WithField("queue", q.Num).Info("Processing packets")
	<-ctx.Done()
	return nil
}

// verdict runs a queued packet through pipeline. It returns the nfqueue
// verdict, and the rewritten payload when the packet was mangled. Packets
// queued without a payload are accepted untouched, so the kernel does not
// hold them until the queue overflows.
func verdict(pipeline *nf.Pipeline, a nfqueue.Attribute) (int, []byte) {
	if a.Payload == nil {
		return nfqueue.NfAccept, nil
	}
	pkt := &nf.Packet{Payload: *a.Payload}
	switch pipeline.Process(pkt) {
	case nf.VerdictAccept:
		return nfqueue.NfAccept, nil
	case nf.VerdictMangle:
		return nfqueue.NfAccept, pkt.Payload
	default:
		return nfqueue.NfDrop, nil
	}
}
