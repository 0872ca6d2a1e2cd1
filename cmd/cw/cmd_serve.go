package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/daviddao/clockwork/pkg/clock"
	"github.com/daviddao/clockwork/pkg/controller"
	"github.com/daviddao/clockwork/pkg/frontier"
	"github.com/daviddao/clockwork/pkg/model"
	"github.com/daviddao/clockwork/pkg/storage"
	"github.com/daviddao/clockwork/pkg/store"
	"github.com/daviddao/clockwork/pkg/timestamp"
)

// compactionLag is how far read frontiers trail the sources' uppers.
const compactionLag = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var (
		sources  int
		tick     time.Duration
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a controller over simulated sources and answer peeks",
		Long: `Run the controller against in-memory storage shards. Every tick the
sources advance, a strict serializable peek is issued against all of them,
and peeks that cannot be answered yet wait on a watch set. Frontiers and
status changes are recorded in the introspection database, and Prometheus
metrics are served on metrics_addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sources <= 0 {
				return errors.Newf("--sources must be positive, got %d", sources)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return a.serve(ctx, sources, tick)
		},
	}
	cmd.Flags().IntVar(&sources, "sources", 3, "number of simulated sources")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "interval between source advances and peeks")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func (a *app) serve(ctx context.Context, sources int, tick time.Duration) error {
	cfg := controller.Config{FrontierInterval: a.cfg.FrontierInterval}
	var st store.StoreInterface
	if a.cfg.DBPath != "" {
		var err error
		if st, err = a.openStore(); err != nil {
			return err
		}
		defer st.Close()
		cfg.Recorder = st
	}
	s := newSim(a.cfg.Shards, cfg, a.log)
	defer s.Close()

	reg := clock.NewRegistry()
	oracle := reg.Get(model.EpochMilliseconds)
	start, err := oracle.ReadTS(ctx)
	if err != nil {
		return err
	}

	ids := make([]model.GlobalID, sources)
	descs := make([]controller.CollectionDescription, sources)
	ingest := make([]storage.RunIngestionCommand, sources)
	for i := range ids {
		ids[i] = model.User(uint64(i + 1))
		descs[i] = controller.CollectionDescription{ID: ids[i], Since: frontier.FromElem(start)}
		ingest[i] = storage.RunIngestionCommand{ID: ids[i]}
	}
	if err := s.ctrl.Storage.CreateTimely(ctx, storage.TimelyConfig{Workers: a.cfg.Workers}, storage.ClusterStartupEpoch{Envd: 1, Replica: 1}); err != nil {
		return err
	}
	if err := s.ctrl.Storage.CreateCollections(descs...); err != nil {
		return err
	}
	if err := s.ctrl.Storage.RunIngestions(ctx, ingest...); err != nil {
		return err
	}
	if err := s.ctrl.InitializationComplete(ctx); err != nil {
		return err
	}

	fetcher, err := timestamp.NewOracleFetcher(reg, a.cfg.OraclePoolSize, a.log)
	if err != nil {
		return err
	}
	defer fetcher.Close()

	w := &workload{
		sim:     s,
		oracle:  oracle,
		fetcher: fetcher,
		engine: timestamp.NewEngine(
			timestamp.WithLogger(a.log),
			timestamp.WithShadowDetermination(a.cfg.ShadowDetermination),
		),
		ids:     ids,
		upper:   start,
		pending: make(map[uuid.UUID]time.Time),
		log:     a.log,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Run(gctx) })
	g.Go(func() error { return s.ctrl.Run(gctx, w.handle) })
	g.Go(func() error { return w.run(gctx, tick) })
	if a.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
		if err != nil {
			return errors.Wrapf(err, "cannot listen on %s", a.cfg.MetricsAddr)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		a.log.Info("serving metrics", "addr", ln.Addr().String())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	w.mu.Lock()
	a.log.Info("serve stopped", "peeks_answered", w.answered, "peeks_pending", len(w.pending))
	w.mu.Unlock()
	if st != nil {
		a.log.Info("introspection", "db", a.cfg.DBPath, "status_updates", st.CountStatusUpdates(context.Background()))
	}
	return err
}

// workload drives the simulated sources and issues peeks.
type workload struct {
	sim     *sim
	oracle  *clock.Oracle
	fetcher *timestamp.OracleFetcher
	engine  *timestamp.Engine
	ids     []model.GlobalID
	log     *slog.Logger

	// upper is the last timestamp the sources were closed up to.
	upper model.Timestamp
	conn  uint32

	mu       sync.Mutex
	pending  map[uuid.UUID]time.Time
	answered int
}

func (w *workload) run(ctx context.Context, tick time.Duration) error {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := w.step(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// step closes the sources up to the previous tick, then peeks at the
// oracle's current read timestamp, which the sources have not reached yet.
func (w *workload) step(ctx context.Context) error {
	w.sim.advance(frontier.FromElem(w.upper), w.ids...)
	for _, sh := range w.sim.shards {
		for _, id := range w.ids {
			sh.Ingest(id, 1, 64)
		}
		sh.ReportStatistics()
	}

	if w.upper > model.Timestamp(compactionLag.Milliseconds()) {
		since := frontier.FromElem(w.upper - model.Timestamp(compactionLag.Milliseconds()))
		compactions := make([]storage.Compaction, len(w.ids))
		for i, id := range w.ids {
			compactions[i] = storage.Compaction{ID: id, Frontier: since}
		}
		w.sim.ctrl.Submit(func(c *controller.Controller) {
			if err := c.Storage.AllowCompaction(ctx, compactions...); err != nil {
				w.log.Warn("allow compaction", "error", err)
			}
		})
	}

	now, err := w.oracle.Advance(ctx)
	if err != nil {
		return err
	}
	if err := w.peek(ctx); err != nil {
		return err
	}
	w.upper = now.StepForward()
	w.reportMetrics()
	return nil
}

func (w *workload) peek(ctx context.Context) error {
	iso := model.StrictSerializable
	when := timestamp.Immediately()
	tlc := model.TimelineContext{Kind: model.TimestampDependent}
	res := <-w.fetcher.Fetch(ctx, iso, when, tlc)
	if res.Err != nil {
		return res.Err
	}
	bundle := model.NewBundle()
	bundle.AddStorage(w.ids...)
	w.conn++
	det, err := w.engine.Determine(w.sim.ctrl.Snapshot(), timestamp.Request{
		Session:      timestamp.BasicSession{ID: w.conn},
		Bundle:       bundle,
		When:         when,
		Timeline:     tlc,
		OracleReadTS: res.TS,
		Isolation:    iso,
	})
	if err != nil {
		return err
	}

	token := uuid.New()
	w.mu.Lock()
	w.pending[token] = time.Now()
	w.mu.Unlock()

	if det.RespondImmediately() {
		w.sim.ctrl.Compute.Deliver(controller.PeekResponse{UUID: token})
		return nil
	}
	ts := det.Context.TimestampOrDefault()
	ids := w.ids
	w.sim.ctrl.Submit(func(c *controller.Controller) {
		h := c.InstallWatchSet(ids, ts, token)
		w.log.Debug("peek waiting", "uuid", token.String(), "ts", ts.String(), "watch_set", h.String())
	})
	return nil
}

func (w *workload) reportMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	mem := ms.HeapAlloc
	w.sim.ctrl.ReportReplicaMetrics(controller.ComputeReplicaMetrics{
		Replica: 1,
		Metrics: []controller.ServiceProcessMetrics{{MemoryBytes: &mem}},
	})
}

// handle runs on the controller goroutine.
func (w *workload) handle(resp controller.Response) {
	switch resp := resp.(type) {
	case controller.WatchSetFinished:
		for _, tok := range resp.Tokens {
			if id, ok := tok.(uuid.UUID); ok {
				w.sim.ctrl.Compute.Deliver(controller.PeekResponse{UUID: id})
			}
		}
	case controller.PeekResponse:
		w.mu.Lock()
		issued, ok := w.pending[resp.UUID]
		delete(w.pending, resp.UUID)
		if ok {
			w.answered++
		}
		w.mu.Unlock()
		if ok {
			w.log.Info("peek answered", "uuid", resp.UUID.String(), "latency", time.Since(issued).String())
		}
	case controller.ComputeReplicaMetrics:
		w.log.Debug("replica metrics", "replica", resp.Replica.String())
	}
}
