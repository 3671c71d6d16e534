// Package daemon wires components A-G into the vmcored service: a control
// HTTP API over a loopback listener plus an optional Prometheus endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/horcrux/vmcore/internal/config"
	"github.com/horcrux/vmcore/internal/health"
	"github.com/horcrux/vmcore/internal/hypervisor"
	"github.com/horcrux/vmcore/internal/introspect"
	"github.com/horcrux/vmcore/internal/migration"
	"github.com/horcrux/vmcore/internal/ratelimit"
	"github.com/horcrux/vmcore/internal/retention"
	"github.com/horcrux/vmcore/internal/snapshot"
	"github.com/horcrux/vmcore/internal/storage"
	"github.com/horcrux/vmcore/internal/store"
	"github.com/horcrux/vmcore/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Service wires listeners and all component managers together.
type Service struct {
	cfg config.Config

	store      *store.Store
	facade     *storage.Facade
	snapshots  *snapshot.Manager
	orch       *migration.Orchestrator
	limiter    *ratelimit.Limiter
	sweeper    *retention.Sweeper
	metrics    *telemetry.Metrics

	controlListener net.Listener
	metricsListener net.Listener
	controlServer   *http.Server
	metricsServer   *http.Server
}

// Run loads dependencies, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	svc, err := NewService(cfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}
	log.Printf("vmcored starting, control=%s", cfg.ControlListen)
	return svc.Serve(ctx)
}

// NewService constructs a Service with bound listeners and wired managers.
func NewService(cfg config.Config, st *store.Store) (*Service, error) {
	var metrics *telemetry.Metrics
	if strings.TrimSpace(cfg.MetricsListen) != "" {
		metrics = telemetry.NewMetrics()
	}

	facade := buildFacade(cfg)

	hvFactory := func(vmid int) *hypervisor.Client {
		path := fmt.Sprintf("%s/%d.ctl", cfg.HypervisorSocketDir, vmid)
		return hypervisor.New(hypervisor.UnixDialer(path))
	}
	snapHVFactory := snapshot.HypervisorFactory(func(vmid int) snapshot.HypervisorClient {
		return hvFactory(vmid)
	})
	migHVFactory := migration.HypervisorFactory(func(vmid int) migration.HypervisorClient {
		return hvFactory(vmid)
	})

	snapshots := snapshot.NewManager(cfg.SnapshotDir, facade, snapHVFactory)
	if err := snapshots.LoadOnStart(); err != nil {
		return nil, fmt.Errorf("load snapshot index: %w", err)
	}

	checkerFactory := func(vmid int) *health.Checker {
		prober := &introspect.Prober{Runner: storage.ExecRunner{}, ToolPath: cfg.IntrospectToolPath}
		return health.NewChecker(prober, hvFactory(vmid)).
			WithTimeout(cfg.HealthCheckTimeout).
			WithRetryPolicy(cfg.HealthCheckRetryAttempts, cfg.HealthCheckRetryDelay)
	}

	orch := migration.NewOrchestrator(migHVFactory, checkerFactory, nil)

	limiter := ratelimit.New(cfg.RateLimitQPS, cfg.RateLimitBurst)
	keyFunc := ratelimit.KeyFuncForPolicy(ratelimit.KeyPolicy(cfg.RateLimitKeyPolicy))

	var sweeper *retention.Sweeper
	if cfg.RetentionEnabled {
		sweeper = retention.NewSweeper(snapshots)
	}

	controlListener, err := net.Listen("tcp", cfg.ControlListen)
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", cfg.ControlListen, err)
	}
	var metricsListener net.Listener
	if metrics != nil {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = controlListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
	}

	api := newControlAPI(snapshots, orch, checkerFactory, st, metrics)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	api.register(mux)

	controlHandler := rateLimited(limiter, keyFunc, cfg.ControlAllowCIDRs, authenticated(cfg.ControlAuthToken, mux))
	controlServer := &http.Server{
		Handler:           controlHandler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	var metricsServer *http.Server
	if metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}

	return &Service{
		cfg:             cfg,
		store:           st,
		facade:          facade,
		snapshots:       snapshots,
		orch:            orch,
		limiter:         limiter,
		sweeper:         sweeper,
		metrics:         metrics,
		controlListener: controlListener,
		metricsListener: metricsListener,
		controlServer:   controlServer,
		metricsServer:   metricsServer,
	}, nil
}

// Serve blocks until ctx is canceled or a listener fails.
func (s *Service) Serve(ctx context.Context) error {
	serverCount := 1
	if s.metricsServer != nil {
		serverCount++
	}

	evictCtx, evictCancel := context.WithCancel(ctx)
	defer evictCancel()
	go s.limiter.RunEviction(evictCtx)

	if s.sweeper != nil {
		if err := s.sweeper.Schedule(s.cfg.RetentionCron); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
		defer s.sweeper.Stop()
	}

	errCh := make(chan error, serverCount)
	go func() { errCh <- s.controlServer.Serve(s.controlListener) }()
	if s.metricsServer != nil {
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := serverCount
	var serveErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	for i := 0; i < remaining; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.controlServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func buildFacade(cfg config.Config) *storage.Facade {
	pools := storage.NewPoolSet(convertPools(cfg.StoragePools))
	cowVolumeTool := cfg.StorageTools["cow-volume"]
	cowFilesystemTool := cfg.StorageTools["cow-filesystem"]
	drivers := map[storage.Family]storage.Driver{
		storage.FamilyCOWVolume: &storage.COWVolumeDriver{
			Runner: storage.ExecRunner{}, ToolPath: cowVolumeTool,
			ListSnapshots: zfsListSnapshots(cowVolumeTool),
		},
		storage.FamilyLogicalVolume: &storage.LogicalVolumeDriver{
			Runner: storage.ExecRunner{}, ToolPath: cfg.StorageTools["logical-volume"],
			OverflowGB: pools.OverflowGB,
		},
		storage.FamilyCOWImage: &storage.COWImageDriver{
			Runner: storage.ExecRunner{}, ToolPath: cfg.StorageTools["cow-image"],
		},
		storage.FamilyCOWFilesystem: &storage.COWFilesystemDriver{
			Runner: storage.ExecRunner{}, ToolPath: cowFilesystemTool,
			ListSnapshots: btrfsListSnapshots(cowFilesystemTool),
		},
		storage.FamilyDistributedBlock: &storage.DistributedBlockDriver{
			Runner: storage.ExecRunner{}, ToolPath: cfg.StorageTools["distributed-block"],
		},
	}
	return storage.NewFacade(drivers)
}

// zfsListSnapshots enumerates a zvol's existing snapshots via `zfs list`,
// used by COWVolumeDriver.Rollback to detect siblings a destructive
// rollback invalidates.
func zfsListSnapshots(toolPath string) func(ctx context.Context, vol storage.Volume) ([]string, error) {
	tool := toolPath
	if tool == "" {
		tool = "zfs"
	}
	return func(ctx context.Context, vol storage.Volume) ([]string, error) {
		dataset := strings.TrimPrefix(strings.TrimPrefix(vol.Path, "zfs:"), "/dev/zvol/")
		out, err := (storage.ExecRunner{}).Run(ctx, tool, "list", "-H", "-o", "name", "-t", "snapshot", "-r", dataset)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line == "" {
				continue
			}
			ds, name, ok := strings.Cut(line, "@")
			if ok && ds == dataset {
				names = append(names, name)
			}
		}
		return names, nil
	}
}

// btrfsListSnapshots enumerates a subvolume's read-only snapshots via
// `btrfs subvolume list`, used by COWFilesystemDriver.Rollback to detect
// siblings its swap-and-delete rollback invalidates.
func btrfsListSnapshots(toolPath string) func(ctx context.Context, vol storage.Volume) ([]string, error) {
	tool := toolPath
	if tool == "" {
		tool = "btrfs"
	}
	return func(ctx context.Context, vol storage.Volume) ([]string, error) {
		dir := strings.TrimSuffix(vol.Path, "/") + "/.snapshots"
		out, err := (storage.ExecRunner{}).Run(ctx, tool, "subvolume", "list", "-o", dir)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			fields := strings.Fields(line)
			for i, f := range fields {
				if f == "path" && i+1 < len(fields) {
					names = append(names, lastPathElement(fields[i+1]))
				}
			}
		}
		return names, nil
	}
}

func lastPathElement(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func convertPools(in []config.StoragePool) []storage.Pool {
	out := make([]storage.Pool, len(in))
	for i, p := range in {
		out[i] = storage.Pool{Name: p.Name, Family: storage.Family(p.Family), LVMSnapshotOverflowGB: p.LVMSnapshotOverflowGB}
	}
	return out
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
