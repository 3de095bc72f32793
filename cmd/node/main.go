// Command node runs a table store tablet node: it hosts tablet cell
// slots, each replicated by its own Hydra group, and the per-node
// background scans (flush, compact, trim, sweep) that keep their
// dynamic stores within budget.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tabstore/internal/hydra"
	"tabstore/internal/logging"
	"tabstore/internal/mutation"
	"tabstore/internal/scansched"
	"tabstore/internal/sysmetrics"
	"tabstore/internal/tabletnode/flush"
	"tabstore/internal/tabletnode/slot"
	"tabstore/internal/tabletnode/storemgr"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "node",
		Short: "Run a table store tablet node",
	}
	rootCmd.PersistentFlags().String("data-dir", "./data/node", "per-slot hydra log/snapshot directory root")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start hosting tablet slots on this node",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			nodeID, _ := cmd.Flags().GetString("node-id")
			bindAddr, _ := cmd.Flags().GetString("bind")
			bootstrap, _ := cmd.Flags().GetBool("bootstrap")
			clusterTag, _ := cmd.Flags().GetUint32("cluster-tag")
			maxConcurrentScans, _ := cmd.Flags().GetInt("max-concurrent-scans")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, config{
				dataDir:            dataDir,
				nodeID:             nodeID,
				bindAddr:           bindAddr,
				bootstrap:          bootstrap,
				clusterTag:         clusterTag,
				maxConcurrentScans: maxConcurrentScans,
			})
		},
	}
	serveCmd.Flags().String("node-id", "node-1", "raft server id for this node's first slot")
	serveCmd.Flags().String("bind", "127.0.0.1:7500", "raft transport bind address for this node's first slot")
	serveCmd.Flags().Bool("bootstrap", false, "bootstrap a fresh single-replica cell")
	serveCmd.Flags().Uint32("cluster-tag", 1, "expected clock cluster tag for transaction commit validation")
	serveCmd.Flags().Int("max-concurrent-scans", 4, "max concurrent flush/compact/trim/sweep scans")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type config struct {
	dataDir            string
	nodeID             string
	bindAddr           string
	bootstrap          bool
	clusterTag         uint32
	maxConcurrentScans int
}

func run(ctx context.Context, logger *slog.Logger, cfg config) error {
	cellID := uuid.New()
	cellTag := cfg.clusterTag
	sl := slot.New(cellID, cellTag, func() uint32 { return cfg.clusterTag }, logger)

	flusher := flush.NewFlusher(4, 4096, logger)
	compactor := flush.NewCompactor(4, flush.DefaultCompactionThreshold, logger)
	trimmer := flush.NewTrimmer(logger)
	sweeper := flush.NewSweeper(logger)

	registerTabletHandlers(sl, logger)

	if err := sl.AttachHydra(hydraConfig(cfg, cellID)); err != nil {
		return fmt.Errorf("attach hydra to bootstrap slot: %w", err)
	}

	sc, err := scansched.New(logger, cfg.maxConcurrentScans)
	if err != nil {
		return fmt.Errorf("create scan scheduler: %w", err)
	}

	if err := flusher.RegisterScan(sc, "*/2 * * * *"); err != nil {
		return fmt.Errorf("register flush scan: %w", err)
	}
	if err := compactor.RegisterScan(sc, "*/5 * * * *"); err != nil {
		return fmt.Errorf("register compact scan: %w", err)
	}
	if err := trimmer.RegisterScan(sc, "*/10 * * * *"); err != nil {
		return fmt.Errorf("register trim scan: %w", err)
	}
	if err := sweeper.RegisterScan(sc, "0 * * * *"); err != nil {
		return fmt.Errorf("register sweep scan: %w", err)
	}
	if err := sc.AddScan("self-report", "* * * * *", func(ctx context.Context, progress *scansched.Progress) {
		progress.SetRunning(1)
		logger.Info("node self stats",
			"cpu_percent", sysmetrics.CPUPercent(),
			"memory_inuse_bytes", sysmetrics.MemoryInuse())
		progress.IncrDone(1)
		progress.Complete(time.Now())
	}); err != nil {
		return fmt.Errorf("register self-report scan: %w", err)
	}

	logger.Info("node ready", "node_id", cfg.nodeID, "bind", cfg.bindAddr, "cell", cellID, "bootstrap", cfg.bootstrap)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := sc.Stop(); err != nil {
		logger.Warn("scan scheduler stop failed", "error", err)
	}
	return sl.Remove()
}

// hydraConfig derives this node's bootstrap slot's Hydra configuration
// from its CLI flags, with a data directory under cfg.dataDir keyed by
// cell id. MountTablet directives mount tablets onto this same slot; no
// further slots are created.
func hydraConfig(cfg config, cellID uuid.UUID) hydra.Config {
	return hydra.Config{
		NodeID:    cfg.nodeID,
		BindAddr:  cfg.bindAddr,
		DataDir:   cfg.dataDir + "/" + cellID.String(),
		Bootstrap: cfg.bootstrap,
	}
}

// mountTablet wires a freshly-created tablet's store manager into the
// owning slot, the sequence a master MountTablet directive drives on
// this node (spec §4.10, §4.7).
func mountTablet(sl *slot.Slot, tabletID uuid.UUID, kind storemgr.Kind, logger *slog.Logger) *storemgr.Manager {
	mgr := storemgr.New(tabletID, kind, storemgr.DefaultRotationPolicy, logger)
	sl.MountTablet(tabletID, mgr)
	return mgr
}

type mountTabletPayload struct {
	TabletID uuid.UUID `msgpack:"tablet_id"`
	Ordered  bool      `msgpack:"ordered"`
}

type unmountTabletPayload struct {
	TabletID uuid.UUID `msgpack:"tablet_id"`
}

// registerTabletHandlers wires the MountTablet/UnmountTablet mutation
// kinds onto sl's FSM, so a master directive to host (or stop hosting)
// a tablet on this slot only ever takes effect through the replicated
// log, matching every other state change in this core (spec §5).
func registerTabletHandlers(sl *slot.Slot, logger *slog.Logger) {
	sl.RegisterHandler(mutation.KindMountTablet, func(m mutation.Mutation) error {
		var p mountTabletPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		kind := storemgr.KindSorted
		if p.Ordered {
			kind = storemgr.KindOrdered
		}
		mountTablet(sl, p.TabletID, kind, logger)
		logger.Info("tablet mounted", "tablet", p.TabletID, "ordered", p.Ordered)
		return nil
	})
	sl.RegisterHandler(mutation.KindUnmountTablet, func(m mutation.Mutation) error {
		var p unmountTabletPayload
		if err := mutation.DecodePayload(m, &p); err != nil {
			return err
		}
		sl.UnmountTablet(p.TabletID)
		logger.Info("tablet unmounted", "tablet", p.TabletID)
		return nil
	})
}
