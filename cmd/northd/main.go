// Command northd is the control-plane translator daemon: it runs the
// leader-election and reconciliation loop against a
// northbound/southbound database pair, committing southbound state
// only while it holds the named advisory lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/nvcore/northd/pkg/config"
	"github.com/nvcore/northd/pkg/dbase"
	"github.com/nvcore/northd/pkg/lifecycle"
	"github.com/nvcore/northd/pkg/util"
	"github.com/nvcore/northd/pkg/version"
)

var errInfraError = errors.New("infrastructure error")

func main() {
	var etcdEndpoints string

	rootCmd := &cobra.Command{
		Use:   "northd",
		Short: "Network-virtualization control plane translator",
		Long: `northd reconciles a declarative northbound network description into a
flow-oriented southbound representation for hypervisor agents to program.

It runs a single-threaded reconciliation loop: acquire the advisory lock,
read both databases, synthesize a target southbound state, and write back
only the difference. At most one replica commits at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return errors.Join(errInfraError, err)
			}
			if err := util.SetLogLevel(cfg.LogLevel); err != nil {
				return errors.Join(errInfraError, err)
			}
			if cfg.LogJSON {
				util.SetJSONFormat()
			}
			return run(cmd.Context(), cfg, etcdEndpoints)
		},
	}

	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&etcdEndpoints, "etcd-endpoints", "",
		"comma-separated etcd endpoints for the advisory lock (empty runs single-replica, lock-free)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Info())
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errInfraError) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, etcdEndpoints string) error {
	log := util.WithComponent("main")
	log.Infof("%s starting: nb=%s sb=%s", version.Info(), cfg.NBDB, cfg.SBDB)

	nbDB, err := openDatabase(cfg.NBDB, "nb")
	if err != nil {
		return fmt.Errorf("northd: opening northbound database: %w", err)
	}
	defer nbDB.Close()

	sbDB, err := openDatabase(cfg.SBDB, "sb")
	if err != nil {
		return fmt.Errorf("northd: opening southbound database: %w", err)
	}
	defer sbDB.Close()

	lock, err := openLock(etcdEndpoints, cfg.LockName)
	if err != nil {
		return fmt.Errorf("northd: opening advisory lock: %w", err)
	}

	pollInterval, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return fmt.Errorf("northd: invalid --poll-interval %q: %w", cfg.PollInterval, err)
	}

	state := &lifecycle.State{}

	ctl, err := lifecycle.NewControlSocket(cfg.UnixctlPath, state)
	if err != nil {
		return fmt.Errorf("northd: opening control socket: %w", err)
	}
	defer ctl.Close()
	go func() {
		if err := ctl.Serve(ctx); err != nil {
			log.Warnf("control socket server: %v", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
		log.Infof("serving metrics on %s", cfg.MetricsAddr)
	}

	return lifecycle.Loop(ctx, nbDB, sbDB, lock, state, pollInterval)
}

// openDatabase resolves a --ovnnb-db/--ovnsb-db URL to a concrete
// dbase.Database. "redis://host:port/db" opens a Redis-backed store;
// anything else is treated as a path to a YAML fixture file, the
// in-memory backing every unit test and demo deployment uses.
func openDatabase(url, prefix string) (dbase.Database, error) {
	if rest, ok := strings.CutPrefix(url, "redis://"); ok {
		addr, dbNum := rest, 0
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			addr = rest[:i]
			if n, err := strconv.Atoi(rest[i+1:]); err == nil {
				dbNum = n
			}
		}
		return dbase.NewRedisDB(addr, dbNum, prefix), nil
	}

	path := strings.TrimPrefix(url, "file://")
	if _, err := os.Stat(path); err != nil {
		return dbase.NewMemoryDB(), nil
	}
	return dbase.LoadFixtureFile(path)
}

// openLock resolves the --etcd-endpoints flag to a dbase.Lock: a
// LocalLock when no endpoint is configured (single-replica mode), or an
// EtcdLock backed by a real etcd client otherwise.
func openLock(endpoints, lockName string) (dbase.Lock, error) {
	if endpoints == "" {
		return dbase.NewLocalLock(), nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return dbase.NewEtcdLock(client, lockName, 10), nil
}
