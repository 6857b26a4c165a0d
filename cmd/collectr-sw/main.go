package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"collectr/internal/offline"
)

var (
	configPath string
	logger     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "collectr-sw",
	Short:         "Offline cache and pending-write queue for the CollectR PWA",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Install, activate and serve the intercepting proxy",
	RunE:  runServe,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the app shell into the current bucket and drop stale buckets",
	RunE:  runInstall,
}

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued mutations once and exit",
	RunE:  runDrain,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the pending-write queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print pending rows as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
			rows, err := svc.Queue().Store().List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		})
	},
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "Print dead-lettered rows as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
			rows, err := svc.Queue().Store().DeadLetters(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rows)
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue [id]",
	Short: "Move a dead-lettered row back to the tail of the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[0], err)
		}
		return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
			p, err := svc.Queue().Store().Requeue(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		})
	},
}

var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every dead-lettered row",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
			n, err := svc.Queue().Store().PurgeDead(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("purged %d dead-lettered rows\n", n)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("COLLECTR_SW_CONFIG", "/collectr-sw.yaml"), "path to collectr-sw.yaml")
	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueRequeueCmd, queuePurgeCmd)
	rootCmd.AddCommand(serveCmd, installCmd, drainCmd, queueCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logger != nil {
		_ = logger.Sync()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadService(ctx context.Context) (*offline.Service, offline.Config, error) {
	cfg, err := offline.LoadConfig(configPath)
	if err != nil {
		return nil, offline.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger, err = offline.NewLogger(cfg)
	if err != nil {
		return nil, cfg, err
	}
	var metrics *offline.Metrics
	if cfg.MetricsEnabled() {
		metrics = offline.NewMetrics()
	}
	svc, err := offline.NewService(ctx, cfg, offline.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		return nil, cfg, fmt.Errorf("init service: %w", err)
	}
	return svc, cfg, nil
}

func withService(ctx context.Context, fn func(context.Context, *offline.Service) error) error {
	svc, _, err := loadService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(ctx, svc)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, cfg, err := loadService(ctx)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.OnInstall(ctx); err != nil {
		return err
	}
	if _, err := svc.OnActivate(ctx); err != nil {
		return err
	}
	svc.Start()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collectr-sw listening",
			zap.String("addr", addr),
			zap.String("origin", cfg.Server.Origin),
			zap.String("backend", cfg.Server.Backend),
			zap.String("bucket", cfg.Cache.Version))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runInstall(cmd *cobra.Command, _ []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
		rep, err := svc.OnInstall(ctx)
		if err != nil {
			return err
		}
		deleted, err := svc.OnActivate(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, map[string]any{"install": rep, "deleted": deleted})
	})
}

func runDrain(cmd *cobra.Command, _ []string) error {
	return withService(cmd.Context(), func(ctx context.Context, svc *offline.Service) error {
		rep, err := svc.Queue().Drain(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, rep)
	})
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
