package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"orderdesk/internal/config"
	"orderdesk/internal/scheduler"
	"orderdesk/internal/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP control surface",
		Long:  "Starts both cron cadences and the HTTP control surface. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	comps, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer comps.Close()

	jobTimeout := config.Seconds(cfg.Schedule.JobTimeoutSeconds, scheduler.DefaultJobTimeout)

	var sched *scheduler.Scheduler
	if cfg.Schedule.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			Primary:    cfg.Schedule.Primary,
			Secondary:  cfg.Schedule.Secondary,
			Location:   comps.loc,
			JobTimeout: jobTimeout,
			Run:        comps.pipeline.Run,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
	} else {
		logger.Info("scheduler disabled, runs only via POST /process")
	}

	srvCfg := server.Config{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		Pipeline:   comps.pipeline,
		Ledger:     comps.ledger,
		RunTimeout: jobTimeout,
		Logger:     logger,
	}
	if sched != nil {
		srvCfg.Scheduler = sched
	}
	if cfg.Metrics.Enabled {
		srvCfg.Metrics = comps.collector
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	}
	srv, err := server.New(srvCfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if sched != nil {
		g.Go(func() error { return sched.Start(gctx) })
	}

	logger.Info("orderdesk started", "version", version, "disabled", comps.disabled)
	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline run and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, config.Seconds(cfg.Schedule.JobTimeoutSeconds, scheduler.DefaultJobTimeout))
			defer cancel()

			comps, err := buildComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer comps.Close()

			sum, runErr := comps.pipeline.Run(ctx)
			data, _ := json.MarshalIndent(sum, "", "  ")
			fmt.Println(string(data))
			return runErr
		},
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Write the ledger header row or schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			comps, err := buildComponents(ctx, cfg)
			if err != nil {
				return err
			}
			defer comps.Close()

			if err := comps.ledger.Setup(ctx); err != nil {
				return fmt.Errorf("%s setup: %w", comps.ledger.Name(), err)
			}
			fmt.Printf("%s header set up\n", comps.ledger.Name())
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline and scheduler status",
		Long:  "Queries GET /status on the running server. Falls back to the persisted state when the server is not reachable.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			host := cfg.Server.Host
			if host == "" || host == "0.0.0.0" {
				host = "127.0.0.1"
			}
			url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.Port)) + "/status"
			client := &http.Client{Timeout: 3 * time.Second}
			if resp, err := client.Get(url); err == nil {
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				var pretty map[string]any
				if json.Unmarshal(body, &pretty) == nil {
					body, _ = json.MarshalIndent(pretty, "", "  ")
				}
				fmt.Println(string(body))
				return nil
			}

			fmt.Printf("server not reachable at %s\n", url)
			if cfg.State.Kind != "sqlite" {
				fmt.Println("state kind is memory; nothing persisted to show")
				return nil
			}
			logger = silentLogger()
			store, err := buildState(cfg, &components{})
			if err != nil {
				return err
			}
			defer store.Close()
			snap, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(map[string]any{
				"watermark":    snap.Watermark,
				"processedIds": len(snap.ProcessedIDs),
			}, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}
