package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskwright/taskwright/pkg/config"
	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/parser"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/scheduler"
	"github.com/taskwright/taskwright/pkg/server"
	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/supervisor"
	"github.com/taskwright/taskwright/pkg/telemetry"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskwright",
	Short: "Taskwright - task orchestration server for assistant CLIs",
	Long: `Taskwright exposes task tools over line-delimited JSON on stdio:
it parses markdown task graphs, schedules their sub-tasks over a pool
of supervised assistant CLI instances, and persists every task, log,
result and telemetry sample in an embedded sqlite store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Taskwright version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(convertCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tool server on stdio",
	Long: `Run the tool server. Requests arrive as line-delimited JSON frames
on stdin; responses and task_log event frames go to stdout. Logs go to
stderr so they never interleave with the transport.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dbPath, _ := cmd.Flags().GetString("db-path")
		debug, _ := cmd.Flags().GetBool("debug")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %v", err)
		}
		if dbPath != "" {
			cfg.DBPath = dbPath
		}
		if debug {
			cfg.Debug = true
		}

		level := log.InfoLevel
		if cfg.Debug {
			level = log.DebugLevel
		}
		log.Init(log.Config{Level: level, JSONOutput: true})

		store, err := storage.Open(storage.Config{
			Path:                cfg.DBPath,
			MinConnections:      cfg.MinConnections,
			MaxConnections:      cfg.MaxConnections,
			ConnectionTimeoutMs: cfg.ConnectionTimeoutMs,
			BusyTimeoutMs:       cfg.BusyTimeoutMs,
			SchemaVersion:       cfg.SchemaVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()

		repos := repository.New(store)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		pool := supervisor.NewPool(repos, broker, cfg.MaxConnections)
		runner := supervisor.NewRunner(cfg, repos, pool, broker)
		engine := scheduler.New(cfg, repos, runner, broker)

		rollup := telemetry.NewRollup(repos)
		rollup.Start()
		defer rollup.Stop()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			log.Info("Shutting down")
			cancel()
		}()

		srv := server.New(cfg, store, repos, engine, broker, Version)
		err = srv.Serve(ctx, os.Stdin, os.Stdout)

		if serr := pool.Shutdown(context.Background()); serr != nil {
			log.Errorf("Failed to shut down instance pool", serr)
		}
		if err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var convertCmd = &cobra.Command{
	Use:   "convert <markdown>",
	Short: "Parse a markdown task definition into a task graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", args[0], err)
		}
		graph, err := parser.Parse(data)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return err
		}
		if output != "" {
			if err := os.WriteFile(output, out, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %v", output, err)
			}
			fmt.Printf("Wrote %s (%d sub-tasks)\n", output, len(graph.SubTasks))
			return nil
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("db-path", "", "Override database path")
	serveCmd.Flags().Bool("debug", false, "Enable debug logging")

	convertCmd.Flags().StringP("output", "o", "", "Write graph JSON to file")
}
