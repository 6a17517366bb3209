package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"battery-fault-monitor/internal/api"
	"battery-fault-monitor/internal/bundle"
	"battery-fault-monitor/internal/client"
	"battery-fault-monitor/internal/config"
	"battery-fault-monitor/internal/db"
	"battery-fault-monitor/internal/logging"
	"battery-fault-monitor/internal/metrics"
	"battery-fault-monitor/internal/models"
	"battery-fault-monitor/internal/parser"
	"battery-fault-monitor/internal/predictor"
	"battery-fault-monitor/internal/publish"
	"battery-fault-monitor/internal/simulator"
	"battery-fault-monitor/internal/trainer"
)

var (
	v      = viper.New()
	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "battery-monitor",
		Short: "Battery Fault Monitor - EV bus battery telemetry and fault prediction",
		Long: `A CLI for simulating, storing and analyzing electric bus battery telemetry.
Trains fault forecasters on stored history and runs a live prediction loop
that posts results to the telemetry store and, optionally, Redis.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			var err error
			if cfg, err = config.Load(v, configFile); err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if logger, err = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format); err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	if err := config.BindFlags(v, rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(simulateCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(predictCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(busCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openStore connects to the configured storage backend
func openStore(ctx context.Context) (db.Store, error) {
	store, err := db.Open(ctx, cfg.Store.Driver, cfg.Store.DBPath, cfg.Store.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return store, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serverCmd starts the telemetry store API server
func serverCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the telemetry store API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			server := api.NewServer(store, logger)
			addr := fmt.Sprintf(":%d", cfg.Server.Port)

			fmt.Printf("🚀 Battery Fault Monitor API Server\n")
			fmt.Printf("   Listening on http://localhost%s\n", addr)
			fmt.Printf("   Store: %s\n\n", cfg.Store.Driver)
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  GET  /metrics")
			fmt.Println("  GET  /ws/predictions")
			fmt.Println("  GET  /api/can-data")
			fmt.Println("  POST /api/can-data")
			fmt.Println("  POST /api/can-data/batch")
			fmt.Println("  GET  /api/predictions")
			fmt.Println("  POST /api/predictions")
			fmt.Println("  GET  /api/v1/telemetry")
			fmt.Println("  GET  /api/v1/buses")
			fmt.Println("  GET  /api/v1/buses/{bus_id}/summary")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println()

			srv := &http.Server{Addr: addr, Handler: server.Router(), ReadHeaderTimeout: 10 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down api server")
			server.Hub().Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Server port (overrides server.port)")
	return cmd
}

// simulateCmd runs the fleet simulator
func simulateCmd() *cobra.Command {
	var ticks int
	var direct bool
	var seed uint64
	var output string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate bus battery telemetry",
		Long: `Without --ticks the simulator runs on the wall clock and posts one sample per
bus per tick to the telemetry store. With --ticks it generates that many ticks of
history on a simulated clock ending now, for bootstrapping training data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			opts := []simulator.Option{
				simulator.WithTickInterval(cfg.Simulator.Interval),
				simulator.WithLogger(logger),
			}
			if cmd.Flags().Changed("seed") {
				opts = append(opts, simulator.WithRand(rand.New(rand.NewPCG(seed, seed))))
			}

			if ticks <= 0 {
				sim := simulator.New(cfg.Simulator.Buses, time.Now().UTC(), opts...)
				sink := client.New(cfg.Store.URL)
				fmt.Printf("Simulating %d buses every %v -> %s\n", len(cfg.Simulator.Buses), cfg.Simulator.Interval, cfg.Store.URL)
				if err := sim.Run(ctx, sink); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}

			span := time.Duration(ticks) * cfg.Simulator.Interval
			from := time.Now().UTC().Add(-span)
			sim := simulator.New(cfg.Simulator.Buses, from, opts...)
			start := time.Now()
			records := sim.Generate(from, ticks)

			var inserted int64
			if direct {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				if inserted, err = insertBatches(ctx, records, store.InsertTelemetryBatch); err != nil {
					return err
				}
			} else {
				var err error
				if inserted, err = insertBatches(ctx, records, client.New(cfg.Store.URL).PostSamples); err != nil {
					return err
				}
			}
			metrics.SamplesIngested.WithLabelValues("simulate").Add(float64(inserted))

			elapsed := time.Since(start)
			fmt.Printf("\n✓ Generated %d samples for %d buses in %v (%.0f records/sec)\n",
				inserted, len(cfg.Simulator.Buses), elapsed, float64(inserted)/elapsed.Seconds())

			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("error creating output file: %w", err)
				}
				defer file.Close()

				enc := json.NewEncoder(file)
				enc.SetIndent("", "  ")
				if err := enc.Encode(records); err != nil {
					return err
				}
				fmt.Printf("Data exported to %s\n", output)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&ticks, "ticks", "t", 0, "Generate this many ticks of history instead of running live")
	cmd.Flags().BoolVar(&direct, "direct", false, "Write generated history straight to the database")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed for reproducible history")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Export generated history to a JSON file")
	return cmd
}

// insertBatches writes records in batches of 1000
func insertBatches(ctx context.Context, records []models.TelemetrySample,
	insert func(context.Context, []models.TelemetrySample) (int64, error)) (int64, error) {
	const batchSize = 1000
	var inserted int64

	for i := 0; i < len(records); i += batchSize {
		end := min(i+batchSize, len(records))
		count, err := insert(ctx, records[i:end])
		if err != nil {
			return inserted, fmt.Errorf("insert batch at %d: %w", i, err)
		}
		inserted += count
		fmt.Printf("\rInserted %d/%d records...", inserted, len(records))
	}
	return inserted, nil
}

// trainCmd trains the fault forecasters
func trainCmd() *cobra.Command {
	var direct bool

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the fault models from stored telemetry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			var source trainer.TelemetrySource = client.New(cfg.Store.URL)
			if direct {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				source = store
			}

			tc := trainer.DefaultConfig()
			tc.FetchLimit = cfg.Trainer.FetchLimit
			tc.TestSize = cfg.Trainer.TestSize
			tc.Forest.NumTrees = cfg.Trainer.NEstimators
			tc.Forest.MaxDepth = cfg.Trainer.MaxDepth
			tc.Forest.Seed = cfg.Trainer.Seed

			start := time.Now()
			b, err := trainer.New(source, tc, trainer.WithLogger(logger)).Run(ctx, cfg.Model.Path)
			if err != nil {
				return fmt.Errorf("training failed: %w", err)
			}

			targets := make([]string, 0, len(b.Reports))
			for t := range b.Reports {
				targets = append(targets, t)
			}
			sort.Strings(targets)
			for _, t := range targets {
				fmt.Printf("\n--- Classification report: %s ---\n", t)
				fmt.Println(b.Reports[t].String())
			}

			fmt.Printf("✓ Model bundle %s saved to %s in %v\n", b.Version, cfg.Model.Path, time.Since(start).Round(time.Millisecond))
			missing := []struct {
				target string
				ok     bool
			}{
				{trainer.Target5Min, b.Model5Min != nil},
				{trainer.Target30Min, b.Model30Min != nil},
				{trainer.TargetFaultType, b.ModelFaultType != nil},
			}
			for _, m := range missing {
				if !m.ok {
					fmt.Printf("  ⚠️  no model for %s (single class in training data)\n", m.target)
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&direct, "direct", false, "Read training data from the database instead of the store API")
	return cmd
}

// predictCmd runs the live prediction loop
func predictCmd() *cobra.Command {
	var once bool
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run the fault prediction loop against the telemetry store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			b, err := bundle.Load(cfg.Model.Path)
			if err != nil {
				logger.Warn("model bundle unavailable, predictions default to normal",
					"path", cfg.Model.Path, "error", err)
				b = bundle.Empty()
			}
			engine := predictor.NewEngine(b, predictor.WithEngineLogger(logger))

			store := client.New(cfg.Store.URL)
			sinks := predictor.MultiSink{store}
			if cfg.Redis.Addr != "" {
				pub, err := publish.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
				if err != nil {
					logger.Warn("redis publisher disabled", "addr", cfg.Redis.Addr, "error", err)
				} else {
					defer pub.Close()
					sinks = append(sinks, pub)
				}
			}

			svc := predictor.NewService(engine, store, sinks,
				predictor.WithInterval(cfg.Predictor.Interval),
				predictor.WithFetchLimit(cfg.Predictor.FetchLimit),
				predictor.WithLogger(logger),
			)

			if once {
				res, err := svc.Cycle(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Analyzed %d samples: %d predictions posted, %d failed\n", res.Samples, res.Posted, res.Failed)
				return nil
			}

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						logger.Error("metrics listener stopped", "addr", metricsAddr, "error", err)
					}
				}()
			}

			fmt.Printf("Predicting every %v from %s (model %q)\n", cfg.Predictor.Interval, cfg.Store.URL, b.Version)
			if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single prediction cycle and exit")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

// ingestCmd ingests recorded telemetry from files
func ingestCmd() *cobra.Command {
	var format string
	var validate bool

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest telemetry data from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			p := parser.NewParser(format, logger)
			totalRecords := 0
			totalErrors := 0

			for _, file := range args {
				fmt.Printf("Processing %s...\n", file)
				start := time.Now()

				records, err := p.ParseFile(file)
				if err != nil {
					fmt.Printf("  Error: %v\n", err)
					totalErrors++
					continue
				}

				if validate {
					var valid []models.TelemetrySample
					for _, r := range records {
						if errs := parser.ValidateSample(&r); len(errs) == 0 {
							valid = append(valid, r)
						} else {
							logger.Debug("invalid sample dropped", "bus_id", r.BusID, "problems", strings.Join(errs, "; "))
							totalErrors++
						}
					}
					records = valid
				}
				if len(records) == 0 {
					continue
				}

				count, err := store.InsertTelemetryBatch(ctx, records)
				if err != nil {
					fmt.Printf("  Database error: %v\n", err)
					continue
				}
				metrics.SamplesIngested.WithLabelValues("file").Add(float64(count))

				elapsed := time.Since(start)
				fmt.Printf("  ✓ Inserted %d records in %v (%.0f records/sec)\n",
					count, elapsed, float64(count)/elapsed.Seconds())
				totalRecords += int(count)
			}

			fmt.Printf("\nTotal: %d records ingested", totalRecords)
			if totalErrors > 0 {
				fmt.Printf(", %d errors", totalErrors)
			}
			fmt.Println()

			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "csv", "File format (csv, json, jsonl, log)")
	cmd.Flags().BoolVarP(&validate, "validate", "v", true, "Validate records before inserting")
	return cmd
}

// queryCmd queries stored telemetry
func queryCmd() *cobra.Command {
	var busID string
	var startTime string
	var endTime string
	var faultOnly bool
	var limit int
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query telemetry data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			q := models.TelemetryQuery{
				BusID:     busID,
				FaultOnly: faultOnly,
				Limit:     limit,
			}

			if startTime != "" {
				t, err := time.Parse(time.RFC3339, startTime)
				if err != nil {
					return fmt.Errorf("invalid start_time format (use RFC3339): %w", err)
				}
				q.StartTime = t
			}

			if endTime != "" {
				t, err := time.Parse(time.RFC3339, endTime)
				if err != nil {
					return fmt.Errorf("invalid end_time format (use RFC3339): %w", err)
				}
				q.EndTime = t
			}

			start := time.Now()
			results, err := store.QueryTelemetry(ctx, q)
			if err != nil {
				return fmt.Errorf("query error: %w", err)
			}
			elapsed := time.Since(start)

			switch outputFormat {
			case "json":
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			default:
				fmt.Printf("Found %d records (query time: %v)\n\n", len(results), elapsed)
				for _, r := range results {
					fmt.Printf("[%s] Bus: %s | V: %.2f | Temp: %.1f-%.1f°C | Eff: %.1f%% | SOH: %.2f%% | %s\n",
						r.Timestamp.Format("2006-01-02 15:04:05"),
						r.BusID, r.CellVoltage, r.CellMinTemp, r.CellMaxTemp,
						r.EnergyEfficiency, r.BatterySOH, r.CurrentDrivingMode)
					if r.CurrentFaultType.IsFault() {
						fmt.Printf("     ⚠️  Fault: %s\n", r.CurrentFaultType)
					}
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&busID, "bus", "b", "", "Filter by bus ID")
	cmd.Flags().StringVarP(&startTime, "start", "s", "", "Start time (RFC3339)")
	cmd.Flags().StringVarP(&endTime, "end", "e", "", "End time (RFC3339)")
	cmd.Flags().BoolVar(&faultOnly, "faults", false, "Only samples recorded during a fault")
	cmd.Flags().IntVarP(&limit, "limit", "l", 100, "Maximum records to return")
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
	return cmd
}

// statsCmd shows database statistics
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("error getting stats: %w", err)
			}

			fmt.Println("📊 Battery Fault Monitor Statistics")
			fmt.Println("===================================")
			fmt.Printf("  Total Buses:        %d\n", stats.TotalBuses)
			fmt.Printf("  Telemetry Records:  %d\n", stats.TelemetryRecords)
			fmt.Printf("  Fault Records:      %d\n", stats.FaultRecords)
			fmt.Printf("  Predictions:        %d\n", stats.Predictions)
			fmt.Printf("  Store:              %s\n", cfg.Store.Driver)

			return nil
		},
	}
}

// busCmd inspects buses
func busCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Bus inspection commands",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all buses",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			buses, err := store.ListBuses(ctx)
			if err != nil {
				return fmt.Errorf("error listing buses: %w", err)
			}

			if len(buses) == 0 {
				fmt.Println("No buses found. Use 'battery-monitor simulate --ticks 5000 --direct' to create sample data.")
				return nil
			}

			for _, b := range buses {
				fmt.Println(b)
			}
			return nil
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary [bus_id]",
		Short: "Show bus telemetry summary and latest prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			start := time.Now()
			summary, err := store.GetBusSummary(ctx, args[0])
			if err != nil {
				return fmt.Errorf("error getting summary: %w", err)
			}
			elapsed := time.Since(start)

			fmt.Printf("📈 Telemetry Summary for %s (query: %v)\n", args[0], elapsed)
			fmt.Println("==========================================")
			fmt.Printf("  Total Records:    %d\n", summary.TotalRecords)
			fmt.Printf("  First Seen:       %s\n", summary.FirstSeen.Format(time.RFC3339))
			fmt.Printf("  Last Seen:        %s\n", summary.LastSeen.Format(time.RFC3339))
			fmt.Printf("  Avg Voltage:      %.2f V\n", summary.AvgVoltage)
			fmt.Printf("  Avg Max Temp:     %.1f°C\n", summary.AvgMaxTemp)
			fmt.Printf("  Avg Efficiency:   %.1f%%\n", summary.AvgEfficiency)
			fmt.Printf("  Latest SOH:       %.2f%%\n", summary.LatestSOH)
			fmt.Printf("  Fault Samples:    %d\n", summary.FaultSampleCount)

			preds, err := store.LatestPredictions(ctx, args[0], 1)
			if err != nil {
				return fmt.Errorf("error getting predictions: %w", err)
			}
			if len(preds) > 0 {
				p := preds[0]
				fmt.Printf("  Latest Prediction: %s (5m %.2f, 30m %.2f) at %s\n",
					p.FaultType, p.Prob5Min, p.Prob30Min, p.PredictedAt.Format(time.RFC3339))
				fmt.Printf("     %s\n", p.FaultReason)
			}

			if cfg.Redis.Addr != "" {
				pub, err := publish.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
				if err != nil {
					logger.Warn("live state unavailable", "addr", cfg.Redis.Addr, "error", err)
					return nil
				}
				defer pub.Close()

				live, ok, err := pub.LatestPrediction(ctx, args[0])
				switch {
				case err != nil:
					logger.Warn("failed to read live state", "bus_id", args[0], "error", err)
				case !ok:
					fmt.Println("  Live State:        none (expired or never published)")
				default:
					fmt.Printf("  Live State:        %s (5m %.2f, 30m %.2f) at %s\n",
						live.FaultType, live.Prob5Min, live.Prob30Min, live.PredictedAt.Format(time.RFC3339))
				}
			}

			return nil
		},
	}

	cmd.AddCommand(listCmd, summaryCmd)
	return cmd
}
