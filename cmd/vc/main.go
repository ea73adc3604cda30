package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"vehiclecheck/internal/app"
	"vehiclecheck/internal/audit"
	"vehiclecheck/internal/config"
	"vehiclecheck/internal/dataset"
	"vehiclecheck/internal/db"
	"vehiclecheck/internal/domain"
	"vehiclecheck/internal/engine"
	"vehiclecheck/internal/logging"
	"vehiclecheck/internal/migrate"
	"vehiclecheck/internal/supplier"
	vehiclechecksdk "vehiclecheck/sdk/go"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "vc",
	Short: "Vehicle Check CLI",
	Long: `Vehicle Check consolidates vehicle data from three suppliers into one analysis.
- Identifiers: a 17-character VIN, a plate (ABC1234, ABC1D23, ABC-1234) or an 11-digit registration.
- Suppliers: F1 reports constraints; F2 is asked for details only when F1 flags one; F3 reports infractions.
- Failures: a failing or slow supplier shows up in supplierStatus and never fails the request.
- Idempotency: repeated requests with the same key replay the stored analysis for 24h.
- Audit: every full analysis is recorded with its estimated cost; view with 'vc audit tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VEHICLECHECK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/vehiclecheck.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (json or console)")
	rootCmd.PersistentFlags().String("dataset", "", "vehicle dataset file (default: embedded dataset)")
	rootCmd.PersistentFlags().String("server", "", "talk to a running API instead of building the engine locally")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dataset", rootCmd.PersistentFlags().Lookup("dataset"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(vehiclesCmd())
	rootCmd.AddCommand(mockSuppliersCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{ServerAddr: addr})
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				handler, err := a.Handler(version)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving vehicle check API",
					zap.String("addr", cfg.Server.Addr),
					zap.String("base_path", cfg.Server.BasePath),
					zap.String("version", version))
				fmt.Printf("Serving Vehicle Check API on %s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func analyzeCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "analyze <identifier>",
		Short: "Run one consolidated analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote := viper.GetString("server"); remote != "" {
				res, err := vehiclechecksdk.New(remote).Analyze(cmd.Context(), args[0], key)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Analysis)
				}
				printAnalysis(res.Analysis.VIN, res.Key, res.Replayed, toDomainStatus(res.Analysis.SupplierStatus))
				return nil
			}
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), cfg, func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Analyze(ctx, engine.Request{Identifier: args[0], IdempotencyKey: key})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res.Analysis)
				}
				printAnalysis(res.Analysis.VIN, res.Key, res.Replayed, res.Analysis.SupplierStatus)
				if c := res.Analysis.Constraints; c != nil {
					fmt.Printf("constraints: renajud=%t recall=%t\n", c.Renajud, c.Recall)
				}
				if inf := res.Analysis.Infractions; inf != nil {
					fmt.Printf("infractions: %d totalling %s\n", len(inf.Details), inf.TotalAmount.StringFixed(2))
				}
				fmt.Printf("estimated cost: %d cents\n", res.CostCents)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (derived from the identifier when empty)")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect the analysis audit log"}
	cmd.AddCommand(auditTailCmd())
	cmd.AddCommand(auditStatsCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	var vin string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuditStore(cmd.Context(), func(ctx context.Context, s audit.Store) error {
				page, err := s.List(ctx, audit.Filter{VIN: vin}, 0, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Input", "Type", "VIN", "F1", "F2", "F3", "Constraints", "Cost"})
				for _, rec := range page.Items {
					tw.AppendRow(table.Row{
						rec.Timestamp.Local().Format(time.DateTime),
						logging.MaskIdentifier(rec.InputValue),
						rec.InputType,
						logging.MaskVIN(rec.CanonicalVIN),
						rec.SupplierStatus[domain.SupplierF1].Status,
						rec.SupplierStatus[domain.SupplierF2].Status,
						rec.SupplierStatus[domain.SupplierF3].Status,
						rec.HasConstraints,
						rec.EstimatedCostCents,
					})
				}
				tw.AppendFooter(table.Row{"", "", "", "", "", "", "", "shown", fmt.Sprintf("%d/%d", len(page.Items), page.Total)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of records")
	cmd.Flags().StringVar(&vin, "vin", "", "only records for this VIN")
	return cmd
}

func auditStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Aggregate audit statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAuditStore(cmd.Context(), func(ctx context.Context, s audit.Store) error {
				st, err := s.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func vehiclesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "vehicles", Short: "Inspect the demonstration vehicle dataset"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dataset vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			ds, err := dataset.Load(cfg.Dataset.Path)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"vehicles": ds.All(), "stats": ds.Stats()})
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Plate", "Registration", "VIN", "Vehicle", "Year", "Renajud", "Recall", "Infractions"})
			for _, v := range ds.All() {
				tw.AppendRow(table.Row{v.Plate, v.Registration, v.VIN, v.Make + " " + v.Model, v.Year, v.Renajud, v.Recall(), v.InfractionTotal().StringFixed(2)})
			}
			st := ds.Stats()
			tw.AppendFooter(table.Row{"total", st.Total, "", "", "", st.WithRenajud, st.WithRecall, ""})
			tw.Render()
			return nil
		},
	})
	return cmd
}

func mockSuppliersCmd() *cobra.Command {
	var addr string
	var latency time.Duration
	var failureRatio float64
	cmd := &cobra.Command{
		Use:   "mock-suppliers",
		Short: "Serve the F1 SOAP and F2/F3 REST supplier endpoints from the dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer log.Sync()
			ds, err := dataset.Load(cfg.Dataset.Path)
			if err != nil {
				return err
			}
			opts := supplier.MockOptions{
				Latency:      map[domain.SupplierName]time.Duration{},
				FailureRatio: map[domain.SupplierName]float64{},
				Log:          log.Named("mock"),
			}
			for _, name := range domain.Suppliers {
				opts.Latency[name] = latency
				opts.FailureRatio[name] = failureRatio
			}
			srv := &http.Server{Addr: addr, Handler: supplier.MockRoutes(ds, opts), ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving mock suppliers on %s (POST /f1/soap, GET /f2/vehicle/{vin}, GET /f3/infractions/{vin})\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9090", "listen address")
	cmd.Flags().DurationVar(&latency, "latency", 0, "added latency per response")
	cmd.Flags().Float64Var(&failureRatio, "failure-ratio", 0, "share of responses answered with 503")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage vehiclecheck.yml",
		Long:  "Config sets supplier transports and guards, the idempotency store, audit sinks, logging and telemetry. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(config.Overrides{})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

// --- helpers ---

// loadConfig reads the file then layers flags and VEHICLECHECK_* env values.
func loadConfig(o config.Overrides) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if o.ServerAddr == "" {
		o.ServerAddr = viper.GetString("server-addr")
	}
	o.LogLevel = viper.GetString("log-level")
	o.LogFormat = viper.GetString("log-format")
	o.IdemStore = viper.GetString("idempotency-store")
	o.RedisAddr = viper.GetString("redis-addr")
	o.OTLPEndpoint = viper.GetString("otlp-endpoint")
	o.DatasetPath = viper.GetString("dataset")
	if err := cfg.ApplyOverrides(o); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, cfg *config.Config, fn func(context.Context, *app.App) error) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Build(ctx, viper.GetString("workspace"), cfg, log, version)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Warn("close", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func withAuditStore(ctx context.Context, fn func(context.Context, audit.Store) error) error {
	workspace := viper.GetString("workspace")
	if _, err := os.Stat(db.Path(workspace)); err != nil {
		return fmt.Errorf("no audit database in %s; run an analysis with the sqlite audit sink first", workspace)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, audit.Store{DB: conn})
}

func printAnalysis(vin, key string, replayed bool, status map[domain.SupplierName]domain.SupplierStatus) {
	fmt.Printf("vin: %s\nidempotency key: %s (replayed=%t)\n", vin, key, replayed)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Supplier", "Status", "Latency (ms)", "Error"})
	for _, name := range domain.Suppliers {
		st := status[name]
		tw.AppendRow(table.Row{name, st.Status, st.LatencyMs, st.Error})
	}
	tw.Render()
}

func toDomainStatus(in map[string]vehiclechecksdk.SupplierStatus) map[domain.SupplierName]domain.SupplierStatus {
	out := make(map[domain.SupplierName]domain.SupplierStatus, len(in))
	for k, v := range in {
		out[domain.SupplierName(k)] = domain.SupplierStatus{Status: domain.OutcomeStatus(v.Status), LatencyMs: v.LatencyMs, Error: v.Error}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
