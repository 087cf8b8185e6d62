/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  serve    Open the clinic and serve the HTTP API (default)
  cuadre   Reconcile a day and print the recent cuadre history

STARTUP SEQUENCE (serve):
  1. Load configuration (configs/config.yaml, .env, environment)
  2. Configure logging
  3. Open the document store (memory, sqlite or firestore)
  4. Open the local cache (none, file or redis)
  5. Open the clinic session
  6. Configure HTTP router and the daily cuadre scheduler
  7. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections, wait for active requests (30s)
  3. Flush pending saves and close the session
  4. Close store and cache

EXAMPLES:
  # Local server backed by SQLite
  ./server serve --config configs/config.yaml

  # Firestore backend
  STORE_DRIVER=firestore STORE_FIRESTORE_PROJECT=my-project ./server serve

  # Print the last two weeks of cuadres
  ./server cuadre --days 14

SEE ALSO:
  - api/server.go: Router configuration
  - clinic/session.go: Session lifecycle
  - config/config.go: Settings and environment names
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/clinic-ledger/api"
	"github.com/warp/clinic-ledger/billing"
	"github.com/warp/clinic-ledger/cache"
	"github.com/warp/clinic-ledger/clinic"
	"github.com/warp/clinic-ledger/config"
	"github.com/warp/clinic-ledger/cuadre"
	"github.com/warp/clinic-ledger/generic"
	"github.com/warp/clinic-ledger/logger"
	"github.com/warp/clinic-ledger/payroll"
	"github.com/warp/clinic-ledger/store/firestore"
	"github.com/warp/clinic-ledger/store/memory"
	"github.com/warp/clinic-ledger/store/sqlite"
)

// redisTTL bounds how long an offline copy survives in Redis.
const redisTTL = 7 * 24 * time.Hour

var configPath string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Clinic billing, payments and cash reconciliation",
	Long: `Serves the ledger of one clinic: invoices, payments and reversals,
commissions and salaries, expenses and the daily cuadre.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Open the clinic and serve the HTTP API",
	RunE:  runServe,
}

var cuadreCmd = &cobra.Command{
	Use:   "cuadre",
	Short: "Reconcile a day and print the recent cuadre history",
	Example: `  # Reconcile today and print the last week
  server cuadre

  # Reconcile a given day with the opening cash counted in the drawer
  server cuadre --date 2026-03-10 --opening 5000 --days 14`,
	RunE: runCuadre,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default configs/config.yaml)")
	rootCmd.AddCommand(serveCmd, cuadreCmd)

	cuadreCmd.Flags().String("date", "", "day to reconcile (YYYY-MM-DD, default: today)")
	cuadreCmd.Flags().String("opening", "", "opening cash (default: keep the stored value)")
	cuadreCmd.Flags().Int("days", 7, "history window in days")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	go func() {
		for err := range session.Errors() {
			log.Error().Err(err).Msg("background save failed")
		}
	}()

	scheduler := api.NewCuadreScheduler(session, cfg.Scheduler.CuadreAt)
	scheduler.Enabled = cfg.Scheduler.Enabled
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(api.NewHandler(session), cfg.Server.CorsAllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Str("tenant", cfg.Clinic.Tenant).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info().Msg("shutting down server")
	scheduler.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	if err := session.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pending saves were not flushed")
	}
	log.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// CUADRE
// =============================================================================

func runCuadre(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	session, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	dateStr, _ := cmd.Flags().GetString("date")
	openingStr, _ := cmd.Flags().GetString("opening")
	days, _ := cmd.Flags().GetInt("days")

	day := session.Now()
	if dateStr != "" {
		day, err = time.ParseInLocation(time.DateOnly, dateStr, session.Zone())
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", dateStr, err)
		}
	}
	var opening *generic.Money
	if openingStr != "" {
		m, err := generic.ParseMoney(openingStr)
		if err != nil {
			return fmt.Errorf("invalid --opening %q: %w", openingStr, err)
		}
		opening = &m
	}

	today, err := session.ReconcileDay(day, opening)
	if err != nil {
		return err
	}
	history, err := session.CuadreHistory(days)
	if err != nil {
		return err
	}
	if err := session.Close(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printCuadre(out, session, today)
	for _, rec := range history {
		if rec.Date.Equal(today.Date) {
			continue
		}
		printCuadre(out, session, rec)
	}
	return nil
}

func printCuadre(w io.Writer, s *clinic.Session, rec cuadre.DailyReconciliation) {
	f := s.Formatter()
	fmt.Fprintf(w, "%s  ingresos %s (efectivo %s, tarjeta %s, transferencia %s)  gastos %s  balance %s  caja %s\n",
		rec.Date.In(s.Zone()).Format(time.DateOnly),
		f.Format(rec.TotalIncome), f.Format(rec.CashIncome), f.Format(rec.CardIncome), f.Format(rec.TransferIncome),
		f.Format(rec.Expenses), f.Format(rec.Balance), f.Format(rec.CashOnHand))
}

// =============================================================================
// WIRING
// =============================================================================

func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logCfg := logger.DefaultConfig()
	logCfg.Level = cfg.Log.Level
	logCfg.Format = cfg.Log.Format
	logCfg.Output = cfg.Log.Output
	if err := logger.Setup(logCfg); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

// openSession builds the store, cache and session from cfg and opens the
// clinic. cleanup closes whatever was opened.
func openSession(ctx context.Context, cfg *config.Config) (*clinic.Session, func(), error) {
	var closers []io.Closer
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	var store clinic.DocumentStore
	switch cfg.Store.Driver {
	case "memory":
		store = memory.New()
	case "sqlite":
		s, err := sqlite.New(cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if cfg.Store.PollInterval > 0 {
			s.SetPollInterval(cfg.Store.PollInterval)
		}
		closers = append(closers, s)
		store = s
	case "firestore":
		s, err := firestore.New(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, s)
		store = s
	}

	var local cache.Cache = cache.Nop{}
	switch cfg.Cache.Driver {
	case "file":
		c, err := cache.NewFileCache(cfg.Cache.Path)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		local = c
	case "redis":
		c, err := cache.NewRedisCache(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPass, redisTTL)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		closers = append(closers, c)
		local = c
	}

	rates, err := rateTable(cfg.Commission.Rates)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	session, err := clinic.NewSession(clinic.Options{
		Tenant:      cfg.Clinic.Tenant,
		Store:       store,
		Cache:       local,
		CacheMaxAge: cfg.Cache.MaxAge,
		SaveTimeout: cfg.Store.SaveTimeout,
		Zone:        generic.LoadZone(cfg.Clinic.Timezone),
		Rates:       rates,
		Formatter:   generic.NewFormatter(cfg.Clinic.CurrencyPrefix, cfg.Clinic.Locale),
		ClinicName:  cfg.Clinic.Name,
		Notifier:    receiptLog{log: logger.WithComponent("receipts")},
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	if err := session.Open(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to open clinic %q: %w", cfg.Clinic.Tenant, err)
	}
	return session, cleanup, nil
}

// rateTable converts configured percentages keyed by staff kind.
func rateTable(raw map[string]float64) (payroll.RateTable, error) {
	rates := payroll.DefaultRates()
	for name, pct := range raw {
		kind, ok := payroll.ParseKind(name)
		if !ok {
			return nil, fmt.Errorf("commission.rates: unknown staff kind %q", name)
		}
		if pct < 0 || pct > 100 {
			return nil, fmt.Errorf("commission.rates.%s: %v is not a percentage", strings.ToLower(name), pct)
		}
		rates[kind] = decimal.NewFromFloat(pct)
	}
	return rates, nil
}

// =============================================================================
// RECEIPTS
// =============================================================================

// receiptLog logs every receipt the session produces. Printing and
// messaging integrations hang off the same clinic.Notifier interface.
type receiptLog struct {
	log zerolog.Logger
}

func (r receiptLog) PaymentReceived(inv billing.Invoice, p billing.Payment, receipt string) error {
	r.log.Info().Str("invoice", inv.Number).Str("method", string(p.Method)).
		Str("amount", p.Amount.String()).Str("receipt", receipt).Msg("payment receipt")
	return nil
}

func (r receiptLog) CommissionPaid(p payroll.CommissionPayout, receipt string) error {
	r.log.Info().Str("person", p.Name).Str("amount", p.Amount.String()).Str("receipt", receipt).Msg("commission receipt")
	return nil
}

func (r receiptLog) SalaryPaid(p payroll.SalaryPayout, receipt string) error {
	r.log.Info().Str("person", p.Name).Str("net", p.Net.String()).Str("receipt", receipt).Msg("salary receipt")
	return nil
}
