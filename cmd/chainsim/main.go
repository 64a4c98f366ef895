// Command chainsim runs a multi-echelon supply chain simulation, either
// headless to completion or behind the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/talgya/chainsim/internal/api"
	"github.com/talgya/chainsim/internal/archive"
	"github.com/talgya/chainsim/internal/config"
	"github.com/talgya/chainsim/internal/engine"
	"github.com/talgya/chainsim/internal/entropy"
	"github.com/talgya/chainsim/internal/llm"
	"github.com/talgya/chainsim/internal/policy"
)

type flags struct {
	scenario    string
	file        string
	serve       bool
	interactive bool
	seed        int64
	periods     int
	interval    time.Duration
	model       string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("chainsim", flag.ContinueOnError)
	fs.StringVar(&f.scenario, "scenario", "beer", "built-in scenario: "+strings.Join(config.BuiltinNames(), ", "))
	fs.StringVar(&f.file, "file", "", "scenario YAML file (overrides -scenario)")
	fs.BoolVar(&f.serve, "serve", false, "serve the HTTP API instead of running headless")
	fs.BoolVar(&f.interactive, "interactive", false, "prompt on the terminal for manual lines")
	fs.Int64Var(&f.seed, "seed", 0, "demand seed (0 keeps the scenario's)")
	fs.IntVar(&f.periods, "periods", 0, "number of periods (0 keeps the scenario's)")
	fs.DurationVar(&f.interval, "interval", 2*time.Second, "autoplay interval in serve mode")
	fs.StringVar(&f.model, "model", "", "model for remote policies")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.serve && f.interactive {
		return f, errors.New("-serve and -interactive are mutually exclusive")
	}
	return f, nil
}

func main() {
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	slog.SetDefault(slog.New(handler))

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, f, os.Stdin, os.Stdout); err != nil {
		slog.Error("chainsim failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f flags, stdin io.Reader, stdout io.Writer) error {
	sc, err := loadScenario(f)
	if err != nil {
		return err
	}

	// ── Collaborators ────────────────────────────────────────────────
	var llmOpts []llm.Option
	if f.model != "" {
		llmOpts = append(llmOpts, llm.WithModel(f.model))
	}
	llmClient := llm.NewClient(os.Getenv("ANTHROPIC_API_KEY"), llmOpts...)
	if llmClient != nil {
		slog.Info("LLM client enabled", "model", llmClient.Model())
	} else if usesRemote(sc) {
		slog.Warn("ANTHROPIC_API_KEY not set, remote lines will use the fallback policy")
	}

	opts := []engine.Option{
		engine.WithLLM(llmClient),
		engine.WithEntropy(entropy.NewClient(os.Getenv("RANDOM_ORG_API_KEY"))),
	}
	if f.interactive {
		for i := range sc.Echelons {
			if sc.Echelons[i].Policy.Type == config.PolicyManual {
				sc.Echelons[i].Policy.Type = config.PolicyConsole
			}
		}
		opts = append(opts, engine.WithConsole(policy.NewConsole(stdin, stdout)))
	}

	var db *archive.DB
	if dsn := envOrDefault("CHAINSIM_DB", ""); dsn != "" {
		db, err = archive.Open(ctx, dsn)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer db.Close()
		slog.Info("archive opened", "dialect", db.Dialect())
	}

	sim, err := engine.New(sc, opts...)
	if err != nil {
		return err
	}

	if f.serve {
		return serve(ctx, sim, db, f.interval)
	}

	// ── Headless ─────────────────────────────────────────────────────
	if err := sim.RunToCompletion(ctx); err != nil {
		return err
	}
	if db != nil {
		if err := db.SaveRun(context.WithoutCancel(ctx), sim); err != nil {
			slog.Error("archive run failed", "error", err)
		}
	}
	printReport(stdout, sim.Report())
	return nil
}

func serve(ctx context.Context, sim *engine.Simulation, db *archive.DB, interval time.Duration) error {
	adminKey := os.Getenv("CHAINSIM_ADMIN_KEY")
	if adminKey == "" {
		slog.Warn("CHAINSIM_ADMIN_KEY not set, control POST endpoints will be disabled")
	}

	clock := engine.NewClock(interval)
	srv := &api.Server{
		Sim:      sim,
		Clock:    clock,
		DB:       db,
		Port:     envIntOrDefault("PORT", 8080),
		AdminKey: adminKey,
	}
	clock.OnPeriod = func(res *engine.PeriodResult) {
		slog.Debug("autoplay period", "period", res.Period, "total_cost", res.TotalCost)
	}
	clock.OnComplete = func(rep *engine.Report) {
		srv.ArchiveRun(ctx)
		slog.Info("run complete", "run", rep.RunID, "total_cost", rep.TotalCost)
	}
	srv.Start()

	fmt.Printf("Chain %q ready: %d echelons, %d periods.\n",
		sim.Scenario().Name, len(sim.Scenario().Echelons), sim.Scenario().MaxPeriods)
	fmt.Printf("API: http://localhost:%d/api/v1/status\n", srv.Port)

	<-ctx.Done()
	slog.Info("shutting down", "period", sim.Period(), "phase", sim.Phase())
	return nil
}

func loadScenario(f flags) (*config.Scenario, error) {
	var sc *config.Scenario
	var err error
	if f.file != "" {
		sc, err = config.Load(f.file)
	} else {
		sc, err = config.Builtin(f.scenario)
	}
	if err != nil {
		return nil, err
	}
	if f.seed != 0 {
		sc.Demand.Seed = f.seed
	}
	if f.periods > 0 {
		sc.MaxPeriods = f.periods
	}
	return sc, nil
}

func usesRemote(sc *config.Scenario) bool {
	for _, e := range sc.Echelons {
		if e.Policy.Type == config.PolicyRemote {
			return true
		}
	}
	return false
}

func printReport(w io.Writer, r *engine.Report) {
	cost, _ := r.TotalCost.Float64()
	fmt.Fprintf(w, "\n%s run %s (seed %d): %d periods\n", r.Scenario, r.RunID, r.Seed, r.Periods)
	fmt.Fprintf(w, "Total cost:       %s\n", humanize.CommafWithDigits(cost, 2))
	fmt.Fprintf(w, "Avg inventory:    %s\n", humanize.FtoaWithDigits(r.AvgInventory, 1))
	fmt.Fprintf(w, "Avg backlog:      %s\n", humanize.FtoaWithDigits(r.AvgBacklog, 1))
	fmt.Fprintf(w, "Stockout events:  %s\n", humanize.Comma(int64(r.Stockouts)))
	fmt.Fprintf(w, "Fallback orders:  %s\n", humanize.Comma(int64(r.Degraded)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-22s %-13s %12s %8s %8s %6s %8s\n", "ECHELON", "ROLE", "COST", "AVG INV", "AVG BL", "PEAK", "AMPLIF")
	for _, e := range r.Echelons {
		c, _ := e.Cost.Float64()
		fmt.Fprintf(w, "%-22s %-13s %12s %8.1f %8.1f %6d %8.2f\n",
			e.Name, e.Role, humanize.CommafWithDigits(c, 2), e.AvgInventory, e.AvgBacklog, e.PeakOrder, e.Amplification)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
