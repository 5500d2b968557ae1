// Package main implements the blockplan command line tool.
//
// blockplan builds an in-memory model of the machine's block storage, stages
// create/destroy/resize actions against it from a plan file, and commits
// them in dependency order. Every commit run is journaled and recorded in
// the history database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/superfly/blockplan"
	"github.com/superfly/blockplan/device"
	"github.com/superfly/blockplan/devices"
	"github.com/superfly/blockplan/engine"
	"github.com/superfly/blockplan/events"
	"github.com/superfly/blockplan/formats"
	"github.com/superfly/blockplan/journal"
	"github.com/superfly/blockplan/kstate"
	"github.com/superfly/blockplan/safeguards"
	"github.com/superfly/blockplan/store"
	"github.com/superfly/blockplan/tui"
)

// Config holds application configuration.
type Config struct {
	// Persistence
	DBPath      string
	JournalPath string

	// LUKS key material for encrypted devices
	KeyFile string

	// Logging
	LogLevel string

	// Command-specific flags
	PlanPath string
	RunID    string
	Limit    int
	Watch    bool
	NoHealth bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DBPath:      "/var/lib/blockplan/history.db",
		JournalPath: "/var/lib/blockplan/commits.journal",
		LogLevel:    "info",
		Limit:       20,
	}
}

var (
	// Global logger
	log = logrus.New()

	// Command flags
	scanCmd    = flag.NewFlagSet("scan", flag.ExitOnError)
	devicesCmd = flag.NewFlagSet("devices", flag.ExitOnError)
	actionsCmd = flag.NewFlagSet("actions", flag.ExitOnError)
	commitCmd  = flag.NewFlagSet("commit", flag.ExitOnError)
	historyCmd = flag.NewFlagSet("history", flag.ExitOnError)
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	config := DefaultConfig()

	switch os.Args[1] {
	case "scan":
		parseScanFlags(&config, scanCmd, os.Args[2:])
		if err := runScan(config); err != nil {
			log.WithError(err).Fatal("scan failed")
		}
	case "devices":
		parseScanFlags(&config, devicesCmd, os.Args[2:])
		if err := runDevices(config); err != nil {
			log.WithError(err).Fatal("failed to list devices")
		}
	case "actions":
		parseActionsFlags(&config, actionsCmd, os.Args[2:])
		if err := runActions(config); err != nil {
			log.WithError(err).Fatal("failed to plan actions")
		}
	case "commit":
		parseCommitFlags(&config, commitCmd, os.Args[2:])
		if err := runCommit(config); err != nil {
			log.WithError(err).Fatal("commit failed")
		}
	case "history":
		parseHistoryFlags(&config, historyCmd, os.Args[2:])
		if err := runHistory(config); err != nil {
			log.WithError(err).Fatal("failed to read history")
		}
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("blockplan - block storage configuration engine")
	fmt.Println()
	fmt.Println("Usage: blockplan <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  scan       Scan the machine and print the device tree")
	fmt.Println("  devices    List block devices as the kernel reports them")
	fmt.Println("  actions    Show the actions a plan file would schedule (dry run)")
	fmt.Println("  commit     Stage a plan file and commit it to the machine")
	fmt.Println("  history    Show past commit runs")
	fmt.Println()
	fmt.Println("Run 'blockplan <command> --help' for more information on a command.")
}

// parseScanFlags parses flags shared by the scan and devices commands.
func parseScanFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Parse(args)
}

// parseActionsFlags parses flags for the actions command.
func parseActionsFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.PlanPath, "plan", "", "Plan file (required)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.PlanPath == "" {
		fmt.Println("Error: --plan is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseCommitFlags parses flags for the commit command.
func parseCommitFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.PlanPath, "plan", "", "Plan file (required)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "History database path")
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "Commit journal path")
	fs.StringVar(&cfg.KeyFile, "key-file", "", "LUKS key file")
	fs.BoolVar(&cfg.Watch, "watch", false, "Show live progress while committing")
	fs.BoolVar(&cfg.NoHealth, "no-health-check", false, "Skip the pre-commit system health check")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)

	if cfg.PlanPath == "" {
		fmt.Println("Error: --plan is required")
		fs.Usage()
		os.Exit(1)
	}
}

// parseHistoryFlags parses flags for the history command.
func parseHistoryFlags(cfg *Config, fs *flag.FlagSet, args []string) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "History database path")
	fs.StringVar(&cfg.RunID, "run-id", "", "Show the full report for one run")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "Number of runs to list")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	fs.Parse(args)
}

// setupLogger configures the global logger.
func setupLogger(level string) error {
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// newSession builds a scanned engine session with the real drivers bound.
func newSession(cfg Config, withHealth bool) (*engine.Session, error) {
	reg := device.NewRegistry()
	deviceClient := devices.NewClient(log)
	devices.RegisterAll(reg, deviceClient)
	formatClient := formats.NewClient(log)
	formats.RegisterAll(reg, formatClient)
	if cfg.KeyFile != "" {
		reg.RegisterFormat(device.FormatLUKS, formats.NewLUKSDriver(formatClient, cfg.KeyFile))
		reg.RegisterDevice(device.LUKSMapping, devices.NewLUKSMappingDriver(deviceClient, cfg.KeyFile))
	}

	catalog, err := kstate.NewCatalog(log)
	if err != nil {
		return nil, err
	}

	engCfg := engine.Config{
		Logger:  log,
		Catalog: catalog,
	}
	engCfg.Registry = reg
	if withHealth {
		checker := safeguards.NewSystemHealthChecker(log)
		engCfg.HealthCheck = checker.CheckAll
	}

	session, err := engine.New(engCfg)
	if err != nil {
		return nil, err
	}
	if err := session.Scan(context.Background()); err != nil {
		return nil, err
	}
	return session, nil
}

func runScan(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	session, err := newSession(cfg, false)
	if err != nil {
		return err
	}
	printTree(session)
	return nil
}

func runDevices(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	catalog, err := kstate.NewCatalog(log)
	if err != nil {
		return err
	}
	if err := catalog.Refresh(context.Background()); err != nil {
		return err
	}
	rows, err := catalog.All()
	if err != nil {
		return err
	}
	fmt.Printf("%-16s %-8s %-12s %-10s %-12s %s\n", "NAME", "TYPE", "SIZE", "FSTYPE", "MOUNTPOINT", "UUID")
	for _, row := range rows {
		fmt.Printf("%-16s %-8s %-12s %-10s %-12s %s\n",
			row.Name, row.Type, tui.FormatBytes(row.Size), row.FSType, row.Mountpoint, row.UUID)
	}
	return nil
}

func runActions(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	session, err := newSession(cfg, false)
	if err != nil {
		return err
	}
	plan, err := loadPlan(cfg.PlanPath)
	if err != nil {
		return err
	}
	if err := stagePlan(session, plan); err != nil {
		return err
	}

	acts := session.Actions()
	if len(acts) == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}
	fmt.Printf("Plan schedules %d actions:\n", len(acts))
	for i, a := range acts {
		fmt.Printf("  %2d. %s\n", i+1, a.String())
	}
	return nil
}

func runCommit(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	session, err := newSession(cfg, !cfg.NoHealth)
	if err != nil {
		return err
	}
	plan, err := loadPlan(cfg.PlanPath)
	if err != nil {
		return err
	}
	if err := stagePlan(session, plan); err != nil {
		return err
	}
	if len(session.Actions()) == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}

	// The event queue keeps kernel notifications from racing the commit.
	queue := events.NewQueue(session.Bus(), session.Correlate, log)
	queue.Start()
	defer queue.Stop()

	report, commitErr := commitWithProgress(cfg, session)

	if report != nil {
		if j, err := journal.Open(cfg.JournalPath); err == nil {
			if err := j.Append(report); err != nil {
				log.WithError(err).Warn("failed to journal commit report")
			}
			j.Close()
		} else {
			log.WithError(err).Warn("failed to open commit journal")
		}
		dbCfg := store.DefaultConfig()
		dbCfg.Path = cfg.DBPath
		if db, err := store.New(dbCfg); err == nil {
			if err := db.RecordReport(context.Background(), report); err != nil {
				log.WithError(err).Warn("failed to record commit report")
			}
			db.Close()
		} else {
			log.WithError(err).Warn("failed to open history database")
		}
	}

	if commitErr != nil {
		return commitErr
	}
	fmt.Printf("Commit %s finished: %d actions executed.\n", report.RunID, len(report.Executed))
	return nil
}

func runHistory(cfg Config) error {
	if err := setupLogger(cfg.LogLevel); err != nil {
		return err
	}
	dbCfg := store.DefaultConfig()
	dbCfg.Path = cfg.DBPath
	db, err := store.New(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if cfg.RunID != "" {
		report, err := db.ReportByRunID(ctx, cfg.RunID)
		if err != nil {
			return err
		}
		if report == nil {
			return fmt.Errorf("no commit run %q", cfg.RunID)
		}
		printReport(report)
		return nil
	}

	commits, err := db.RecentCommits(ctx, cfg.Limit)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		fmt.Println("No commits recorded.")
		return nil
	}
	fmt.Printf("%-28s %-8s %-8s %-8s %s\n", "RUN", "RESULT", "ACTIONS", "RETRIES", "STARTED")
	for _, c := range commits {
		result := "ok"
		if !c.OK {
			result = "failed"
		}
		fmt.Printf("%-28s %-8s %-8d %-8d %s\n",
			c.RunID, result, c.Actions, c.Retries, c.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// commitWithProgress runs the commit, optionally behind the live TUI.
func commitWithProgress(cfg Config, session *engine.Session) (*blockplan.CommitReport, error) {
	if !cfg.Watch {
		return session.Commit(context.Background())
	}

	summaries := make([]string, 0, len(session.Actions()))
	for _, a := range session.Actions() {
		summaries = append(summaries, a.String())
	}
	model := tui.NewCommitModel(summaries)
	program := tea.NewProgram(model)
	unsub := tui.BridgeBus(program, session.Bus())
	defer unsub()

	go func() {
		r, commitErr := session.Commit(context.Background())
		tui.SendDone(program, r, commitErr)
	}()

	final, runErr := program.Run()
	if runErr != nil {
		return nil, runErr
	}
	m := final.(*tui.CommitModel)
	return m.Report(), m.Err()
}
