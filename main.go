package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"library-circulation/library"
)

const dbFile = "library.db"

// app holds what every command needs once the root command has run.
type app struct {
	dbPath      string
	busyTimeout time.Duration
	logLevel    string
	dev         bool
	actingID    int64

	loanDays    int
	maxLoans    int
	maxRenewals int
	finePerDay  string

	logger   *zap.Logger
	registry *prometheus.Registry
	mgr      *library.LibraryManager
}

func main() {
	a := &app{}
	err := a.rootCmd().Execute()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	defaults := library.DefaultRules()
	root := &cobra.Command{
		Use:           "library",
		Short:         "Library circulation: loans, renewals and overdue fines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.dbPath, "db", getenv("LIBRARY_DB", dbFile), "SQLite database path (env LIBRARY_DB)")
	f.DurationVar(&a.busyTimeout, "busy-timeout", 5*time.Second, "how long to wait on a locked database")
	f.StringVar(&a.logLevel, "log-level", getenv("LIBRARY_LOG_LEVEL", "info"), "log level: debug, info, warn, error (env LIBRARY_LOG_LEVEL)")
	f.BoolVar(&a.dev, "dev", false, "human-readable development logging")
	f.Int64Var(&a.actingID, "as", 0, "admin member id for catalog, member and fine management")
	f.IntVar(&a.loanDays, "loan-days", int(defaults.LoanPeriod/(24*time.Hour)), "loan period in days")
	f.IntVar(&a.maxLoans, "max-loans", defaults.MaxActiveLoans, "maximum books a member may hold at once")
	f.IntVar(&a.maxRenewals, "max-renewals", defaults.MaxRenewals, "maximum renewals per loan")
	f.StringVar(&a.finePerDay, "fine-per-day", defaults.FinePerDay.String(), "fine charged per day late")

	root.AddCommand(
		a.serveCmd(),
		a.bookCmd(),
		a.memberCmd(),
		a.borrowCmd(),
		a.returnCmd(),
		a.renewCmd(),
		a.loansCmd(),
		a.finesCmd(),
		a.historyCmd(),
	)
	return root
}

func (a *app) rules() (library.Rules, error) {
	fine, err := decimal.NewFromString(a.finePerDay)
	if err != nil {
		return library.Rules{}, fmt.Errorf("invalid --fine-per-day %q: %w", a.finePerDay, err)
	}
	if a.loanDays <= 0 || a.maxLoans <= 0 || a.maxRenewals < 0 || fine.IsNegative() {
		return library.Rules{}, fmt.Errorf("loan days and max loans must be positive, renewals and fines must not be negative")
	}
	return library.Rules{
		LoanPeriod:     time.Duration(a.loanDays) * 24 * time.Hour,
		MaxActiveLoans: a.maxLoans,
		MaxRenewals:    a.maxRenewals,
		FinePerDay:     fine,
	}, nil
}

func (a *app) open() error {
	logger, err := newLogger(a.logLevel, a.dev)
	if err != nil {
		return err
	}
	a.logger = logger

	rules, err := a.rules()
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.mgr, err = library.NewLibraryManager(
		library.Config{Path: a.dbPath, BusyTimeout: a.busyTimeout},
		library.WithRules(rules),
		library.WithLogger(logger),
		library.WithMetrics(library.NewMetrics(a.registry)),
	)
	if err != nil {
		return fmt.Errorf("open database %s: %w", a.dbPath, err)
	}
	return nil
}

// close releases what open acquired. It is safe to call more than once.
func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	if a.mgr == nil {
		return nil
	}
	err := a.mgr.Close()
	a.mgr = nil
	return err
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// readPassword securely reads a password with masking. LIBRARY_PASSWORD is
// used instead when set, for scripted runs.
func readPassword(prompt string) (string, error) {
	if pw := os.Getenv("LIBRARY_PASSWORD"); pw != "" {
		return pw, nil
	}
	fmt.Print(prompt)
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Println() // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	return s[:maxLength-3] + "..."
}
