package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"orderdesk/internal/config"
	"orderdesk/internal/provider"
	"orderdesk/internal/scheduler"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your orderdesk installation",
		Long: `Verifies that the configuration loads, the timezone and both cron
cadences parse, and the state database is writable. Lists components that
will run disabled because their credentials are missing, and asks the
classifier's LLM provider whether it is reachable (skip with --offline).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("orderdesk doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'orderdesk init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Timezone
			loc, err := cfg.Location()
			if err != nil {
				printFail("Timezone", err.Error())
				failed++
			} else {
				printPass("Timezone", loc.String())
				passed++
			}

			// 4. Cadences
			for _, c := range []struct{ name, spec string }{
				{scheduler.Primary, cfg.Schedule.Primary},
				{scheduler.Secondary, cfg.Schedule.Secondary},
			} {
				label := "Cadence: " + c.name
				if c.spec == "" {
					printWarn(label, "not set")
					warned++
					continue
				}
				sched, err := scheduler.Parse(c.spec)
				if err != nil {
					printFail(label, err.Error())
					failed++
					continue
				}
				detail := c.spec
				if loc != nil {
					detail = fmt.Sprintf("%s (next %s)", c.spec, sched.Next(time.Now().In(loc)).Format(time.RFC1123))
				}
				printPass(label, detail)
				passed++
			}
			if !cfg.Schedule.Enabled {
				printWarn("Scheduler", "disabled; runs only via POST /process or 'orderdesk run'")
				warned++
			}

			// 5. Components with missing credentials
			missing := missingCredentials(cfg)
			for _, name := range missing {
				printWarn("Component: "+name, "credentials missing, will run disabled")
				warned++
			}

			// 6. Classifier provider reachable
			label := "Provider: " + cfg.Classifier.Provider
			switch {
			case slices.Contains(missing, "classifier"):
			case offline:
				printWarn(label, "skipped (--offline)")
				warned++
			default:
				if err := checkProvider(cmd.Context(), cfg); err != nil {
					printWarn(label, err.Error())
					warned++
				} else {
					printPass(label, "reachable")
					passed++
				}
			}

			// 7. State database writable
			if cfg.State.Kind == "sqlite" {
				if err := checkDatabase(cfg.State.DBPath); err != nil {
					printFail("State database", err.Error())
					failed++
				} else {
					printPass("State database", cfg.State.DBPath)
					passed++
				}
			} else {
				printWarn("State", "in memory; watermark and dedup set reset on restart")
				warned++
			}
			if cfg.Ledger.Kind == "sqlite" {
				if err := checkDatabase(cfg.Ledger.SQLite.DBPath); err != nil {
					printFail("Ledger database", err.Error())
					failed++
				} else {
					printPass("Ledger database", cfg.Ledger.SQLite.DBPath)
					passed++
				}
			}

			// 8. Server port
			if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
				printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				warned++
			} else {
				printPass("Server port", fmt.Sprintf(":%d available", cfg.Server.Port))
				passed++
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running orderdesk.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\norderdesk will run, but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! orderdesk is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that call external services")
	return cmd
}

// checkProvider asks the classifier's provider whether it is reachable and
// accepts the configured key.
func checkProvider(ctx context.Context, cfg *config.Config) error {
	p, err := provider.NewFactory(cfg.Providers, nil, silentLogger()).Get(cfg.Classifier.Provider)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return p.Healthy(ctx)
}

// missingCredentials lists the components the factory would disable. It
// mirrors the checks in buildComponents without constructing anything.
func missingCredentials(cfg *config.Config) []string {
	var out []string
	if cfg.Source.AccountSID == "" || cfg.Source.AuthToken == "" {
		out = append(out, "source")
	}

	pc, ok := cfg.Providers[cfg.Classifier.Provider]
	if !ok || !pc.Enabled || (cfg.Classifier.Provider != "ollama" && pc.APIKey == "") {
		out = append(out, "classifier")
	}

	switch cfg.Ledger.Kind {
	case "sheets":
		s := cfg.Ledger.Sheets
		if s.SpreadsheetID == "" || (s.CredentialsFile == "" && s.CredentialsJSON == "") {
			out = append(out, "ledger")
		}
	case "postgres":
		if cfg.Ledger.Postgres.DSN == "" {
			out = append(out, "ledger")
		}
	}

	switch cfg.Alert.Kind {
	case "webhook", "slack", "discord":
		if cfg.Alert.WebhookURL == "" {
			out = append(out, "alert")
		}
	case "telegram":
		if cfg.Alert.Telegram.Token == "" || cfg.Alert.Telegram.ChatID == "" {
			out = append(out, "alert")
		}
	}
	return out
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
}
