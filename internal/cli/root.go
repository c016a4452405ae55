// Package cli implements the threadpin CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rcliao/threadpin/internal/config"
	"github.com/rcliao/threadpin/internal/cpu"
	"github.com/rcliao/threadpin/internal/model"
	"github.com/rcliao/threadpin/internal/store"
)

var (
	dbPath     string
	configPath string
	formatFlag string
	logLevel   string
	logFormat  string
)

var cliLog = logrus.WithField("source", "cli")

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "threadpin",
	Short: "Pin threads to CPU cores by name",
	Long: "Keeps named threads of a target process, and of platform processes, on chosen cores.\n" +
		"Rules are stored per process name in SQLite and re-applied periodically through an elevated shell.",
	PersistentPreRun: setupLogging,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (default: $THREADPIN_DB, store.path or ~/.threadpin/rules.db)")
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $THREADPIN_CONFIG)")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	RootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
}

func setupLogging(cmd *cobra.Command, args []string) {
	logrus.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		exitErr("log level", err)
	}
	logrus.SetLevel(level)
	if logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func loadConfig() *config.Config {
	path := configPath
	if path == "" {
		path = os.Getenv("THREADPIN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		exitErr("load config", err)
	}
	return cfg
}

func getDBPath(cfg *config.Config) string {
	if dbPath != "" {
		return dbPath
	}
	if env := os.Getenv("THREADPIN_DB"); env != "" {
		return env
	}
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threadpin", "rules.db")
}

func openStore(cfg *config.Config) (*store.SQLiteStore, error) {
	return store.NewSQLiteStore(getDBPath(cfg), store.WithCores(cfg.Store.Cores))
}

// detectTopology reads the core layout from sysfs, falling back to the
// frequency heuristic.
func detectTopology(cfg *config.Config) *cpu.Topology {
	return cpu.Detect(freqReader(cfg), cfg.Store.Cores)
}

// freqReader returns nil rather than a nil *SysfsReader so callers can test
// the interface.
func freqReader(cfg *config.Config) cpu.FreqReader {
	r, err := cpu.NewSysfsReader(cfg.Sampler.SysMount)
	if err != nil {
		cliLog.WithError(err).Debug("no cpufreq data")
		return nil
	}
	return r
}

// parseMask accepts "0xF0", decimal "240", a group label such as "Large" or
// "All", or a core list such as "4-7".
func parseMask(topo *cpu.Topology, s string) (model.Mask, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("empty mask")
	}
	if m, err := model.ParseMask(s); err == nil {
		return m, nil
	}
	m, err := topo.LabelToMask(s)
	if err != nil {
		return 0, fmt.Errorf("invalid mask %q: use hex, decimal, a group label or a core list", s)
	}
	return m, nil
}

// identityFlag reads --id, with --global selecting the platform rule set.
func identityFlag(cmd *cobra.Command) string {
	if global, _ := cmd.Flags().GetBool("global"); global {
		return model.GlobalIdentity
	}
	id, _ := cmd.Flags().GetString("id")
	id = strings.TrimSpace(id)
	if id == "" {
		exitErr("identity", fmt.Errorf("--id or --global is required"))
	}
	return id
}

func addIdentityFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("id", "i", "", "Target process name, e.g. com.example.game")
	cmd.Flags().BoolP("global", "g", false, "Use the platform-wide rule set")
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
