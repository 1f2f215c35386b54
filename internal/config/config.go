package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon and CLI.
type RelayConfig struct {
	Environment string

	// Upstream chat provider
	APIKey             string
	UpstreamURL        string
	DefaultModel       string
	DefaultTemperature float64
	// How long the upstream may stay silent mid-stream before the relay
	// aborts (0 disables the watchdog).
	UpstreamIdleTimeout time.Duration

	// HTTP listener
	ListenAddr string

	// Backward-compatible base log file; used if specific files unset
	LogFile string
	// Separate log files for CLI and daemon (preferred)
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	// Usage ledger: an sqlite file path or a postgres:// DSN
	LedgerPath  string
	LedgerAsync bool

	// Per-client rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64

	// Optional YAML file with extra delta extraction fields
	ExtractorsFile string

	TelemetryEnabled bool
	InstallIDPath    string
}

// LoadRelayConfig reads the current environment and loads the appropriate
// relay config file. Environment variables with the RELAY_ prefix override
// file values.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := RelayConfig{
		Environment:      s.Environment,
		APIKey:           firstNonEmpty(os.Getenv("RELAY_API_KEY"), os.Getenv("XAI_API_KEY"), merged["api_key"]),
		UpstreamURL:      firstNonEmpty(os.Getenv("RELAY_UPSTREAM_URL"), merged["upstream_url"], "https://api.x.ai/v1/chat/completions"),
		DefaultModel:     firstNonEmpty(os.Getenv("RELAY_DEFAULT_MODEL"), merged["default_model"], "grok-2"),
		ListenAddr:       firstNonEmpty(os.Getenv("RELAY_LISTEN_ADDR"), merged["listen_addr"], ":8787"),
		LogFile:          firstNonEmpty(os.Getenv("RELAY_LOG_FILE"), merged["log_file"]),
		LogLevel:         firstNonEmpty(os.Getenv("RELAY_LOG_LEVEL"), merged["log_level"], "info"),
		LedgerPath:       firstNonEmpty(os.Getenv("RELAY_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		ExtractorsFile:   firstNonEmpty(os.Getenv("RELAY_EXTRACTORS_FILE"), merged["extractors_file"]),
		TelemetryEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("RELAY_TELEMETRY_ENABLED"), merged["telemetry_enabled"]), true),
		InstallIDPath:    firstNonEmpty(os.Getenv("RELAY_INSTALL_ID_PATH"), merged["install_id_path"], DefaultInstallIDPath()),
	}

	// Preferred separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("RELAY_LOG_FILE_CLI"), os.Getenv("RELAY_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("RELAY_LOG_FILE_DAEMON"), os.Getenv("RELAY_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	cfg.DefaultTemperature = 0.7
	if v := firstNonEmpty(os.Getenv("RELAY_DEFAULT_TEMPERATURE"), merged["default_temperature"]); v != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid default_temperature %q: %w", v, err)
		}
		cfg.DefaultTemperature = parsed
	}

	if v := firstNonEmpty(os.Getenv("RELAY_UPSTREAM_IDLE_TIMEOUT"), merged["upstream_idle_timeout"]); v != "" {
		dur, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid upstream_idle_timeout %q: %w", v, err)
		}
		cfg.UpstreamIdleTimeout = dur
	}

	cfg.LedgerAsync = parseOptionalBool(firstNonEmpty(os.Getenv("RELAY_LEDGER_ASYNC"), merged["ledger_async"]), false)
	cfg.RateLimitEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("RELAY_RATELIMIT_ENABLED"), merged["ratelimit_enabled"]), true)
	cfg.RateLimitRPS = parseOptionalFloat(firstNonEmpty(os.Getenv("RELAY_RATELIMIT_RPS"), merged["ratelimit_rps"]), 5)
	cfg.RateLimitBurst = parseOptionalFloat(firstNonEmpty(os.Getenv("RELAY_RATELIMIT_BURST"), merged["ratelimit_burst"]), 10)

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's
// home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".chat-relay", "ledger.db")
}

// DefaultInstallIDPath returns the fallback install id location.
func DefaultInstallIDPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "install_id"
	}
	return filepath.Join(home, ".chat-relay", "install_id")
}
