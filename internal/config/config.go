// ABOUTME: Package config provides configuration loading and validation for the vmcored daemon.
//
// The configuration is loaded from a YAML file at /etc/vmcore/config.yaml by default.
// Fields left empty in the file keep their defaults, so partial overrides are safe.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StoragePool is a named group of volumes sharing a storage family and its
// family-specific tunables (e.g. the logical-volume snapshot overflow size).
type StoragePool struct {
	Name                  string `yaml:"name"`
	Family                string `yaml:"family"`
	LVMSnapshotOverflowGB int    `yaml:"lvm_snapshot_overflow_gb"`
}

// Config holds vmcored's runtime configuration: paths, listeners, the
// hypervisor control-socket layout, storage tool locations, and the
// knobs exposed by the health checker and rate limiter.
type Config struct {
	ConfigPath string

	DataDir     string
	SnapshotDir string
	RunDir      string
	LogDir      string
	DBPath      string

	ControlListen     string
	ControlAuthToken  string
	ControlAllowCIDRs []string
	MetricsListen     string

	HypervisorSocketDir string
	HypervisorName      string

	IntrospectToolPath string

	StorageTools map[string]string // family -> CLI tool path
	StoragePools []StoragePool

	HealthCheckTimeout       time.Duration
	HealthCheckRetryAttempts int
	HealthCheckRetryDelay    time.Duration

	RateLimitKeyPolicy string // "per-principal" or "per-source-address"
	RateLimitQPS       float64
	RateLimitBurst     int

	RetentionEnabled  bool
	RetentionCron     string
	RetentionMaxCount int
	RetentionExpires  time.Duration
}

// FileConfig mirrors Config for YAML decoding; zero values mean "unset".
type FileConfig struct {
	DataDir     string `yaml:"data_dir"`
	SnapshotDir string `yaml:"snapshot_dir"`
	RunDir      string `yaml:"run_dir"`
	LogDir      string `yaml:"log_dir"`
	DBPath      string `yaml:"db_path"`

	ControlListen     string   `yaml:"control_listen"`
	ControlAuthToken  string   `yaml:"control_auth_token"`
	ControlAllowCIDRs []string `yaml:"control_allow_cidrs"`
	MetricsListen     string   `yaml:"metrics_listen"`

	HypervisorSocketDir string `yaml:"hypervisor_socket_dir"`
	HypervisorName      string `yaml:"hypervisor_name"`

	IntrospectToolPath string `yaml:"introspect_tool_path"`

	StorageTools map[string]string `yaml:"storage_tools"`
	StoragePools []StoragePool     `yaml:"storage_pools"`

	HealthCheckTimeout       string `yaml:"health_check_timeout"`
	HealthCheckRetryAttempts *int   `yaml:"health_check_retry_attempts"`
	HealthCheckRetryDelay    string `yaml:"health_check_retry_delay"`

	RateLimitKeyPolicy string   `yaml:"rate_limit_key_policy"`
	RateLimitQPS       *float64 `yaml:"rate_limit_qps"`
	RateLimitBurst     *int     `yaml:"rate_limit_burst"`

	RetentionEnabled  *bool  `yaml:"retention_enabled"`
	RetentionCron     string `yaml:"retention_cron"`
	RetentionMaxCount *int   `yaml:"retention_max_count"`
	RetentionExpires  string `yaml:"retention_expires"`
}

// DefaultConfig returns a Config with production-reasonable defaults for a
// single hypervisor host.
func DefaultConfig() Config {
	dataDir := "/var/lib/vmcore"
	runDir := "/run/vmcore"
	return Config{
		ConfigPath:  "/etc/vmcore/config.yaml",
		DataDir:     dataDir,
		SnapshotDir: filepath.Join(dataDir, "snapshots"),
		RunDir:      runDir,
		LogDir:      "/var/log/vmcore",
		DBPath:      filepath.Join(dataDir, "vmcore.db"),

		ControlListen:     "127.0.0.1:8288",
		ControlAuthToken:  "",
		ControlAllowCIDRs: nil,
		MetricsListen:     "",

		HypervisorSocketDir: "/var/run/qemu",
		HypervisorName:      "qemu",

		IntrospectToolPath: "virsh",

		StorageTools: map[string]string{
			"cow-volume":         "zfs",
			"logical-volume":     "lvm",
			"cow-image":          "qemu-img",
			"cow-filesystem":     "btrfs",
			"distributed-block":  "rbd",
		},
		StoragePools: nil,

		HealthCheckTimeout:       30 * time.Second,
		HealthCheckRetryAttempts: 3,
		HealthCheckRetryDelay:    5 * time.Second,

		RateLimitKeyPolicy: "per-source-address",
		RateLimitQPS:       5,
		RateLimitBurst:     10,

		RetentionEnabled:  false,
		RetentionCron:     "0 3 * * *",
		RetentionMaxCount: 0,
		RetentionExpires:  0,
	}
}

// Load reads the YAML config file at path (or the default path if empty)
// and applies overrides on top of DefaultConfig, then validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		cfg.ConfigPath = path
	}
	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", cfg.ConfigPath, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", cfg.ConfigPath, err)
	}
	if err := applyFileConfig(&cfg, fileCfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, f FileConfig) error {
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.SnapshotDir != "" {
		cfg.SnapshotDir = f.SnapshotDir
	}
	if f.RunDir != "" {
		cfg.RunDir = f.RunDir
	}
	if f.LogDir != "" {
		cfg.LogDir = f.LogDir
	}
	if f.DBPath != "" {
		cfg.DBPath = f.DBPath
	}
	if f.ControlListen != "" {
		cfg.ControlListen = f.ControlListen
	}
	if f.ControlAuthToken != "" {
		cfg.ControlAuthToken = f.ControlAuthToken
	}
	if len(f.ControlAllowCIDRs) > 0 {
		cfg.ControlAllowCIDRs = append([]string(nil), f.ControlAllowCIDRs...)
	}
	if f.MetricsListen != "" {
		cfg.MetricsListen = f.MetricsListen
	}
	if f.HypervisorSocketDir != "" {
		cfg.HypervisorSocketDir = f.HypervisorSocketDir
	}
	if f.HypervisorName != "" {
		cfg.HypervisorName = f.HypervisorName
	}
	if f.IntrospectToolPath != "" {
		cfg.IntrospectToolPath = f.IntrospectToolPath
	}
	if len(f.StorageTools) > 0 {
		merged := make(map[string]string, len(cfg.StorageTools)+len(f.StorageTools))
		for k, v := range cfg.StorageTools {
			merged[k] = v
		}
		for k, v := range f.StorageTools {
			merged[k] = v
		}
		cfg.StorageTools = merged
	}
	if len(f.StoragePools) > 0 {
		cfg.StoragePools = append([]StoragePool(nil), f.StoragePools...)
	}
	if f.HealthCheckTimeout != "" {
		d, err := parseDurationField(f.HealthCheckTimeout, "health_check_timeout")
		if err != nil {
			return err
		}
		cfg.HealthCheckTimeout = d
	}
	if f.HealthCheckRetryAttempts != nil {
		cfg.HealthCheckRetryAttempts = *f.HealthCheckRetryAttempts
	}
	if f.HealthCheckRetryDelay != "" {
		d, err := parseDurationField(f.HealthCheckRetryDelay, "health_check_retry_delay")
		if err != nil {
			return err
		}
		cfg.HealthCheckRetryDelay = d
	}
	if f.RateLimitKeyPolicy != "" {
		cfg.RateLimitKeyPolicy = f.RateLimitKeyPolicy
	}
	if f.RateLimitQPS != nil {
		cfg.RateLimitQPS = *f.RateLimitQPS
	}
	if f.RateLimitBurst != nil {
		cfg.RateLimitBurst = *f.RateLimitBurst
	}
	if f.RetentionEnabled != nil {
		cfg.RetentionEnabled = *f.RetentionEnabled
	}
	if f.RetentionCron != "" {
		cfg.RetentionCron = f.RetentionCron
	}
	if f.RetentionMaxCount != nil {
		cfg.RetentionMaxCount = *f.RetentionMaxCount
	}
	if f.RetentionExpires != "" {
		d, err := parseDurationField(f.RetentionExpires, "retention_expires")
		if err != nil {
			return err
		}
		cfg.RetentionExpires = d
	}
	return nil
}

// Validate checks required fields and basic shape constraints.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("snapshot_dir is required")
	}
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.HypervisorSocketDir == "" {
		return fmt.Errorf("hypervisor_socket_dir is required")
	}
	if c.IntrospectToolPath == "" {
		return fmt.Errorf("introspect_tool_path is required")
	}
	controlListen := strings.TrimSpace(c.ControlListen)
	if controlListen != "" {
		host, _, err := net.SplitHostPort(controlListen)
		if err != nil {
			return fmt.Errorf("control_listen must be host:port: %w", err)
		}
		if isWildcardHost(host) && strings.TrimSpace(c.ControlAuthToken) == "" {
			return fmt.Errorf("control_auth_token is required when control_listen binds to a wildcard address")
		}
	}
	if strings.TrimSpace(c.MetricsListen) != "" {
		host, _, err := net.SplitHostPort(c.MetricsListen)
		if err != nil {
			return fmt.Errorf("metrics_listen must be host:port: %w", err)
		}
		if !isLoopbackHost(host) {
			return fmt.Errorf("metrics_listen must be localhost-only (got %q)", host)
		}
	}
	for _, cidr := range c.ControlAllowCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("control_allow_cidrs must contain valid CIDR entries: %w", err)
		}
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health_check_timeout must be positive")
	}
	if c.HealthCheckRetryAttempts < 0 {
		return fmt.Errorf("health_check_retry_attempts must be non-negative")
	}
	switch c.RateLimitKeyPolicy {
	case "per-principal", "per-source-address":
	default:
		return fmt.Errorf("rate_limit_key_policy must be 'per-principal' or 'per-source-address'")
	}
	if c.RateLimitQPS < 0 {
		return fmt.Errorf("rate_limit_qps must be non-negative")
	}
	if c.RateLimitBurst < 0 {
		return fmt.Errorf("rate_limit_burst must be non-negative")
	}
	for _, pool := range c.StoragePools {
		if pool.Name == "" {
			return fmt.Errorf("storage pool entries require a name")
		}
		if pool.Family == "logical-volume" && pool.LVMSnapshotOverflowGB <= 0 {
			return fmt.Errorf("storage pool %s: lvm_snapshot_overflow_gb must be positive for logical-volume pools", pool.Name)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

func isWildcardHost(host string) bool {
	host = strings.TrimSpace(strings.Trim(host, "[]"))
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsUnspecified()
}

func parseDurationField(value, field string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must be non-negative", field)
	}
	return d, nil
}
