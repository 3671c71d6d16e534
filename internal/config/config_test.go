package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotEmpty(t, cfg.ConfigPath)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.SnapshotDir)
	assert.NotEmpty(t, cfg.RunDir)
	assert.NotEmpty(t, cfg.LogDir)
	assert.NotEmpty(t, cfg.DBPath)
	assert.NotEmpty(t, cfg.HypervisorSocketDir)
	assert.NotEmpty(t, cfg.HypervisorName)
	assert.NotEmpty(t, cfg.IntrospectToolPath)
	assert.NotEmpty(t, cfg.StorageTools)
	assert.Greater(t, cfg.HealthCheckTimeout, time.Duration(0))
	assert.GreaterOrEqual(t, cfg.HealthCheckRetryAttempts, 0)
	assert.GreaterOrEqual(t, cfg.RateLimitQPS, float64(0))

	require.NoError(t, cfg.Validate())
}

func TestValidateRequiredFields(t *testing.T) {
	tests := []struct {
		name        string
		clear       func(*Config)
		errContains string
	}{
		{"empty data_dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"empty snapshot_dir", func(c *Config) { c.SnapshotDir = "" }, "snapshot_dir"},
		{"empty run_dir", func(c *Config) { c.RunDir = "" }, "run_dir"},
		{"empty hypervisor_socket_dir", func(c *Config) { c.HypervisorSocketDir = "" }, "hypervisor_socket_dir"},
		{"empty introspect_tool_path", func(c *Config) { c.IntrospectToolPath = "" }, "introspect_tool_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.clear(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestValidateControlListen(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(*Config)
		wantErr     bool
		errContains string
	}{
		{
			name: "wildcard requires auth token",
			setup: func(c *Config) {
				c.ControlListen = "0.0.0.0:8288"
				c.ControlAuthToken = ""
			},
			wantErr:     true,
			errContains: "control_auth_token",
		},
		{
			name: "wildcard with token is valid",
			setup: func(c *Config) {
				c.ControlListen = "0.0.0.0:8288"
				c.ControlAuthToken = "s3cr3t"
			},
			wantErr: false,
		},
		{
			name: "loopback needs no token",
			setup: func(c *Config) {
				c.ControlListen = "127.0.0.1:8288"
				c.ControlAuthToken = ""
			},
			wantErr: false,
		},
		{
			name: "malformed address",
			setup: func(c *Config) {
				c.ControlListen = "not-host-port"
			},
			wantErr:     true,
			errContains: "control_listen",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.setup(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateMetricsListen(t *testing.T) {
	tests := []struct {
		name          string
		metricsListen string
		wantErr       bool
	}{
		{"empty is allowed", "", false},
		{"localhost is allowed", "localhost:9090", false},
		{"loopback is allowed", "127.0.0.1:9090", false},
		{"ipv6 loopback is allowed", "[::1]:9090", false},
		{"wildcard is not allowed", "0.0.0.0:9090", true},
		{"non-loopback is not allowed", "10.0.0.1:9090", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MetricsListen = tt.metricsListen
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "metrics_listen")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateControlAllowCIDRs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ControlAllowCIDRs = []string{"10.0.0.0/8", "not-a-cidr"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "control_allow_cidrs")

	cfg.ControlAllowCIDRs = []string{"10.0.0.0/8", "fd00::/64"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateRateLimitKeyPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitKeyPolicy = "per-principal"
	assert.NoError(t, cfg.Validate())

	cfg.RateLimitKeyPolicy = "per-source-address"
	assert.NoError(t, cfg.Validate())

	cfg.RateLimitKeyPolicy = "bogus"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limit_key_policy")
}

func TestValidateStoragePools(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoragePools = []StoragePool{{Name: "", Family: "cow-volume"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage pool entries require a name")

	cfg.StoragePools = []StoragePool{{Name: "tank", Family: "logical-volume"}}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lvm_snapshot_overflow_gb")

	cfg.StoragePools = []StoragePool{{Name: "tank", Family: "logical-volume", LVMSnapshotOverflowGB: 10}}
	assert.NoError(t, cfg.Validate())
}

func TestIsLoopbackHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"::1", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopbackHost(tt.host))
		})
	}
}

func TestIsWildcardHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"0.0.0.0", true},
		{"::", true},
		{"", true},
		{"127.0.0.1", false},
		{"localhost", false},
		{"10.0.0.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, isWildcardHost(tt.host))
		})
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := parseDurationField("30s", "health_check_timeout")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = parseDurationField("not-a-duration", "health_check_timeout")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health_check_timeout")

	_, err = parseDurationField("-5s", "health_check_timeout")
	require.Error(t, err)

	d, err = parseDurationField("", "health_check_timeout")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)
}
