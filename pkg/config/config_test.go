package config

import "testing"

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Logging.Format)
	}
	if cfg.Infra.NumHosts != 2000 {
		t.Errorf("Expected infra.numhosts 2000, got %d", cfg.Infra.NumHosts)
	}
	if cfg.Infra.Slabs != 8 {
		t.Errorf("Expected infra.slabs 8, got %d", cfg.Infra.Slabs)
	}
	if !cfg.Infra.KeepProbing {
		t.Error("Expected infra.keep_probing true")
	}
	if cfg.RateLimit.Default != 50 {
		t.Errorf("Expected ratelimit.default 50, got %d", cfg.RateLimit.Default)
	}
	if len(cfg.RateLimit.ForDomain) != 1 || cfg.RateLimit.ForDomain[0].Name != "example.com." {
		t.Errorf("Expected one for_domain entry for example.com., got %+v", cfg.RateLimit.ForDomain)
	}
	if len(cfg.RateLimit.BelowDomain) != 1 || cfg.RateLimit.BelowDomain[0].Limit != 1 {
		t.Errorf("Expected one below_domain entry with limit 1, got %+v", cfg.RateLimit.BelowDomain)
	}
	if cfg.IPRateLimit.Default != 20 {
		t.Errorf("Expected ip_ratelimit.default 20, got %d", cfg.IPRateLimit.Default)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()
	if cfg == nil {
		t.Fatal("LoadWithDefaults() returned nil")
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Infra.NumHosts != 10000 {
		t.Errorf("Expected default infra.numhosts 10000, got %d", cfg.Infra.NumHosts)
	}
	if cfg.Infra.Slabs != 4 {
		t.Errorf("Expected default infra.slabs 4, got %d", cfg.Infra.Slabs)
	}
	if cfg.Infra.HostTTL != 900 {
		t.Errorf("Expected default infra.host_ttl 900, got %d", cfg.Infra.HostTTL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		cfg     *Config
		name    string
		wantErr bool
	}{
		{
			name: "valid config",
			cfg: &Config{
				Infra:       InfraConfig{NumHosts: 100, Slabs: 4, HostTTL: 900},
				RateLimit:   RateLimitConfig{Slabs: 4},
				IPRateLimit: IPRateLimitConfig{Slabs: 4},
				Logging:     LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
			},
			wantErr: false,
		},
		{
			name: "non power of two slabs",
			cfg: &Config{
				Infra:       InfraConfig{NumHosts: 100, Slabs: 3, HostTTL: 900},
				RateLimit:   RateLimitConfig{Slabs: 4},
				IPRateLimit: IPRateLimitConfig{Slabs: 4},
				Logging:     LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			cfg: &Config{
				Infra:       InfraConfig{NumHosts: 100, Slabs: 4, HostTTL: 900},
				RateLimit:   RateLimitConfig{Slabs: 4},
				IPRateLimit: IPRateLimitConfig{Slabs: 4},
				Logging:     LoggingConfig{Level: "invalid", Format: "text", Output: "stdout"},
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: &Config{
				Infra:       InfraConfig{NumHosts: 100, Slabs: 4, HostTTL: 900},
				RateLimit:   RateLimitConfig{Slabs: 4},
				IPRateLimit: IPRateLimitConfig{Slabs: 4},
				Logging:     LoggingConfig{Level: "info", Format: "text", Output: "file"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yml")
	if err == nil {
		t.Error("Expected error when loading non-existent file")
	}
}
