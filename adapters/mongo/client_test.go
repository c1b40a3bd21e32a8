package mongo

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestConfigDefaults(t *testing.T) {
	config := Config{URI: "mongodb://localhost:27017"}.withDefaults()

	if config.Database != DefaultDatabase {
		t.Errorf("Expected database %s, got %s", DefaultDatabase, config.Database)
	}
	if config.MaxPoolSize != DefaultMaxPoolSize || config.MinPoolSize != DefaultMinPoolSize {
		t.Errorf("Unexpected pool sizes %d/%d", config.MinPoolSize, config.MaxPoolSize)
	}
	if config.MaxConnIdleTime != DefaultMaxConnIdleTime || config.ConnectTimeout != DefaultConnectTimeout {
		t.Errorf("Unexpected timeouts %s/%s", config.MaxConnIdleTime, config.ConnectTimeout)
	}
}

func TestConfigClientOptions(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		maxPool uint64
		minPool uint64
		idle    time.Duration
	}{
		{
			name:    "configured",
			config:  Config{URI: "mongodb://localhost:27017", MaxPoolSize: 50, MinPoolSize: 5, MaxConnIdleTime: time.Minute},
			maxPool: 50,
			minPool: 5,
			idle:    time.Minute,
		},
		{
			name:    "min above max is capped",
			config:  Config{URI: "mongodb://localhost:27017", MaxPoolSize: 4, MinPoolSize: 8},
			maxPool: 4,
			minPool: 4,
			idle:    DefaultMaxConnIdleTime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.config.withDefaults().clientOptions()
			if err := opts.Validate(); err != nil {
				t.Fatalf("Invalid client options: %v", err)
			}
			if *opts.MaxPoolSize != tt.maxPool || *opts.MinPoolSize != tt.minPool {
				t.Errorf("Expected pool %d/%d, got %d/%d", tt.minPool, tt.maxPool, *opts.MinPoolSize, *opts.MaxPoolSize)
			}
			if *opts.MaxConnIdleTime != tt.idle {
				t.Errorf("Expected idle time %s, got %s", tt.idle, *opts.MaxConnIdleTime)
			}
		})
	}
}

func TestNewClientRequiresURI(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}, zap.NewNop()); err == nil {
		t.Error("Expected an empty URI to be rejected")
	}
}
