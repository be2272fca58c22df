package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadTunablesDefaults(t *testing.T) {
	got, err := LoadTunablesFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadTunablesFrom failed: %v", err)
	}
	if got != DefaultTunables() {
		t.Errorf("Expected defaults %+v, got %+v", DefaultTunables(), got)
	}
}

func TestLoadTunablesOverrides(t *testing.T) {
	env := envconfig.MapLookuper(map[string]string{
		"RELAY_QUEUE_SIZE":     "16",
		"RELAY_SUBMIT_TIMEOUT": "1s",
		"RELAY_BACKOFF_JITTER": "0",
		"RELAY_METRICS_ADDR":   "127.0.0.1:9100",
		"QUEUE_SIZE":           "99",
	})

	got, err := LoadTunablesFrom(context.Background(), env)
	if err != nil {
		t.Fatalf("LoadTunablesFrom failed: %v", err)
	}
	if got.QueueSize != 16 {
		t.Errorf("Expected QueueSize 16, got %d", got.QueueSize)
	}
	if got.SubmitTimeout != time.Second {
		t.Errorf("Expected SubmitTimeout 1s, got %v", got.SubmitTimeout)
	}
	if got.BackoffJitter != 0 {
		t.Errorf("Expected BackoffJitter 0, got %v", got.BackoffJitter)
	}
	if got.MetricsAddr != "127.0.0.1:9100" {
		t.Errorf("Expected MetricsAddr override, got %q", got.MetricsAddr)
	}
}

func TestLoadTunablesInvalid(t *testing.T) {
	tests := map[string]string{
		"RELAY_QUEUE_SIZE":     "0",
		"RELAY_BACKOFF_JITTER": "1.5",
		"RELAY_BACKOFF_MAX":    "10ms",
		"RELAY_SUBMIT_TIMEOUT": "soon",
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			env := envconfig.MapLookuper(map[string]string{key: value})
			if _, err := LoadTunablesFrom(context.Background(), env); err == nil {
				t.Errorf("Expected error for %s=%s", key, value)
			}
		})
	}
}
