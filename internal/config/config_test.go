package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`
poll:
  url: http://gateway.local
devices:
  - id: plug-1
    energy:
      enabled: true
    attributes:
      - name: battery
  - id: lock-1
    interval: 45s
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Poll.DefaultInterval.Duration() != 2*time.Minute {
		t.Errorf("Poll.DefaultInterval = %v, want 2m", cfg.Poll.DefaultInterval.Duration())
	}
	if cfg.Scheduler.ObserverTimeout.Duration() != 10*time.Second {
		t.Errorf("Scheduler.ObserverTimeout = %v, want 10s", cfg.Scheduler.ObserverTimeout.Duration())
	}
	if cfg.Script.Interval != cfg.Poll.DefaultInterval {
		t.Errorf("Script.Interval = %v, want default interval", cfg.Script.Interval.Duration())
	}

	plug := cfg.Devices[0]
	if plug.Name != "plug-1" {
		t.Errorf("device name = %q, want id fallback", plug.Name)
	}
	if plug.Interval != cfg.Poll.DefaultInterval {
		t.Errorf("device interval = %v, want default interval", plug.Interval.Duration())
	}
	if plug.Energy.Timezone != "UTC" || plug.Energy.Interval.Duration() != 2*time.Minute {
		t.Errorf("energy = %+v, want UTC every 2m", plug.Energy)
	}
	if a := plug.Attributes[0]; a.Key != "battery" || a.Interval.Duration() != 30*time.Second {
		t.Errorf("attribute = %+v, want key battery every 30s", a)
	}
	if got := cfg.Devices[1].Interval.Duration(); got != 45*time.Second {
		t.Errorf("lock interval = %v, want 45s", got)
	}

	if !cfg.Ledger.IsEnabled() {
		t.Error("ledger should be enabled by default")
	}
	if cfg.MQTT.TopicPrefix != "meterd" || cfg.Kafka.Topic != "meterd.states" {
		t.Errorf("sink defaults = %q / %q", cfg.MQTT.TopicPrefix, cfg.Kafka.Topic)
	}
	if cfg.GetShutdownTimeout() != 5*time.Second {
		t.Errorf("shutdown timeout = %v, want 5s", cfg.GetShutdownTimeout())
	}
}

func TestParse_ExplicitValuesKept(t *testing.T) {
	cfg, err := Parse([]byte(`
ledger:
  enabled: false
mqtt:
  qos: 0
eventbus:
  workers: 2
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Ledger.IsEnabled() {
		t.Error("ledger.enabled: false was ignored")
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("MQTT.QoS = %d, want 0", cfg.MQTT.QoS)
	}
	if cfg.EventBus.GetWorkers() != 2 || cfg.EventBus.GetQueueSize() != 100 {
		t.Errorf("eventbus = %d workers / %d queue", cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("METERD_TEST_TOKEN", "s3cret")

	cfg, err := Parse([]byte(`
poll:
  url: ${METERD_TEST_URL:http://localhost:8080}
  token: ${METERD_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.Poll.URL != "http://localhost:8080" {
		t.Errorf("Poll.URL = %q, want default", cfg.Poll.URL)
	}
	if cfg.Poll.Token != "s3cret" {
		t.Errorf("Poll.Token = %q, want env value", cfg.Poll.Token)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "device without id",
			yaml:    "devices:\n  - name: Kitchen plug\n",
			wantErr: "id is required",
		},
		{
			name:    "duplicate device",
			yaml:    "devices:\n  - id: plug-1\n  - id: plug-1\n",
			wantErr: "duplicate id",
		},
		{
			name:    "bad qos",
			yaml:    "mqtt:\n  qos: 3\n",
			wantErr: "mqtt.qos",
		},
		{
			name:    "kafka without brokers",
			yaml:    "kafka:\n  enabled: true\n",
			wantErr: "kafka.brokers",
		},
		{
			name:    "bad duration",
			yaml:    "poll:\n  timeout: soon\n",
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.GetLevel() != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.GetLevel())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
