package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
)

func validConfig() *AgentConfig {
	cfg := DefaultAgentConfig()
	cfg.Site = SiteConfig{RFC: "ABC123456A19", NSM: "NSM01", NSUE: "UE01", Lat: 19.4326, Long: -99.1332}
	cfg.FTP.Host = "ftp.example.org"
	return cfg
}

func TestLoadWritesDefaultWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "telemetry_agent.toml")
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Schedule.ReportTime != "23:59" || cfg.Schedule.Workers != 3 {
		t.Errorf("defaults not applied: %+v", cfg.Schedule)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default file not written: %v", err)
	}

	again, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Schedule.ReportTime != "23:59" || again.API.ListenPort != 9040 {
		t.Errorf("round trip lost values: %+v", again)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry_agent.toml")
	content := `
profile_path = "/opt/profile.toml"

[site]
rfc = "ABC123456A19"

[schedule]
report_time = "06:30"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Schedule.ReportTime != "06:30" || cfg.Profile != "/opt/profile.toml" {
		t.Errorf("file values not read: %+v", cfg)
	}
	if cfg.SweepInterval() != time.Hour || cfg.Delivery.Primary != "ftp" {
		t.Errorf("defaults lost: sweep %v primary %q", cfg.SweepInterval(), cfg.Delivery.Primary)
	}
}

func TestLoadRejectsBrokenToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry_agent.toml")
	if err := os.WriteFile(path, []byte("[site\nrfc ="), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAgentConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*AgentConfig){
		"rfc":           func(c *AgentConfig) { c.Site.RFC = "abc" },
		"lat":           func(c *AgentConfig) { c.Site.Lat = 91 },
		"long":          func(c *AgentConfig) { c.Site.Long = -181 },
		"report_time":   func(c *AgentConfig) { c.Schedule.ReportTime = "24:00" },
		"workers":       func(c *AgentConfig) { c.Schedule.Workers = 0 },
		"record_kinds":  func(c *AgentConfig) { c.Schedule.RecordKinds = []string{"Bogus"} },
		"primary":       func(c *AgentConfig) { c.Delivery.Primary = "sms" },
		"alert":         func(c *AgentConfig) { c.Delivery.AlertChannel = "mqtt" },
		"ftp.host":      func(c *AgentConfig) { c.FTP.Host = "" },
		"wait_attempts": func(c *AgentConfig) { c.Network.WaitAttempts = 0 },
	}
	for name, mutate := range cases {
		cfg := validConfig()
		mutate(cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: err = %v", name, err)
			continue
		}
		if !strings.Contains(err.Error(), strings.Split(name, ".")[0]) {
			t.Errorf("%s: message %q does not name the field", name, err)
		}
	}
}

func TestZeroWaitAttemptsAllowedWithoutHosts(t *testing.T) {
	cfg := validConfig()
	cfg.Network.CheckHosts = nil
	cfg.Network.WaitAttempts = 0
	if err := cfg.Validate(); err != nil {
		t.Errorf("connectivity check disabled but rejected: %v", err)
	}
}

func TestEmptyRFCAllowed(t *testing.T) {
	cfg := validConfig()
	cfg.Site.RFC = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty rfc rejected: %v", err)
	}
}

func TestApplySecrets(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "secrets.env")
	if err := os.WriteFile(envPath, []byte("FTP_PASSWORD=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FTP_PASSWORD", "")
	os.Unsetenv("FTP_PASSWORD")
	t.Setenv("MQTT_PASSWORD", "from-env")

	cfg := validConfig()
	cfg.MQTT.Password = "from-toml"
	if err := cfg.ApplySecrets(envPath); err != nil {
		t.Fatal(err)
	}
	if cfg.FTP.Password != "from-file" {
		t.Errorf("ftp password = %q", cfg.FTP.Password)
	}
	if cfg.MQTT.Password != "from-env" {
		t.Errorf("mqtt password = %q", cfg.MQTT.Password)
	}

	if err := cfg.ApplySecrets(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing env file should be ignored: %v", err)
	}
}

func TestEnabledChannelsAndKinds(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.Enabled = true
	cfg.MQTT.Broker = "tcp://localhost:1883"
	got := strings.Join(cfg.EnabledChannels(), ",")
	if got != "ftp,mqtt,local" {
		t.Errorf("channels = %s", got)
	}

	cfg.Schedule.RecordKinds = []string{"Medidor", "SistemaMedicion"}
	kinds := cfg.Kinds()
	if len(kinds) != 2 || kinds[1] != formatter.KindSistemaMedicion {
		t.Errorf("kinds = %v", kinds)
	}
	if cfg.Retention() != 180*24*time.Hour {
		t.Errorf("retention = %v", cfg.Retention())
	}
}
