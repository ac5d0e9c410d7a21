package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/joho/godotenv"
)

var (
	rfcPattern  = regexp.MustCompile(`^[A-ZÑ&]{3,4}\d{6}[A-V0-9]{3}$`)
	timePattern = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

var channelNames = map[string]bool{"ftp": true, "email": true, "sms": true, "mqtt": true, "local": true}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Profile: "/etc/flowmeter_telemetry/profiles/flowmeter.toml",
		Schedule: ScheduleConfig{
			ReportTime:    "23:59",
			SweepInterval: "1h",
			Workers:       3,
			RecordKinds:   []string{string(formatter.KindMedidor)},
			RetentionDays: 180,
		},
		Delivery: DeliveryConfig{Primary: "ftp"},
		FTP: FTPConfig{
			Enabled:        true,
			Port:           21,
			BasePath:       "/",
			TLS:            true,
			TimeoutSeconds: 30,
		},
		Email: EmailConfig{Port: 587, Subject: "Telemetry report"},
		MQTT:  MQTTConfig{ClientID: "flowmeter-telemetry", TopicPrefix: "flowmeter", QoS: 1},
		Storage: StorageConfig{
			Enabled: true,
			Volumes: []string{"/media/usb0"},
			Subdir:  "telemetry",
		},
		Network: NetworkConfig{
			CheckHosts:     []string{"8.8.8.8", "1.1.1.1"},
			TimeoutSeconds: 3,
			WaitAttempts:   3,
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddress: "127.0.0.1",
			ListenPort:    9040,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadAgentConfig reads configPath, writing the defaults there first
// when the file does not exist yet.
func LoadAgentConfig(configPath string) (*AgentConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultAgentConfig()
		if err := writeDefault(configPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg := DefaultAgentConfig()
	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, configPath, err)
	}
	return cfg, nil
}

func LoadStatusWatchConfig(configPath string) (*StatusWatchConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := &StatusWatchConfig{AgentHost: "localhost:9040"}
		if err := writeDefault(configPath, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	var cfg StatusWatchConfig
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, configPath, err)
	}
	return &cfg, nil
}

func writeDefault(configPath string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return err
	}
	cfgFile, err := os.Create(configPath)
	if err != nil {
		return err
	}
	defer cfgFile.Close()
	return toml.NewEncoder(cfgFile).Encode(cfg)
}

// ApplySecrets loads envPath (when present) into the environment and
// lets FTP_PASSWORD, SMTP_PASSWORD, TWILIO_AUTH_TOKEN and MQTT_PASSWORD
// override the file values.
func (c *AgentConfig) ApplySecrets(envPath string) error {
	if envPath != "" {
		err := godotenv.Load(envPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, envPath, err)
		}
	}
	overlay := map[string]*string{
		"FTP_PASSWORD":      &c.FTP.Password,
		"SMTP_PASSWORD":     &c.Email.Password,
		"TWILIO_AUTH_TOKEN": &c.SMS.AuthToken,
		"MQTT_PASSWORD":     &c.MQTT.Password,
	}
	for key, field := range overlay {
		if v := os.Getenv(key); v != "" {
			*field = v
		}
	}
	return nil
}

// SweepInterval parses schedule.sweep_interval, defaulting to an hour.
func (c *AgentConfig) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.SweepInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

func (c *AgentConfig) Retention() time.Duration {
	return time.Duration(c.Schedule.RetentionDays) * 24 * time.Hour
}

func (c *AgentConfig) Kinds() []formatter.Kind {
	var kinds []formatter.Kind
	for _, k := range c.Schedule.RecordKinds {
		if kind, err := formatter.ParseKind(k); err == nil {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func (c *AgentConfig) SiteInfo() formatter.Site {
	return formatter.Site{
		RFC:  c.Site.RFC,
		NSM:  c.Site.NSM,
		NSUE: c.Site.NSUE,
		Lat:  c.Site.Lat,
		Long: c.Site.Long,
	}
}

// Validate reports every problem at once. An empty RFC is allowed;
// records are then named EMG_*.
func (c *AgentConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Site.RFC != "" && !rfcPattern.MatchString(c.Site.RFC) {
		add("site.rfc %q is not a valid RFC", c.Site.RFC)
	}
	if c.Site.Lat < -90 || c.Site.Lat > 90 {
		add("site.lat %v out of range", c.Site.Lat)
	}
	if c.Site.Long < -180 || c.Site.Long > 180 {
		add("site.long %v out of range", c.Site.Long)
	}
	if c.Profile == "" {
		add("profile_path is empty")
	}
	if !timePattern.MatchString(c.Schedule.ReportTime) {
		add("schedule.report_time %q is not HH:MM", c.Schedule.ReportTime)
	}
	if _, err := time.ParseDuration(c.Schedule.SweepInterval); err != nil {
		add("schedule.sweep_interval: %v", err)
	}
	if c.Schedule.Workers < 1 {
		add("schedule.workers must be at least 1")
	}
	if len(c.Schedule.RecordKinds) == 0 {
		add("schedule.record_kinds is empty")
	}
	for _, k := range c.Schedule.RecordKinds {
		if _, err := formatter.ParseKind(k); err != nil {
			add("schedule.record_kinds: %v", err)
		}
	}
	if c.Schedule.RetentionDays < 0 {
		add("schedule.retention_days is negative")
	}

	if !channelNames[c.Delivery.Primary] {
		add("delivery.primary %q is not a channel", c.Delivery.Primary)
	} else if !c.channelEnabled(c.Delivery.Primary) {
		add("delivery.primary %q is not enabled", c.Delivery.Primary)
	}
	switch c.Delivery.AlertChannel {
	case "":
	case "sms", "email":
		if !c.channelEnabled(c.Delivery.AlertChannel) {
			add("delivery.alert_channel %q is not enabled", c.Delivery.AlertChannel)
		}
	default:
		add("delivery.alert_channel %q must be sms or email", c.Delivery.AlertChannel)
	}

	if c.FTP.Enabled && c.FTP.Host == "" {
		add("ftp.host is empty")
	}
	if c.Email.Enabled && (c.Email.Host == "" || c.Email.From == "" || len(c.Email.To) == 0) {
		add("email needs host, from and to")
	}
	if c.SMS.Enabled && (c.SMS.AccountSID == "" || c.SMS.From == "" || len(c.SMS.To) == 0) {
		add("sms needs account_sid, from and to")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		add("mqtt.broker is empty")
	}
	if c.API.Enabled && (c.API.ListenPort < 1 || c.API.ListenPort > 65535) {
		add("api.listen_port %d out of range", c.API.ListenPort)
	}
	if len(c.Network.CheckHosts) > 0 && c.Network.WaitAttempts < 1 {
		add("network.wait_attempts must be at least 1 when check_hosts is set")
	}
	return errors.Join(errs...)
}

func (c *AgentConfig) channelEnabled(name string) bool {
	switch name {
	case "ftp":
		return c.FTP.Enabled
	case "email":
		return c.Email.Enabled
	case "sms":
		return c.SMS.Enabled
	case "mqtt":
		return c.MQTT.Enabled
	case "local":
		return c.Storage.Enabled
	}
	return false
}

// EnabledChannels lists the primary first, then the other enabled
// channels.
func (c *AgentConfig) EnabledChannels() []string {
	out := []string{c.Delivery.Primary}
	for _, name := range []string{"ftp", "email", "sms", "mqtt", "local"} {
		if name != c.Delivery.Primary && c.channelEnabled(name) {
			out = append(out, name)
		}
	}
	return out
}
