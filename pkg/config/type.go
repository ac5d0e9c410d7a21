package config

import "errors"

var ErrInvalidConfig = errors.New("invalid configuration")

// AgentConfig is telemetry_agent.toml.
type AgentConfig struct {
	Site     SiteConfig     `toml:"site"`
	Profile  string         `toml:"profile_path"`
	Schedule ScheduleConfig `toml:"schedule"`
	Delivery DeliveryConfig `toml:"delivery"`
	FTP      FTPConfig      `toml:"ftp"`
	Email    EmailConfig    `toml:"email"`
	SMS      SMSConfig      `toml:"sms"`
	MQTT     MQTTConfig     `toml:"mqtt"`
	Storage  StorageConfig  `toml:"storage"`
	Network  NetworkConfig  `toml:"network"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
}

type SiteConfig struct {
	RFC  string  `toml:"rfc"`
	NSM  string  `toml:"nsm"`
	NSUE string  `toml:"nsue"`
	Lat  float64 `toml:"lat"`
	Long float64 `toml:"long"`
}

type ScheduleConfig struct {
	// ReportTime is the local HH:MM of the daily reading.
	ReportTime    string   `toml:"report_time"`
	SweepInterval string   `toml:"sweep_interval"`
	Workers       int      `toml:"workers"`
	RecordKinds   []string `toml:"record_kinds"`
	RetentionDays int      `toml:"retention_days"`
}

type DeliveryConfig struct {
	// Primary is one of ftp, email, sms, mqtt or local. Every other
	// enabled channel receives a copy after the primary succeeds.
	Primary string `toml:"primary"`
	// AlertChannel receives logged errors: sms, email or empty.
	AlertChannel string `toml:"alert_channel"`
}

type FTPConfig struct {
	Enabled        bool   `toml:"enabled"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	BasePath       string `toml:"base_path"`
	TLS            bool   `toml:"tls"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type EmailConfig struct {
	Enabled  bool     `toml:"enabled"`
	Host     string   `toml:"host"`
	Port     int      `toml:"port"`
	User     string   `toml:"user"`
	Password string   `toml:"password"`
	From     string   `toml:"from"`
	To       []string `toml:"to"`
	Subject  string   `toml:"subject"`
}

type SMSConfig struct {
	Enabled    bool     `toml:"enabled"`
	AccountSID string   `toml:"account_sid"`
	AuthToken  string   `toml:"auth_token"`
	From       string   `toml:"from"`
	To         []string `toml:"to"`
}

type MQTTConfig struct {
	Enabled     bool   `toml:"enabled"`
	Broker      string `toml:"broker"`
	ClientID    string `toml:"client_id"`
	Username    string `toml:"username"`
	Password    string `toml:"password"`
	TopicPrefix string `toml:"topic_prefix"`
	QoS         byte   `toml:"qos"`
}

type StorageConfig struct {
	Enabled bool     `toml:"enabled"`
	Volumes []string `toml:"volumes"`
	Subdir  string   `toml:"subdir"`
}

type NetworkConfig struct {
	CheckHosts     []string `toml:"check_hosts"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	WaitAttempts   int      `toml:"wait_attempts"`
}

type APIConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
	ListenPort    int    `toml:"listen_port"`
}

type LogConfig struct {
	Level string `toml:"level"`
	// JSON forces JSON output even on a terminal.
	JSON bool `toml:"json"`
}

// StatusWatchConfig is status_watch.toml.
type StatusWatchConfig struct {
	AgentHost  string `toml:"agent_host"`
	TLSEnabled bool   `toml:"tls_enabled"`
}
