// Telemetry agent reads the flow meter every day, delivers the
// regulatory records and retries the ones that could not be sent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/config"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/decoder"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/meter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/metrics"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/netcheck"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pathing"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pendingqueue"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/scheduler"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/seriallink"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/statusapi"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", pathing.GetAgentConfigPath(), "agent config file")
	secretsPath := flag.String("secrets", pathing.GetSecretsPath(), "env file with channel credentials")
	runNow := flag.Bool("run-now", false, "run one cycle at startup")
	flag.Parse()

	// Load config
	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		logrus.Fatalf("Failed to load agent config: %v", err)
	}
	logger := errlog.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.JSON)
	log := logrus.NewEntry(logger)

	if err := cfg.ApplySecrets(*secretsPath); err != nil {
		log.Fatalf("Failed to load secrets: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config %s: %v", *configPath, err)
	}
	if err := pathing.EnsureDirs(); err != nil {
		log.Fatalf("Failed to create data directories: %v", err)
	}

	errs := errlog.NewHandler(log.WithField("component", "errlog"))
	defer errs.Flush()

	decoders := decoder.NewRegistry()
	p, err := profile.Load(cfg.Profile)
	if err != nil {
		log.Fatalf("Failed to load device profile: %v", err)
	}
	if err := p.Validate(decoders); err != nil {
		log.Fatalf("Invalid device profile %s: %v", cfg.Profile, err)
	}
	if slices.Contains(cfg.Kinds(), formatter.KindSistemaMedicion) {
		if err := p.RequireInstantFlow(); err != nil {
			log.Fatalf("Invalid device profile %s for %s records: %v", cfg.Profile, formatter.KindSistemaMedicion, err)
		}
	}

	queue, err := pendingqueue.Open(pathing.GetQueueDbPath(), log)
	if err != nil {
		log.Fatalf("Failed to open pending queue: %v", err)
	}
	defer queue.Close()

	sink := transfer.NewLocalSink(pathing.GetStagingDir(), cfg.Storage.Subdir, transfer.StaticVolumes(cfg.Storage.Volumes), log)
	channels := buildChannels(cfg, sink, log)
	defer func() {
		if m, ok := channels["mqtt"].(*transfer.MQTT); ok {
			m.Close()
		}
	}()

	if alertName := cfg.Delivery.AlertChannel; alertName != "" {
		alerter := transfer.NewAlerter(channels[alertName], log)
		errs.AddNotifier(alerter)
		defer alerter.Wait()
	}

	primary, followers := cfg.Delivery.Primary, []transfer.Channel{}
	for _, name := range cfg.EnabledChannels()[1:] {
		// The archive already writes every valid record locally.
		if name == "local" {
			continue
		}
		followers = append(followers, channels[name])
	}
	delivery := transfer.NewChain(channels[primary], log.WithField("component", "delivery"), followers...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := delivery.Verify(ctx); err != nil {
		errs.LogError(errlog.CodeGeneral, fmt.Sprintf("verify %s: %v", delivery.Name(), err))
	}

	link := seriallink.New(p, log, errs)
	defer link.Disconnect()
	reader := meter.NewReader(link, p, decoders, log, errs)
	f := formatter.New(cfg.SiteInfo(), p)

	var archive scheduler.Archive
	if cfg.Storage.Enabled && primary != "local" {
		archive = sink
	}
	var network scheduler.Connectivity
	if len(cfg.Network.CheckHosts) > 0 {
		network = netcheck.New(cfg.Network.CheckHosts, time.Duration(cfg.Network.TimeoutSeconds)*time.Second, log)
	}

	sched := scheduler.New(scheduler.Config{
		ReportTime:    cfg.Schedule.ReportTime,
		SweepInterval: cfg.SweepInterval(),
		Workers:       cfg.Schedule.Workers,
		Kinds:         cfg.Kinds(),
		Retention:     cfg.Retention(),
		WaitAttempts:  cfg.Network.WaitAttempts,
	}, reader, f, delivery, queue, archive, network, log, errs)

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry, func() float64 {
		return float64(sched.Status().Pending)
	})
	sched.Subscribe(collector.Observe)

	var apiServer *http.Server
	var api *statusapi.Server
	if cfg.API.Enabled {
		api = statusapi.New(sched, queue, p, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), log)
		sched.Subscribe(api.Broadcast)
		apiServer = &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.API.ListenAddress, cfg.API.ListenPort),
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("Starting status API on %s", apiServer.Addr)
			if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs.LogError(errlog.CodeGeneral, fmt.Sprintf("status API: %v", err))
			}
		}()
	}

	// Jobs outlive the signal; Stop cancels them after the grace period.
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	if *runNow {
		sched.RunNow()
	}
	sched.SweepNow()

	<-ctx.Done()
	log.Info("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if apiServer != nil {
		api.Close()
		apiServer.Shutdown(shutdownCtx)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("Jobs still running at shutdown")
	}
}

// buildChannels constructs every enabled channel and the alert
// channel, keyed by name.
func buildChannels(cfg *config.AgentConfig, sink *transfer.LocalSink, log *logrus.Entry) map[string]transfer.Channel {
	channels := map[string]transfer.Channel{}
	if cfg.FTP.Enabled {
		channels["ftp"] = transfer.NewFTP(transfer.FTPConfig{
			Host:     cfg.FTP.Host,
			Port:     cfg.FTP.Port,
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			BasePath: cfg.FTP.BasePath,
			Timeout:  time.Duration(cfg.FTP.TimeoutSeconds) * time.Second,
			TLS:      cfg.FTP.TLS,
		}, log)
	}
	if cfg.Email.Enabled {
		channels["email"] = transfer.NewEmail(transfer.EmailConfig{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			User:     cfg.Email.User,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
			Subject:  cfg.Email.Subject,
		}, log)
	}
	if cfg.SMS.Enabled {
		channels["sms"] = transfer.NewSMS(transfer.SMSConfig{
			AccountSID: cfg.SMS.AccountSID,
			AuthToken:  cfg.SMS.AuthToken,
			From:       cfg.SMS.From,
			To:         cfg.SMS.To,
		}, log)
	}
	if cfg.MQTT.Enabled {
		channels["mqtt"] = transfer.NewMQTT(transfer.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
		}, log)
	}
	if cfg.Storage.Enabled {
		channels["local"] = sink
	}
	return channels
}
