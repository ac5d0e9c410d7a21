// Status watch follows a running agent and prints every status update
// and event it publishes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/config"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pathing"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/statusapi"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/statusclient"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", pathing.GetStatusWatchConfigPath(), "status watch config file")
	host := flag.String("host", "", "agent host:port, overrides the config")
	flag.Parse()

	log := logrus.NewEntry(errlog.NewLogger(os.Stderr, "info", false))

	cfg, err := config.LoadStatusWatchConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load status watch config: %v", err)
	}
	if *host != "" {
		cfg.AgentHost = *host
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener := statusclient.New(cfg.AgentHost, cfg.TLSEnabled, printMessage, log)
	if err := listener.Run(ctx); err != nil {
		log.Fatalf("Stopped: %v", err)
	}
}

func printMessage(msg statusapi.Message) {
	switch {
	case msg.Status != nil:
		st := msg.Status
		fmt.Printf("status: running=%t channel=%s pending=%d delivered=%d queued=%d next cycle %s\n",
			st.Running, st.Channel, st.Pending, st.Delivered, st.Queued, humanize.Time(st.NextCycle))
	case msg.Event != nil:
		ev := msg.Event
		line := fmt.Sprintf("%s %s", ev.Time.Format("2006-01-02 15:04:05"), ev.Kind)
		if ev.Record != "" {
			line += " " + ev.Record
		}
		if ev.Detail != "" {
			line += ": " + ev.Detail
		}
		fmt.Println(line)
	default:
		out, _ := json.Marshal(msg)
		fmt.Println(string(out))
	}
}
