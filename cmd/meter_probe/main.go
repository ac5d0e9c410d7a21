// Meter probe reads every register of a device profile once and
// prints the snapshot and both record formats. Use it to check wiring
// and register maps before enabling the agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/NotCoffee418/flowmeter_telemetry/pkg/config"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/decoder"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/errlog"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/formatter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/meter"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/pathing"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/profile"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/seriallink"
	"github.com/NotCoffee418/flowmeter_telemetry/pkg/units"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", pathing.GetAgentConfigPath(), "agent config file, for site metadata")
	profilePath := flag.String("profile", "", "device profile (defaults to the one in the agent config)")
	unit := flag.String("unit", "", "convert numeric registers to this unit where possible")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logrus.NewEntry(errlog.NewLogger(os.Stderr, level, false))

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load agent config: %v", err)
	}
	if *profilePath == "" {
		*profilePath = cfg.Profile
	}

	decoders := decoder.NewRegistry()
	p, err := profile.Load(*profilePath)
	if err != nil {
		log.Fatalf("Failed to load device profile: %v", err)
	}
	if err := p.Validate(decoders); err != nil {
		log.Fatalf("Invalid device profile %s: %v", *profilePath, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errs := errlog.NewHandler(log.WithField("component", "errlog"))
	link := seriallink.New(p, log, errs)
	defer link.Disconnect()
	reader := meter.NewReader(link, p, decoders, log, errs)

	fmt.Printf("Probing %s on %s (slave %d, %d baud, %s)\n", p.Name, p.Port, p.SlaveID, p.BaudRate, p.Driver)
	start := time.Now()
	snap, err := reader.ReadAll(ctx)
	errs.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Read failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Read %d registers in %s, %d failed\n\n", snap.Len(), time.Since(start).Round(time.Millisecond), snap.FailedCount())

	for _, name := range snap.Names() {
		v, _ := snap.Get(name)
		line := fmt.Sprintf("  %-24s %s", name, v)
		reg, _ := p.Register(name)
		if n, ok := v.Number(); ok && reg.Unit != "" {
			shown, shownUnit := n, reg.Unit
			if *unit != "" {
				if c, err := units.Convert(n, reg.Unit, *unit); err == nil {
					shown, shownUnit = c, *unit
				}
			}
			line = fmt.Sprintf("  %-24s %s %s", name, humanize.FormatFloat("#,###.###", shown), shownUnit)
		}
		if err := snap.Err(name); err != nil {
			line += "  (" + err.Error() + ")"
		}
		fmt.Println(line)
	}

	out, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Printf("\n%s\n\n", out)

	f := formatter.New(cfg.SiteInfo(), p)
	for _, kind := range []formatter.Kind{formatter.KindMedidor, formatter.KindSistemaMedicion} {
		fmt.Printf("%-16s %s\n", kind, f.Format(kind, snap))
	}
}
