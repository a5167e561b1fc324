package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/bilbercode/mediax-stream/internal/sap"
)

const (
	appName = "mediax-stream"
	appDesc = "SAP/SDP announced raw video over RTP"
)

func main() {
	app := cli.App(appName, appDesc)

	logLevel := app.String(cli.StringOpt{
		Name:   "log.level",
		Desc:   "log level (debug, info, warn, error)",
		EnvVar: "LOG_LEVEL",
		Value:  "info",
	})

	metricsAddr := app.String(cli.StringOpt{
		Name:   "metrics.addr",
		Desc:   "address to serve prometheus metrics on, empty to disable",
		EnvVar: "METRICS_ADDR",
		Value:  "",
	})

	sapGroup := app.String(cli.StringOpt{
		Name:   "sap.group",
		Desc:   "SAP multicast group and port",
		EnvVar: "SAP_GROUP",
		Value:  sap.DefaultGroup,
	})

	sapPeriod := app.String(cli.StringOpt{
		Name:   "sap.period",
		Desc:   "interval between announcements",
		EnvVar: "SAP_PERIOD",
		Value:  sap.DefaultPeriod.String(),
	})

	iface := app.String(cli.StringOpt{
		Name:   "interface",
		Desc:   "network interface to send and join on, empty for the system default",
		EnvVar: "INTERFACE",
		Value:  "",
	})

	app.Before = func() {
		level, err := log.ParseLevel(*logLevel)
		if err != nil {
			log.WithError(err).Fatal("failed to parse log level")
		}
		log.SetLevel(level)

		if *metricsAddr != "" {
			go serveMetrics(*metricsAddr)
		}
	}

	sapConfig := func() sap.Config {
		config := sap.DefaultConfig()
		config.Group = *sapGroup
		config.Interface = *iface
		period, err := time.ParseDuration(*sapPeriod)
		if err != nil {
			log.WithError(err).Fatal("failed to parse SAP period")
		}
		config.Period = period
		return config
	}

	app.Command("interfaces", "list interfaces usable for multicast", cmdInterfaces)
	app.Command("announce", "announce a stream over SAP", func(cmd *cli.Cmd) {
		cmdAnnounce(cmd, sapConfig)
	})
	app.Command("listen", "print SAP announcements", func(cmd *cli.Cmd) {
		cmdListen(cmd, sapConfig)
	})
	app.Command("transmit", "announce and send a test card", func(cmd *cli.Cmd) {
		cmdTransmit(cmd, sapConfig, iface)
	})
	app.Command("receive", "receive an announced stream", func(cmd *cli.Cmd) {
		cmdReceive(cmd, sapConfig, iface)
	})
	app.Command("serve", "serve discovered streams over RTSP", func(cmd *cli.Cmd) {
		cmdServe(cmd, sapConfig)
	})

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.WithField("addr", addr).Info("serving metrics")
	err := http.ListenAndServe(addr, mux)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server stopped")
	}
}

// run executes fn until it returns or the process is interrupted.
func run(fn func(ctx context.Context) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := fn(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("stopped")
	}
}
