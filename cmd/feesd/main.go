package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/openfees/feesd/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "feesd"
	app.Usage = "bitcoin fee-schedule daemon"
	app.Flags = config.Flags
	app.Action = start

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func start(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		log.Fatalf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	svc, err := cfg.FeeService()
	if err != nil {
		log.Fatalf("failed to create fee service: %s", err)
	}

	log.Infof("feesd config: %s", cfg)

	log.Info("starting service...")
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start service: %s", err)
	}

	log.RegisterExitHandler(svc.Stop)

	_, updates := svc.SubscribeFeeUpdates()
	go func() {
		for update := range updates {
			log.Debugf(
				"fee update #%d: %d sat/byte (source time %d)",
				update.Version, update.TxFeePerByte, update.SourceTimestamp,
			)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
