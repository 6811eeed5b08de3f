// Command frednode runs a single fred-sub003 node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/007pig/fred-sub003/internal/node"
)

func main() {
	app := &cli.App{
		Name:  "frednode",
		Usage: "run a fred-sub003 location-routed storage node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: "fred.config.json", Usage: "path to the hot-reloadable tunables file"},
			&cli.StringFlag{Name: "datadir", Value: "./fred-data", Usage: "deep store directory"},
			&cli.StringSliceFlag{Name: "listen", Value: cli.NewStringSlice("/ip4/0.0.0.0/tcp/0"), Usage: "libp2p listen multiaddrs"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("frednode: fatal", "err", err)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(ctx, node.Options{
		ConfigPath:   c.String("config"),
		DeepStoreDir: c.String("datadir"),
		ListenAddrs:  c.StringSlice("listen"),
		MetricsReg:   prometheus.DefaultRegisterer,
	})
	if err != nil {
		return fmt.Errorf("frednode: %w", err)
	}

	log.Info("frednode: running, press ctrl-c to stop")
	<-ctx.Done()

	log.Info("frednode: shutting down")
	return n.Shutdown()
}
