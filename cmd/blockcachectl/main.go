package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("blockcachectl")

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			fmt.Println()
			log.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "blockcachectl",
		Description: "Inspect a blockcache cache directory: header stats and live keys.",
		Commands: []*cli.Command{
			newCmd_Stats(),
			newCmd_Ls(),
		},
	}
	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

var flagDir = &cli.StringFlag{
	Name:     "dir",
	Usage:    "path to the cache directory",
	Required: true,
}
