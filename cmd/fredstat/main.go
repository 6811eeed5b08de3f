// Command fredstat inspects a fred-sub003 node's deep store from the
// command line.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"
	"golang.org/x/term"

	"github.com/007pig/fred-sub003/internal/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "fredstat"
	app.Usage = "inspect a fred-sub003 node's deep store"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "datadir", Value: "./fred-data", Usage: "deep store directory"},
	}
	app.Action = listKeys

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fredstat:", err)
		os.Exit(1)
	}
}

func listKeys(c *cli.Context) error {
	ds, err := store.NewDeepStore(c.String("datadir"))
	if err != nil {
		return err
	}
	defer ds.Close()

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}

	keysList, err := ds.Keys(context.Background())
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if isatty.IsTerminal(os.Stdout.Fd()) {
		bar = progressbar.Default(int64(len(keysList)), "scanning")
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "key"})
	table.SetColWidth(width)
	for i, k := range keysList {
		table.Append([]string{fmt.Sprintf("%d", i), k})
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	table.Render()

	fmt.Printf("\n%d keys, scanned at %s\n", len(keysList), time.Now().Format(time.RFC3339))
	return nil
}
