package main

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/rpcpool/blockcache"
)

func newCmd_Ls() *cli.Command {
	return &cli.Command{
		Name:        "ls",
		Usage:       "List every live key in a cache directory.",
		Description: "Walks the cache's rankings lists (oldest first per list) and prints each live entry's key and stream 0 size.",
		Flags:       []cli.Flag{flagDir},
		Action: func(c *cli.Context) error {
			b, err := blockcache.Open(c.String("dir"), blockcache.WithCacheType(blockcache.AppCache))
			if err != nil {
				return fmt.Errorf("open %s: %w", c.String("dir"), err)
			}
			defer b.Close()

			it := b.CreateIterator()
			defer it.Close()

			count := 0
			for {
				e, err := b.OpenNextEntry(it)
				if errors.Is(err, blockcache.ErrNotFound) {
					break
				}
				if err != nil {
					return err
				}
				size, err := e.GetDataSize(0)
				if err != nil {
					e.Close()
					return err
				}
				fmt.Printf("%s\t%s\n", e.Key(), humanize.Bytes(uint64(size)))
				e.Close()
				count++
			}
			fmt.Printf("%s entries\n", humanize.Comma(int64(count)))
			return nil
		},
	}
}
