package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/rpcpool/blockcache"
)

func newCmd_Stats() *cli.Command {
	return &cli.Command{
		Name:        "stats",
		Usage:       "Print header counters for a cache directory.",
		Description: "Opens the cache read-only and prints its entry count, byte usage, and table size.",
		Flags:       []cli.Flag{flagDir},
		Action: func(c *cli.Context) error {
			b, err := blockcache.Open(c.String("dir"), blockcache.WithCacheType(blockcache.AppCache))
			if err != nil {
				return fmt.Errorf("open %s: %w", c.String("dir"), err)
			}
			defer b.Close()

			s := b.Stats()
			fmt.Printf("entries:     %s\n", humanize.Comma(int64(s.NumEntries)))
			fmt.Printf("bytes used:  %s / %s (%.1f%%)\n",
				humanize.Bytes(uint64(s.NumBytes)), humanize.Bytes(uint64(s.MaxSize)),
				100*float64(s.NumBytes)/float64(s.MaxSize))
			fmt.Printf("table len:   %s buckets\n", humanize.Comma(int64(s.TableLen)))
			fmt.Printf("load factor: %.3f\n", s.LoadFactor)
			return nil
		},
	}
}
