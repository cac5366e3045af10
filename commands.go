package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dgnsrekt/readaloud/internal/cache"
	"github.com/dgnsrekt/readaloud/internal/history"
	"github.com/dgnsrekt/readaloud/internal/synth"
)

const queryTimeout = 10 * time.Second

var (
	historyLimit int

	voicesCmd = &cobra.Command{
		Use:     "voices [QUERY]",
		Short:   "List the speakers offered by the speech server",
		Long:    paragraph(fmt.Sprintf("\n%s the speakers of the custom voice mode. A query prints the closest match.", keyword("List"))),
		Example: paragraph("readaloud voices\nreadaloud voices viv"),
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
			defer cancel()

			speakers, err := synth.NewClient(cfg.SynthConfig(log.Default())).Speakers(ctx)
			if err != nil {
				return fmt.Errorf("unable to list speakers: %w", err)
			}
			if len(args) == 1 {
				name, err := synth.ResolveSpeaker(args[0], speakers)
				if err != nil {
					return err
				}
				fmt.Println(name)
				return nil
			}
			sort.Strings(speakers)
			for _, s := range speakers {
				if s == cfg.Voice.Speaker {
					fmt.Println(keyword(s), subtle("(default)"))
					continue
				}
				fmt.Println(s)
			}
			return nil
		},
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check the speech server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), queryTimeout)
			defer cancel()

			client := synth.NewClient(cfg.SynthConfig(log.Default()))
			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("%s is unreachable: %w", cfg.ServerURL, err)
			}
			fmt.Printf("%s %s\n", cfg.ServerURL, keyword(health.Status))

			caps, err := client.Capabilities(ctx)
			if err != nil {
				return fmt.Errorf("unable to read capabilities: %w", err)
			}
			fmt.Printf("backend: %s\nmodes: %v\ndefault speaker: %s\n", caps.Backend, caps.Modes, caps.DefaultSpeaker)
			ids := make([]string, 0, len(caps.Models))
			for id := range caps.Models {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				state := subtle("not downloaded")
				if caps.Models[id].Downloaded {
					state = keyword("ready")
				}
				fmt.Printf("  %s %s\n", id, state)
			}
			return nil
		},
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errors.New("history is disabled")
			}
			store, err := history.Open(cmd.Context(), cfg.HistoryConfig(), log.Default())
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			entries, err := store.Recent(cmd.Context(), historyLimit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println(subtle("No requests yet."))
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%-8s %-14s %3d chunks  %s",
					e.Outcome, humanize.Time(e.StartedAt), e.Chunks, e.Source)
				if d := e.Duration(); d > 0 {
					line += subtle(" " + d.Round(time.Second).String())
				}
				if e.Error != "" {
					line += " " + subtle(e.Error)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect the audio cache",
		Args:  cobra.NoArgs,
	}

	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck

			fmt.Print(m.Summary())
			return nil
		},
	}

	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached audio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := openCache(cmd)
			if err != nil {
				return err
			}
			defer m.Close() //nolint:errcheck
			if err := m.Clear(); err != nil {
				return fmt.Errorf("unable to clear cache: %w", err)
			}
			fmt.Fprintln(os.Stderr, "Cache cleared.")
			return nil
		},
	}
)

func openCache(cmd *cobra.Command) (*cache.Manager, error) {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if !cfg.Cache.Enabled {
		return nil, errors.New("the audio cache is disabled")
	}
	return cache.NewManager(cfg.CacheConfig(), log.Default())
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of requests to show")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}
