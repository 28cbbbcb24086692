package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"github.com/spf13/cobra"
)

func eventsCmd(g *globals) *cobra.Command {
	var (
		emitter string
		name    string
		after   int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print committed events in sequence order",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ledger.EventFilter{Name: name, AfterSeq: after, Limit: limit}
			if emitter != "" {
				addr, err := types.ParseAddress(emitter)
				if err != nil {
					return fmt.Errorf("invalid --emitter: %w", err)
				}
				f.Emitter = &addr
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			evs, err := n.Ledger().Events(cmd.Context(), f)
			if err != nil {
				return err
			}
			if evs == nil {
				evs = []events.Event{}
			}
			return printJSON(cmd.OutOrStdout(), evs)
		},
	}
	cmd.Flags().StringVar(&emitter, "emitter", "", "Only events emitted by this address")
	cmd.Flags().StringVar(&name, "name", "", "Only events with this name")
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func snapshotCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <dest>",
		Short: "Write a consistent copy of the ledger and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			if err := n.Ledger().Snapshot(ctx, dest); err != nil {
				return err
			}
			info, err := ledger.VerifySnapshot(ctx, dest)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"path":       dest,
				"head":       info.Head,
				"code_count": info.CodeCount,
			})
		},
	}
}
