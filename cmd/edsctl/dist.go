package main

import (
	"context"
	"fmt"

	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/spf13/cobra"
)

func distCmd(g *globals) *cobra.Command {
	var dist string
	cmd := &cobra.Command{
		Use:     "dist",
		Aliases: []string{"distribution"},
		Short:   "Manage distributions of a distributor",
	}
	cmd.PersistentFlags().StringVar(&dist, "distributor", "", "Distributor address (default: the node's distributor)")
	cmd.AddCommand(distAddCmd(g, &dist), distListCmd(g, &dist), distDisableCmd(g, &dist))
	return cmd
}

func distributorOf(ctx context.Context, n *node.Node, raw string) (*distributor.Distributor, error) {
	if raw == "" {
		return n.Distributor(ctx, n.HomeDistributor())
	}
	addr, err := types.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --distributor: %w", err)
	}
	return n.Distributor(ctx, addr)
}

func distAddCmd(g *globals, dist *string) *cobra.Command {
	var source, repo, req, initializer, alias string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a fixed (--source) or versioned (--repo, --req) distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (source == "") == (repo == "") {
				return fmt.Errorf("exactly one of --source and --repo is required")
			}
			var init types.Address
			if initializer != "" {
				var err error
				if init, err = types.ParseAddress(initializer); err != nil {
					return fmt.Errorf("invalid --initializer: %w", err)
				}
			}

			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			ctx, _, err := g.as(cmd.Context())
			if err != nil {
				return err
			}
			d, err := distributorOf(ctx, n, *dist)
			if err != nil {
				return err
			}

			var id types.Hash
			if source != "" {
				sourceID, err := types.ParseHash(source)
				if err != nil {
					return fmt.Errorf("invalid --source: %w", err)
				}
				id, err = d.AddDistribution(ctx, sourceID, init, alias)
				if err != nil {
					return err
				}
			} else {
				repoAddr, err := types.ParseAddress(repo)
				if err != nil {
					return fmt.Errorf("invalid --repo: %w", err)
				}
				requirement, err := semver.ParseRequirement(req)
				if err != nil {
					return fmt.Errorf("invalid --req: %w", err)
				}
				id, err = d.AddVersionedDistribution(ctx, repoAddr, init, requirement, alias)
				if err != nil {
					return err
				}
			}
			added, err := d.GetDistribution(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), added)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Code hash of the source")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository address")
	cmd.Flags().StringVar(&req, "req", "^1.0.0", "Version requirement for --repo")
	cmd.Flags().StringVar(&initializer, "initializer", "", "Initializer address")
	cmd.Flags().StringVar(&alias, "alias", "", "Human readable alias")
	return cmd
}

func distListCmd(g *globals, dist *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List distributions",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			d, err := distributorOf(cmd.Context(), n, *dist)
			if err != nil {
				return err
			}
			list, err := d.ListDistributions(cmd.Context())
			if err != nil {
				return err
			}
			if list == nil {
				list = []*distributor.Distribution{}
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
}

func distDisableCmd(g *globals, dist *string) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <id|alias>",
		Short: "Disable a distribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			ctx, _, err := g.as(cmd.Context())
			if err != nil {
				return err
			}
			d, err := distributorOf(ctx, n, *dist)
			if err != nil {
				return err
			}
			id, err := types.ParseHash(args[0])
			if err != nil {
				if id, err = d.GetIDFromAlias(ctx, args[0]); err != nil {
					return err
				}
			}
			return d.DisableDistribution(ctx, id)
		},
	}
}
