package main

import (
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/spf13/cobra"
)

func repoCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage release repositories",
	}
	cmd.AddCommand(repoCreateCmd(g), repoReleaseCmd(g), repoResolveCmd(g), repoListCmd(g))
	return cmd
}

func repoCreateCmd(g *globals) *cobra.Command {
	var name, uri string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Deploy a repository owned by --as",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			ctx, owner, err := g.as(cmd.Context())
			if err != nil {
				return err
			}
			repo, err := repository.Deploy(ctx, n.Ledger(), repository.Config{Owner: owner, Name: name, URI: uri})
			if err != nil {
				return err
			}
			info, err := repo.Info(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Repository name")
	cmd.Flags().StringVar(&uri, "uri", "", "Repository URI")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func repoReleaseCmd(g *globals) *cobra.Command {
	var metadata, migration string
	cmd := &cobra.Command{
		Use:   "release <repository> <version> <source-id>",
		Short: "Publish a release",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}
			v, err := semver.Parse(args[1])
			if err != nil {
				return err
			}
			source, err := types.ParseHash(args[2])
			if err != nil {
				return err
			}
			var ref types.Hash
			if migration != "" {
				if ref, err = types.ParseHash(migration); err != nil {
					return err
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
			repo, err := n.Repository(addr)
			if err != nil {
				return err
			}
			if err := repo.NewRelease(ctx, source, []byte(metadata), v, ref); err != nil {
				return err
			}
			rel, err := repo.Get(ctx, semver.Req(semver.Exact, v))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rel)
		},
	}
	cmd.Flags().StringVar(&metadata, "metadata", "", "Release metadata")
	cmd.Flags().StringVar(&migration, "migration", "", "Migration script reference (major releases)")
	return cmd
}

func repoResolveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <repository> [requirement]",
		Short: "Resolve a version requirement to a release",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}
			req := semver.Requirement{Kind: semver.Any}
			if len(args) == 2 {
				if req, err = semver.ParseRequirement(args[1]); err != nil {
					return err
				}
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			repo, err := n.Repository(addr)
			if err != nil {
				return err
			}
			rel, err := repo.Get(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rel)
		},
	}
}

func repoListCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "list <repository>",
		Short: "List every release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := types.ParseAddress(args[0])
			if err != nil {
				return err
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			repo, err := n.Repository(addr)
			if err != nil {
				return err
			}
			rels, err := repo.Releases(cmd.Context())
			if err != nil {
				return err
			}
			if rels == nil {
				rels = []*repository.Release{}
			}
			return printJSON(cmd.OutOrStdout(), rels)
		},
	}
}
