package main

import (
	"context"
	"fmt"
	"os"

	"github.com/arkilian/eds/internal/builtin"
	"github.com/arkilian/eds/pkg/types"
	"github.com/spf13/cobra"
)

func codeCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Upload and index code",
	}
	cmd.AddCommand(codeUploadCmd(g), codeRegisterCmd(g), codeGetCmd(g))
	return cmd
}

type uploadResult struct {
	Address  types.Address `json:"address"`
	CodeHash types.Hash    `json:"code_hash"`
	Kind     string        `json:"kind"`
	Indexed  bool          `json:"indexed"`
}

func codeUploadCmd(g *globals) *cobra.Command {
	var (
		kind     string
		register bool
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Deploy builtin code read from a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bytecode, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			ctx, from, err := g.as(cmd.Context())
			if err != nil {
				return err
			}

			var res uploadResult
			err = n.Ledger().Atomic(ctx, func(ctx context.Context) error {
				info, err := n.Upload(ctx, from, kind, bytecode)
				if err != nil {
					return err
				}
				res = uploadResult{Address: info.Address, CodeHash: info.CodeHash, Kind: info.Kind}
				if !register {
					return nil
				}
				idx, err := n.CodeIndex(types.Address{})
				if err != nil {
					return err
				}
				if _, err := idx.Register(ctx, info.Address); err != nil {
					return err
				}
				res.Indexed = true
				return nil
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", builtin.KindArtifact,
		fmt.Sprintf("Code kind (%s, %s, %s, %s)", builtin.KindArtifact, builtin.KindBundle,
			builtin.KindProxyInitializer, builtin.KindRecordingMigration))
	cmd.Flags().BoolVar(&register, "register", true, "Also record the code in the node's code index")
	return cmd
}

func codeRegisterCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "register <address>",
		Short: "Index code already deployed at address",
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
			idx, err := n.CodeIndex(types.Address{})
			if err != nil {
				return err
			}
			hash, err := idx.Register(cmd.Context(), addr)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func codeGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <code-hash>",
		Short: "Show the code indexed under a hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := types.ParseHash(args[0])
			if err != nil {
				return err
			}
			n, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer n.Close()
			idx, err := n.CodeIndex(types.Address{})
			if err != nil {
				return err
			}
			addr, err := idx.Get(cmd.Context(), hash)
			if err != nil {
				return err
			}
			info, err := n.Ledger().CodeInfo(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	}
}
