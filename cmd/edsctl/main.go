// Package main implements edsctl, an offline operator tool working
// directly on a ledger file. Stop the server before writing with it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/arkilian/eds/internal/config"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/pkg/types"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// globals holds the persistent flags.
type globals struct {
	ledgerPath string
	operator   string
	sender     string
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:   "edsctl",
		Short: "Operate on an EDS ledger file",
		Long: `edsctl reads and writes an EDS ledger directly: repositories and
releases, code uploads, distributions and the event log.

Write commands act as the account named by --as.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaults := config.DefaultConfig()
	cmd.PersistentFlags().StringVar(&g.ledgerPath, "ledger", defaults.LedgerPath(), "Path to the ledger database")
	cmd.PersistentFlags().StringVar(&g.operator, "operator", config.DefaultOperator.String(), "Operator account of the node")
	cmd.PersistentFlags().StringVar(&g.sender, "as", "", "Account the command acts as")

	cmd.AddCommand(
		repoCmd(g),
		codeCmd(g),
		distCmd(g),
		eventsCmd(g),
		snapshotCmd(g),
		versionCmd(),
	)
	return cmd
}

// open opens and bootstraps the node behind the ledger flag.
func (g *globals) open(ctx context.Context) (*node.Node, error) {
	op, err := types.ParseAddress(g.operator)
	if err != nil {
		return nil, fmt.Errorf("invalid --operator: %w", err)
	}
	n, err := node.Open(g.ledgerPath, node.Options{Operator: op})
	if err != nil {
		return nil, err
	}
	if _, _, err := n.Bootstrap(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// as returns ctx carrying the --as account, which write commands require.
func (g *globals) as(ctx context.Context) (context.Context, types.Address, error) {
	if g.sender == "" {
		return nil, types.Address{}, fmt.Errorf("--as is required")
	}
	addr, err := types.ParseAddress(g.sender)
	if err != nil {
		return nil, types.Address{}, fmt.Errorf("invalid --as: %w", err)
	}
	return ledger.WithSender(ctx, addr), addr, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "edsctl %s (commit: %s, %s)\n", version, commit, runtime.Version())
		},
	}
}
