package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/chain-indexer/pkg/backfill"
)

var (
	importFrom        uint64
	importTo          uint64
	importDistributed bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Imports a closed range of block numbers.",
	Long: `Fetches every block in [from, to] and hands it to the stage workers. With
--distributed the range is split into windows on the task queue instead, to be
imported by the running processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Reject the range before any connection is made.
		if err := backfill.CheckRange(importFrom, importTo); err != nil {
			return err
		}

		srv, err := newServer(cmd.Context())
		if err != nil {
			return err
		}

		if err := srv.Import(cmd.Context(), importFrom, importTo, importDistributed); err != nil {
			return fmt.Errorf("import failed: %w", err)
		}

		return nil
	},
}

func init() {
	importCmd.Flags().Uint64Var(&importFrom, "from", 0, "first block number")
	importCmd.Flags().Uint64Var(&importTo, "to", 0, "last block number, inclusive")
	importCmd.Flags().BoolVar(&importDistributed, "distributed", false, "enqueue the range on the task queue")

	_ = importCmd.MarkFlagRequired("from")
	_ = importCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(importCmd)
}
