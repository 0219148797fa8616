package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/chain-indexer/pkg/store/postgres"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Recreates the search indices and marks every record for indexing again.",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := newServer(cmd.Context())
		if err != nil {
			return err
		}

		return srv.Reset(cmd.Context())
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Rebuilds the queue claimer's sets from postgres.",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv, err := newServer(cmd.Context())
		if err != nil {
			return err
		}

		counts, err := srv.Requeue(cmd.Context())
		if err != nil {
			return err
		}

		total := 0
		for _, n := range counts {
			total += n
		}

		log.WithFields(logrus.Fields{"stages": len(counts), "keys": total}).Info("Requeue finished")

		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Applies the bundled postgres schema.",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		if err := config.Postgres.Validate(); err != nil {
			return fmt.Errorf("invalid postgres configuration: %w", err)
		}

		return postgres.Migrate(log.WithField("component", "migrate"), config.Postgres.DSN)
	},
}

func init() {
	rootCmd.AddCommand(resetCmd, requeueCmd, migrateCmd)
}
