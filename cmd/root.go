package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/chain-indexer/pkg/server"
)

const namespace = "chain_indexer"

var (
	log              = logrus.New()
	serverConfigFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chain-indexer",
	Short: "Indexes a chain into postgres and elasticsearch.",
	Long: `Follows the chain head, settles blocks once they are deep enough and drives
every block, transaction and address through download and indexing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the watcher, the stage workers and the admin servers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverConfigFile, "config", "config.yaml", "config file")
	rootCmd.AddCommand(runCmd)
}

func runServer(ctx context.Context) error {
	srv, err := newServer(ctx)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Chain indexer exited - cya!")

	return nil
}

// loadConfig reads the config file and applies its logging level.
func loadConfig() (*server.Config, error) {
	config, err := loadServerConfigFromFile(serverConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	level, err := logrus.ParseLevel(config.LoggingLevel)
	if err != nil {
		log.WithError(err).Warn("Invalid logging level, using info")

		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	return config, nil
}

func newServer(ctx context.Context) (*server.Server, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}

	srv, err := server.NewServer(ctx, log, namespace, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return srv, nil
}

func loadServerConfigFromFile(file string) (*server.Config, error) {
	if file == "" {
		file = "config.yaml"
	}

	config := &server.Config{}

	if err := defaults.Set(config); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	type plain server.Config

	if err := yaml.Unmarshal(yamlFile, (*plain)(config)); err != nil {
		return nil, err
	}

	return config, nil
}
