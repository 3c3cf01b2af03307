package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kestrelhpc/kestrel/internal/common"
	"github.com/kestrelhpc/kestrel/internal/selector/configuration"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selector",
		Short: "Consumable-resource node-selection engine",
	}
	cmd.PersistentFlags().String("config", ".", "directory holding cluster.yaml")
	cmd.AddCommand(
		simulateCmd(),
		validateCmd(),
	)
	return cmd
}

func loadClusterConfig(flags *pflag.FlagSet) (*configuration.ClusterConfig, error) {
	path, err := flags.GetString("config")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.ClusterConfig
	if err := common.LoadConfig(&config, "cluster", path); err != nil {
		return nil, errors.Wrap(err, "loading cluster config")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validates the cluster config and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadClusterConfig(cmd.Flags())
			if err != nil {
				return err
			}
			_, err = config.Params()
			return err
		},
	}
}
