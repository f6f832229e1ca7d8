package cmds

import (
	"context"
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/sentinel/pkg/config"
)

func NewConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the configuration file in use and where it is searched",
		RunE: func(cmd *cobra.Command, args []string) error {
			explicit := viper.GetString("config")
			out := cmd.OutOrStdout()
			if p := config.Locate(config.FileName, explicit); p != "" {
				_, _ = fmt.Fprintf(out, "using %s\n", p)
			} else {
				_, _ = fmt.Fprintln(out, "no configuration file found, using defaults")
			}
			for _, p := range config.SearchPaths(config.FileName, explicit) {
				_, _ = fmt.Fprintf(out, "  searched %s\n", p)
			}
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(s))
			return err
		},
	})

	validateCmd, err := NewConfigValidateCommand()
	cobra.CheckErr(err)
	validateCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(validateCmd)
	cobra.CheckErr(err)
	configCmd.AddCommand(validateCobraCmd)

	return configCmd
}

// ConfigValidateCommand loads and validates the configuration and reports
// what it holds as a single row.
type ConfigValidateCommand struct {
	*cmds.CommandDescription
}

func NewConfigValidateCommand() (*ConfigValidateCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}
	return &ConfigValidateCommand{
		CommandDescription: cmds.NewCommandDescription(
			"validate",
			cmds.WithShort("Check that every configured model can be served"),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

func (c *ConfigValidateCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	f, path, err := loadConfig()
	if err != nil {
		return err
	}
	if path == "" {
		path = "defaults"
	}
	return gp.AddRow(ctx, types.NewRow(
		types.MRP("file", path),
		types.MRP("models", len(f.Models)),
		types.MRP("parameter_profiles", len(f.Parameters)),
		types.MRP("status", "ok"),
	))
}
