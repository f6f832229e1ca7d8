package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/sentinel/pkg/config"
)

// ModelsCommand lists the configured models, one row each.
type ModelsCommand struct {
	*cmds.CommandDescription
}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}
	return &ModelsCommand{
		CommandDescription: cmds.NewCommandDescription(
			"models",
			cmds.WithShort("List the configured models"),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	f, _, err := loadConfig()
	if err != nil {
		return err
	}
	for i := range f.Models {
		row, err := modelRow(&f.Models[i])
		if err != nil {
			return err
		}
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func modelRow(m *config.ModelProfile) (types.Row, error) {
	strategy, err := m.Strategy()
	if err != nil {
		return nil, err
	}
	location, api := m.Path, ""
	if strategy == config.StrategyRemote {
		location, api = m.RemoteServer, string(m.API())
	}
	return types.NewRow(
		types.MRP("name", m.Name),
		types.MRP("strategy", string(strategy)),
		types.MRP("location", location),
		types.MRP("api", api),
		types.MRP("context_size", m.ContextSize),
	), nil
}
