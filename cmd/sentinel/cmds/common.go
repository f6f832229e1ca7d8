package cmds

import (
	"context"
	"os"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/store"
)

func RegisterCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(NewChatCommand())
	rootCmd.AddCommand(NewPromptCommand())

	modelsCmd, err := NewModelsCommand()
	cobra.CheckErr(err)
	modelsCobraCmd, err := cli.BuildCobraCommandFromGlazeCommand(modelsCmd)
	cobra.CheckErr(err)
	rootCmd.AddCommand(modelsCobraCmd)

	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewTokensCommand())
	rootCmd.AddCommand(NewLogCommand())
}

// loadConfig reads the configuration named by --config or found on the
// search path, and validates it.
func loadConfig() (*config.File, string, error) {
	f, path, err := config.Load(viper.GetString("config"))
	if err != nil {
		return nil, path, err
	}
	if err := f.Validate(); err != nil {
		return nil, path, err
	}
	return f, path, nil
}

// defaultModelName is the --model flag or the first configured model.
func defaultModelName(f *config.File, flag string) (string, error) {
	if flag != "" {
		m, err := f.FindModel(flag)
		if err != nil {
			return "", err
		}
		return m.Name, nil
	}
	if len(f.Models) == 0 {
		return "", errors.New("no models configured, add one to config.yaml")
	}
	return f.Models[0].Name, nil
}

func samplingFor(f *config.File, name string) (config.SamplingProfile, error) {
	if name != "" {
		p, err := f.FindParameters(name)
		if err != nil {
			return config.SamplingProfile{}, err
		}
		return *p, nil
	}
	if len(f.Parameters) > 0 {
		return *f.Parameters[0].Clone(), nil
	}
	return config.SamplingProfile{}, nil
}

// openStore opens a SQLite store for "sqlite:PATH" or a path ending in .db,
// and a directory store otherwise.
func openStore(spec string) (store.Store, error) {
	switch {
	case strings.HasPrefix(spec, "sqlite:"):
		return openSQLite(strings.TrimPrefix(spec, "sqlite:"))
	case strings.HasSuffix(spec, ".db"):
		return openSQLite(spec)
	default:
		return store.NewFileStore(spec)
	}
}

func openSQLite(path string) (store.Store, error) {
	dsn, err := store.SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	return store.NewSQLiteStore(dsn)
}

// chatLog is where a chat command reads and writes its conversation: a
// JSON file, a store entry, or nowhere.
type chatLog struct {
	path  string
	store store.Store
	key   store.Key
}

func newChatLog(path string, storeSpec string, key string) (*chatLog, error) {
	cl := &chatLog{path: path}
	if storeSpec == "" {
		return cl, nil
	}
	if path != "" {
		return nil, errors.New("--log and --store are mutually exclusive")
	}
	k, err := store.ParseKey(key)
	if err != nil {
		return nil, err
	}
	s, err := openStore(storeSpec)
	if err != nil {
		return nil, err
	}
	cl.store = s
	cl.key = k
	return cl, nil
}

// Load returns the stored conversation, or a new one started from the
// character's greeting when there is none yet.
func (cl *chatLog) Load(ctx context.Context, c *conversation.Character, displayName string) (*conversation.Conversation, error) {
	switch {
	case cl.path != "":
		if _, err := os.Stat(cl.path); err == nil {
			return conversation.LoadJSON(cl.path)
		}
	case cl.store != nil:
		conv, err := cl.store.Load(ctx, cl.key)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	log.Debug().Str("character", c.Name).Msg("Starting a new chat log from the greeting")
	return conversation.NewWithGreeting(c, displayName), nil
}

func (cl *chatLog) Save(ctx context.Context, conv *conversation.Conversation) error {
	switch {
	case cl.path != "":
		return conv.SaveJSON(cl.path)
	case cl.store != nil:
		return cl.store.Save(ctx, cl.key, conv)
	}
	return nil
}

func (cl *chatLog) Close() error {
	if cl.store != nil {
		return cl.store.Close()
	}
	return nil
}
