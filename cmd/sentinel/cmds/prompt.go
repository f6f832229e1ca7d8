package cmds

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/embeddings"
	"github.com/go-go-golems/sentinel/pkg/inference"
	"github.com/go-go-golems/sentinel/pkg/prompt"
	"github.com/go-go-golems/sentinel/pkg/retrieval"
)

func NewPromptCommand() *cobra.Command {
	var (
		model        string
		character    string
		logPath      string
		continueLast bool
		similar      bool
	)
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Print the prompt the next generation would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			f, _, err := loadConfig()
			if err != nil {
				return err
			}
			name, err := defaultModelName(f, model)
			if err != nil {
				return err
			}
			profile, err := f.FindModel(name)
			if err != nil {
				return err
			}
			c, err := conversation.LoadCharacter(character)
			if err != nil {
				return err
			}
			conv, err := conversation.LoadJSON(logPath)
			if err != nil {
				return err
			}

			var options []prompt.Option
			if similar && f.EmbeddingModel != nil {
				augmenter, provider, err := retrieval.NewAugmenterFromConfig(f, f.EmbeddingModel)
				if err != nil {
					log.Warn().Err(err).Msg("Embedding model unavailable, similar sentences stay empty")
				} else {
					defer func() {
						_ = embeddings.Close(provider)
					}()
					options = append(options, prompt.WithAugmenter(augmenter))
				}
			}

			ic := inference.NewContext(c, conv, config.SamplingProfile{})
			ic.ContinueLastTurn = continueLast
			p := prompt.NewAssemblerFromConfig(f, options...).Assemble(ctx, ic, profile)

			_, err = fmt.Fprint(cmd.OutOrStdout(), p.Text)
			if err != nil {
				return err
			}
			log.Info().
				Int("budget", p.Budget).
				Int("history_turns", p.HistoryTurns).
				Int("history_chars", p.HistoryChars).
				Msg("Prompt assembled")
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "Model profile name or path (default: first configured model)")
	cmd.Flags().StringVar(&character, "character", "", "Character file (YAML)")
	cmd.Flags().StringVar(&logPath, "log", "", "Chat log JSON file")
	cmd.Flags().BoolVar(&continueLast, "continue", false, "Assemble the prompt for continuing the last turn")
	cmd.Flags().BoolVar(&similar, "similar", true, "Fill similar sentences using the configured embedding model")
	_ = cmd.MarkFlagRequired("character")
	_ = cmd.MarkFlagRequired("log")
	return cmd
}
