package cmds

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tiktoken-go/tokenizer"
)

func getCodec(model, encoding string) (tokenizer.Codec, error) {
	if model != "" {
		return tokenizer.ForModel(tokenizer.Model(model))
	}
	return tokenizer.Get(tokenizer.Encoding(encoding))
}

// TokenRatio is the average number of characters per token of text.
func TokenRatio(codec tokenizer.Codec, text string) (float64, int, error) {
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0, 0, errors.Wrap(err, "could not tokenize")
	}
	if len(ids) == 0 {
		return 0, 0, errors.New("no tokens in input")
	}
	return float64(len(text)) / float64(len(ids)), len(ids), nil
}

func NewTokensCommand() *cobra.Command {
	tokensCmd := &cobra.Command{
		Use:   "tokens",
		Short: "Commands related to tokens",
	}

	var (
		input    string
		model    string
		encoding string
	)
	ratioCmd := &cobra.Command{
		Use:   "ratio",
		Short: "Measure characters per token, for text_to_token_ratio_prediction",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(input)
			if err != nil {
				return errors.Wrap(err, "could not read input")
			}
			codec, err := getCodec(model, encoding)
			if err != nil {
				return errors.Wrap(err, "error creating tokenizer")
			}
			ratio, n, err := TokenRatio(codec, string(data))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "characters: %d\ntokens: %d\ntext_to_token_ratio_prediction: %.2f\n",
				len(data), n, ratio)
			return err
		},
	}
	ratioCmd.Flags().StringVar(&input, "input", "", "Text file to measure")
	ratioCmd.Flags().StringVar(&model, "model", "", "Model whose tokenizer to use")
	ratioCmd.Flags().StringVar(&encoding, "encoding", string(tokenizer.Cl100kBase), "Tokenizer encoding, when --model is not set")
	_ = ratioCmd.MarkFlagRequired("input")

	tokensCmd.AddCommand(ratioCmd)
	return tokensCmd
}
