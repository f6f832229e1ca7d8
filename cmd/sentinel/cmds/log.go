package cmds

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/sentinel/pkg/conversation"
)

func NewLogCommand() *cobra.Command {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Work with chat log files",
	}

	var (
		names string
		out   string
	)
	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Convert a plain-text chat log into a JSON chat log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "could not open log")
			}
			defer func() {
				_ = f.Close()
			}()

			var speakers []string
			for _, n := range strings.Split(names, ",") {
				if n = strings.TrimSpace(n); n != "" {
					speakers = append(speakers, n)
				}
			}
			conv, err := conversation.ImportText(f, speakers)
			if err != nil {
				return err
			}
			if err := conv.SaveJSON(out); err != nil {
				return err
			}
			log.Info().Str("out", out).Int("turns", conv.Len()).Msg("Imported chat log")
			return nil
		},
	}
	importCmd.Flags().StringVar(&names, "names", "", "Comma separated speaker names to recognise")
	importCmd.Flags().StringVar(&out, "out", "", "JSON chat log to write")
	_ = importCmd.MarkFlagRequired("names")
	_ = importCmd.MarkFlagRequired("out")

	logCmd.AddCommand(importCmd)
	return logCmd
}
