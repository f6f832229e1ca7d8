package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tcnksm/go-input"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/sentinel/pkg/backend"
	"github.com/go-go-golems/sentinel/pkg/config"
	"github.com/go-go-golems/sentinel/pkg/conversation"
	"github.com/go-go-golems/sentinel/pkg/embeddings"
	"github.com/go-go-golems/sentinel/pkg/events"
	"github.com/go-go-golems/sentinel/pkg/inference"
	"github.com/go-go-golems/sentinel/pkg/metrics"
	"github.com/go-go-golems/sentinel/pkg/retrieval"
	"github.com/go-go-golems/sentinel/pkg/worker"
)

const (
	commandQuit     = "/quit"
	commandContinue = "/continue"
	commandRetry    = "/retry"
)

type chatSettings struct {
	model       string
	character   string
	parameters  string
	logPath     string
	storeSpec   string
	key         string
	metricsAddr string
	debugDir    string
	watch       bool
}

func NewChatCommand() *cobra.Command {
	s := &chatSettings{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a character",
		Long: "Chat with a character. Type /continue to let the character keep talking, " +
			"/retry to regenerate its last turn and /quit to leave. Ctrl-C stops a running generation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVar(&s.model, "model", "", "Model profile name or path (default: first configured model)")
	cmd.Flags().StringVar(&s.character, "character", "", "Character file (YAML)")
	cmd.Flags().StringVar(&s.parameters, "parameters", "", "Sampling parameter profile (default: first configured)")
	cmd.Flags().StringVar(&s.logPath, "log", "", "Chat log JSON file, created when missing")
	cmd.Flags().StringVar(&s.storeSpec, "store", "", "Conversation store: a directory, a .db file or sqlite:PATH")
	cmd.Flags().StringVar(&s.key, "key", "default", "Conversation key in --store")
	cmd.Flags().StringVar(&s.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address")
	cmd.Flags().StringVar(&s.debugDir, "debug-dir", "", "Write the last prompt and result to this directory")
	cmd.Flags().BoolVar(&s.watch, "watch-config", false, "Reload the configuration when its file changes")
	_ = cmd.MarkFlagRequired("character")
	return cmd
}

func runChat(ctx context.Context, s *chatSettings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	modelName, err := defaultModelName(f, s.model)
	if err != nil {
		return err
	}
	sampling, err := samplingFor(f, s.parameters)
	if err != nil {
		return err
	}
	character, err := conversation.LoadCharacter(s.character)
	if err != nil {
		return err
	}

	cl, err := newChatLog(s.logPath, s.storeSpec, s.key)
	if err != nil {
		return err
	}
	defer func() {
		_ = cl.Close()
	}()
	conv, err := cl.Load(ctx, character, f.DisplayName)
	if err != nil {
		return err
	}

	var routerOptions []events.EventRouterOption
	if viper.GetBool("verbose") {
		routerOptions = append(routerOptions, events.WithVerbose(true))
	}
	router, err := events.NewEventRouter(routerOptions...)
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()
	router.AddInferenceHandler("chat-printer", events.DefaultTopic, &chatPrinter{out: os.Stdout, errOut: os.Stderr})

	reg := metrics.NewRegistry()
	options := []worker.Option{
		worker.WithEventSink(inference.NewWatermillSink(router.Publisher, events.DefaultTopic)),
		worker.WithMetrics(metrics.NewWorker(reg)),
		worker.WithDebugDir(s.debugDir),
	}
	if f.EmbeddingModel != nil {
		augmenter, provider, err := retrieval.NewAugmenterFromConfig(f, f.EmbeddingModel)
		if err != nil {
			log.Warn().Err(err).Msg("Embedding model unavailable, similar sentences stay empty")
		} else {
			defer func() {
				_ = embeddings.Close(provider)
			}()
			options = append(options, worker.WithAugmenter(augmenter))
		}
	}

	w, err := worker.New(f, modelName, backend.NewStandardFactory(), options...)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return router.Run(ctx)
	})
	if s.metricsAddr != "" {
		eg.Go(func() error {
			return metrics.Serve(ctx, s.metricsAddr, reg)
		})
	}
	if s.watch && cfgPath != "" {
		eg.Go(func() error {
			return config.Watch(ctx, cfgPath, func(nf *config.File) {
				if err := w.Submit(ctx, inference.ReloadConfiguration{Config: nf}); err != nil {
					log.Warn().Err(err).Msg("Could not forward configuration reload")
				}
			})
		})
	}
	eg.Go(func() error {
		defer cancel()
		<-router.Running()
		w.Start(ctx)

		session := &chatSession{
			worker:      w,
			character:   character,
			conv:        conv,
			sampling:    sampling,
			displayName: f.DisplayName,
			log:         cl,
			ui:          &input.UI{Reader: os.Stdin, Writer: os.Stdout},
			out:         os.Stdout,
		}
		err := session.run(ctx)

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if serr := w.Shutdown(shutdownCtx); serr != nil && err == nil && !errors.Is(serr, context.Canceled) {
			err = serr
		}
		return err
	})

	return eg.Wait()
}

type chatSession struct {
	worker      *worker.Worker
	character   *conversation.Character
	conv        *conversation.Conversation
	sampling    config.SamplingProfile
	displayName string
	log         *chatLog
	ui          *input.UI
	out         io.Writer
}

func (s *chatSession) run(ctx context.Context) error {
	if err := s.waitLoaded(ctx); err != nil {
		return err
	}
	for i := 0; i < s.conv.Len(); i++ {
		_, _ = fmt.Fprintln(s.out, s.conv.Get(i).Render())
	}

	for {
		line, err := s.ui.Ask(s.displayName+":", &input.Options{HideOrder: true})
		if err != nil {
			if !errors.Is(err, input.ErrInterrupted) {
				log.Debug().Err(err).Msg("Input closed")
			}
			return nil
		}
		line = strings.TrimSpace(line)

		switch {
		case line == "":
			continue
		case line == commandQuit:
			return nil
		case line == commandContinue:
			if s.conv.Len() == 0 {
				_, _ = fmt.Fprintln(s.out, "Nothing to continue yet.")
				continue
			}
			err = s.generate(ctx, true)
		case line == commandRetry:
			if last := s.conv.Last(); last != nil && strings.EqualFold(last.Speaker, s.character.Name) {
				s.conv.Pop()
			}
			err = s.generate(ctx, false)
		default:
			s.conv.Push(conversation.NewTurnFromText(s.displayName, line))
			err = s.generate(ctx, false)
		}
		if err != nil {
			return err
		}
	}
}

func (s *chatSession) waitLoaded(ctx context.Context) error {
	for {
		select {
		case resp, ok := <-s.worker.Responses():
			if !ok {
				if err := s.worker.Wait(); err != nil {
					return err
				}
				return worker.ErrStopped
			}
			if ml, ok := resp.(inference.ModelLoaded); ok {
				log.Info().Str("model", ml.Model).Msg("Model loaded")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// generate asks the worker for the character's next turn and records it.
// Ctrl-C while waiting cancels the generation instead of quitting.
func (s *chatSession) generate(ctx context.Context, continueLast bool) error {
	ic := inference.NewContext(s.character, s.conv, s.sampling)
	ic.ContinueLastTurn = continueLast
	if err := s.worker.Submit(ctx, inference.NewTextInference(ic)); err != nil {
		return err
	}

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	for {
		select {
		case <-interrupts:
			s.worker.Cancel()
		case resp, ok := <-s.worker.Responses():
			if !ok {
				return s.worker.Wait()
			}
			nt, ok := resp.(inference.NewText)
			if !ok || nt.Context == nil || nt.Context.ID != ic.ID {
				continue
			}
			s.accept(ctx, nt, continueLast)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *chatSession) accept(ctx context.Context, nt inference.NewText, continueLast bool) {
	if nt.Text == nil {
		return
	}
	// the returned conversation carries the embeddings computed for the prompt
	s.conv = nt.Context.Conversation
	if continueLast {
		s.conv.Last().AppendToLast(*nt.Text)
	} else {
		s.conv.Push(conversation.NewTurnFromText(s.character.Name, strings.TrimSpace(*nt.Text)))
	}
	if err := s.log.Save(ctx, s.conv); err != nil {
		log.Warn().Err(err).Msg("Could not save chat log")
	}
}

// chatPrinter streams inference events to the terminal. Fragments are shown
// before stop-name trimming, so a final reply shorter than what was streamed
// gets the removed tail marked.
type chatPrinter struct {
	out    io.Writer
	errOut io.Writer

	streamed string
}

var _ events.InferenceEventHandler = (*chatPrinter)(nil)

func (p *chatPrinter) HandleStart(ctx context.Context, e *events.EventStart) error {
	p.streamed = ""
	_, err := fmt.Fprintf(p.out, "%s:", e.Metadata().Character)
	return err
}

func (p *chatPrinter) HandleFragment(ctx context.Context, e *events.EventFragment) error {
	p.streamed = e.Completion
	_, err := io.WriteString(p.out, e.Delta)
	return err
}

func (p *chatPrinter) HandleFinal(ctx context.Context, e *events.EventFinal) error {
	streamed := p.streamed
	p.streamed = ""
	switch {
	case e.Text == streamed:
		_, err := fmt.Fprintln(p.out)
		return err
	case strings.HasPrefix(streamed, e.Text):
		_, err := fmt.Fprintf(p.out, "\n[trimmed from reply: %q]\n", streamed[len(e.Text):])
		return err
	default:
		_, err := fmt.Fprintf(p.out, "\n[reply] %s:%s\n", e.Metadata().Character, e.Text)
		return err
	}
}

func (p *chatPrinter) HandleError(ctx context.Context, e *events.EventError) error {
	_, err := fmt.Fprintf(p.errOut, "\nGeneration failed: %s\n", e.ErrorString)
	return err
}

func (p *chatPrinter) HandleInterrupt(ctx context.Context, e *events.EventInterrupt) error {
	_, err := fmt.Fprintln(p.out, " [interrupted]")
	return err
}
