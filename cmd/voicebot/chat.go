package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/teslashibe/voicebot/internal/errs"
	"github.com/teslashibe/voicebot/pkg/audio"
	"github.com/teslashibe/voicebot/pkg/pipeline"
	"github.com/teslashibe/voicebot/pkg/timing"
)

const goodbye = "Goodbye!"

func newChatCmd(root *rootOptions) *cobra.Command {
	var session string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal; type 'exit' to stop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load(true)
			if err != nil {
				return err
			}
			// The terminal has no microphone path.
			cfg.Speech.Provider = "none"

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			out := cmd.OutOrStdout()
			a, err := wireApp(ctx, cfg, func(*audio.Store) pipeline.Sink {
				return pipeline.NewWriterSink(out)
			})
			if err != nil {
				return err
			}
			defer a.Close()

			a.registry.SetStartup(time.Since(root.started).Seconds())
			var speaker pipeline.Synthesizer
			if a.speaker != nil {
				speaker = a.speaker
			}
			return runChat(ctx, a.registry.Get(session), speaker, cmd.InOrStdin(), out)
		},
	}
	cmd.Flags().StringVar(&session, "session", pipeline.DefaultSessionID, "session id")
	return cmd
}

// isExit reports whether the line asks to leave: any word "exit".
func isExit(line string) bool {
	for _, word := range strings.Fields(strings.ToLower(line)) {
		if strings.Trim(word, ".,!?;:'\"") == "exit" {
			return true
		}
	}
	return false
}

// runChat reads one question per line until exit, EOF or cancellation.
func runChat(ctx context.Context, coord *pipeline.Coordinator, speaker pipeline.Synthesizer, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "Ask a programming question. Type 'exit' to stop.")

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
		close(lines)
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return <-readErr
			}
			line = l
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if isExit(line) {
			fmt.Fprintln(out, "Assistant: "+goodbye)
			if speaker != nil {
				if ref, err := speaker.Synthesize(ctx, goodbye); err == nil {
					fmt.Fprintf(out, "  [audio: %s]\n", ref)
				}
			}
			return nil
		}

		res, err := coord.Submit(ctx, line)
		switch {
		case err == nil:
		case pipeline.IsAborted(err):
			return nil
		case errs.Is(err, errs.InvalidInput), errs.Is(err, errs.Busy), errs.Is(err, errs.ServiceError):
			fmt.Fprintln(out, "!", err)
			continue
		default:
			return err
		}

		if res.PersistErr != nil {
			fmt.Fprintln(out, "  (not saved to history)")
		}
		fmt.Fprintf(out, "  (response %s, audio %s, total %s)\n",
			timing.Format(res.ResponseSeconds), timing.Format(res.AudioSeconds), timing.Format(res.TotalSeconds))
	}
}
