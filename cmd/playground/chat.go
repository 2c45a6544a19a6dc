package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"llm-playground/internal/adapter/terminal"
	"llm-playground/internal/domain"
	"llm-playground/internal/usecase"
)

// conversationFlags select the conversation a command works on.
type conversationFlags struct {
	id       string
	provider string
	model    string
	baseURL  string
}

func (f *conversationFlags) register(cmd *cobra.Command, withID bool) {
	if withID {
		cmd.Flags().StringVarP(&f.id, "conversation", "c", "", "continue an existing conversation")
	}
	cmd.Flags().StringVarP(&f.provider, "provider", "p", "", "configured provider name (default: llm.default_provider)")
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "override the provider's model")
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "override the provider's base URL")
}

var chatFlags conversationFlags

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Chat with a model, interactively or with a single prompt",
	Long: `Send a prompt and stream the reply. Without a prompt an interactive
session starts; type 'exit' to leave.

Ctrl-C cancels the reply being streamed. At the prompt it ends the session.
--provider, --model and --base-url only apply when a new conversation is
started.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		a, err := newApp(ctx, configPath())
		if err != nil {
			return err
		}
		defer a.Close()

		conv, err := openConversation(ctx, a, chatFlags)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		printer := terminal.NewStreamPrinter(out)
		defer printer.Attach(a.bus)()

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigs)

		s := &session{app: a, printer: printer, errOut: cmd.ErrOrStderr(), sigs: sigs, conversationID: conv.ID}

		if len(args) > 0 {
			res, err := s.ask(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if res.Err != nil {
				return fmt.Errorf("reply %s: %w", res.Status, res.Err)
			}
			return nil
		}

		go a.watchConfig(ctx)
		return s.repl(ctx, cmd.InOrStdin(), conv)
	},
}

var newFlags conversationFlags

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation and print its ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), configPath())
		if err != nil {
			return err
		}
		defer a.Close()

		conv, err := a.chat.NewConversation(cmd.Context(), newFlags.provider, newFlags.model, newFlags.baseURL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), conv.ID)
		return nil
	},
}

func init() {
	chatFlags.register(chatCmd, true)
	newFlags.register(newCmd, false)
}

// openConversation returns the conversation named by f.id, or starts a new
// one from the provider flags.
func openConversation(ctx context.Context, a *app, f conversationFlags) (*domain.Conversation, error) {
	if f.id != "" {
		return a.store.GetConversation(ctx, f.id)
	}
	return a.chat.NewConversation(ctx, f.provider, f.model, f.baseURL)
}

// session drives one conversation from the terminal.
type session struct {
	app            *app
	printer        *terminal.StreamPrinter
	errOut         io.Writer
	sigs           <-chan os.Signal
	conversationID string
}

// ask sends text and blocks until the reply reaches a terminal status. An
// interrupt while streaming cancels the reply. The returned error covers
// only failures to start the reply.
func (s *session) ask(ctx context.Context, text string) (usecase.RunResult, error) {
	sp := terminal.NewSpinner(s.errOut, "Thinking...")
	printed := s.printer.Follow(s.conversationID, sp.Stop)
	sp.Start()
	defer sp.Stop()

	h, err := s.app.chat.Send(ctx, s.conversationID, text)
	if err != nil {
		return usecase.RunResult{}, err
	}

	for {
		select {
		case <-s.sigs:
			h.Cancel()
		case <-h.Done():
			select {
			case <-printed:
			case <-ctx.Done():
			}
			return h.Wait(ctx)
		}
	}
}

func (s *session) repl(ctx context.Context, in io.Reader, conv *domain.Conversation) error {
	prompt := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.FgHiBlack)

	dim.Fprintf(s.errOut, "conversation %s (%s)\n", conv.ID, conv.Provider)
	dim.Fprintf(s.errOut, "Type 'exit' to quit.\n\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		prompt.Fprint(s.errOut, "you → ")

		var line string
		select {
		case <-s.sigs:
			fmt.Fprintln(s.errOut)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(s.errOut)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if _, err := s.ask(ctx, line); err != nil {
			if errors.Is(err, domain.ErrConversationBusy) || errors.Is(err, domain.ErrInvalidInput) {
				color.New(color.FgYellow).Fprintf(s.errOut, "  %v\n", err)
				continue
			}
			return err
		}
		fmt.Fprintln(s.errOut)
	}
}
