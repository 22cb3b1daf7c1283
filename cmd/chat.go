package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/DarkNoah/aime-chat-sub001/internal/app"
	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/engine"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/sessions"
)

var (
	chatMessage   string
	chatModel     string
	chatAgent     string
	chatMode      string
	chatThink     bool
	chatWebSearch bool
	chatJSON      bool
	chatReasoning bool
	chatTUI       bool
)

var chatCmd = &cobra.Command{
	Use:   "chat <chatId>",
	Short: "Send a message and stream the reply",
	Long: `Send a user message to the chat engine and stream the reply.

Ctrl+C aborts generation; the engine is told to stop exactly once.

Examples:
  aime chat c1 -m "Summarize the meeting notes"
  aime chat c1 -m "hi" --json            # one chunk per line
  aime chat c1 -m "hi" --tui             # interactive view`,
	Args: cobra.ExactArgs(1),
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "user message")
	chatCmd.Flags().StringVar(&chatModel, "model", "", "model id (provider/model)")
	chatCmd.Flags().StringVar(&chatAgent, "agent", "", "agent id")
	chatCmd.Flags().BoolVar(&chatThink, "think", false, "enable extended thinking")
	chatCmd.Flags().BoolVar(&chatWebSearch, "web-search", false, "allow web search")
	chatCmd.Flags().BoolVar(&chatTUI, "tui", false, "render the reply in an interactive view")
	chatCmd.PersistentFlags().StringVar(&chatMode, "mode", "", `"agent" or "workflow" (default from config)`)
	chatCmd.PersistentFlags().BoolVar(&chatJSON, "json", false, "print chunks as JSON lines")
	chatCmd.PersistentFlags().BoolVar(&chatReasoning, "reasoning", false, "print reasoning text")
	_ = chatCmd.MarkFlagRequired("message")
}

// userMessages builds the message list the engine expects for one user turn.
func userMessages(text string) (json.RawMessage, error) {
	return json.Marshal([]map[string]any{{
		"id":   uuid.NewString(),
		"role": "user",
		"parts": []map[string]string{
			{"type": "text", "text": text},
		},
	}})
}

func runChat(cmd *cobra.Command, args []string) error {
	chatID := args[0]

	messages, err := userMessages(chatMessage)
	if err != nil {
		return err
	}
	req := engine.ChatRequest{
		ChatID:    chatID,
		MessageID: uuid.NewString(),
		Messages:  messages,
		Model:     chatModel,
		AgentID:   chatAgent,
		Think:     chatThink,
		WebSearch: chatWebSearch,
		Mode:      chatstream.Mode(chatMode),
	}

	return withApp(cmd, func(ctx context.Context, a *app.App) error {
		watchConfig(a)

		reg, err := a.Sessions()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := reg.Start(ctx, req)
		if err != nil {
			return err
		}

		if chatTUI {
			return runChatTUI(s)
		}

		go abortOnSignal(ctx, reg, s)
		return streamSession(cmd, s)
	})
}

// abortOnSignal cancels s when ctx ends first.
func abortOnSignal(ctx context.Context, reg *sessions.Registry, s *chatstream.Session) {
	select {
	case <-s.Done():
		return
	case <-ctx.Done():
	}

	abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reg.Abort(abortCtx, s.ChatID()); err != nil && !errors.Is(err, sessions.ErrNotFound) {
		log.Warn(log.CatChat, "Abort failed", "chat", s.ChatID(), "error", err)
	}
}

// streamSession prints every chunk of s and reports how it ended.
func streamSession(cmd *cobra.Command, s *chatstream.Session) error {
	p := newChunkPrinter(cmd.OutOrStdout(), chatJSON, chatReasoning)

	for c, err := range s.All(context.Background()) {
		if err != nil {
			_ = p.finish()
			return err
		}
		if err := p.print(c); err != nil {
			return err
		}
	}
	if err := p.finish(); err != nil {
		return err
	}

	if outcome, ok := s.Outcome(); ok && outcome.Reason != chatstream.ReasonFinished {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", outcome.Reason)
	}
	return nil
}

func runChatTUI(s *chatstream.Session) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	model := newChatView(ctx, s)
	if _, err := tea.NewProgram(model).Run(); err != nil {
		return fmt.Errorf("running chat view: %w", err)
	}
	return model.err
}
