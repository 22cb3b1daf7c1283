package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/engine"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
	"github.com/DarkNoah/aime-chat-sub001/internal/rpc"
	"github.com/DarkNoah/aime-chat-sub001/internal/sessions"
)

// errReplayTruncated is sent when a recording ends before the stream does.
const errReplayTruncated = "replay ended before the stream finished"

var replayChat string

var chatReplayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Replay recorded engine notifications through a chat session",
	Long: `Replay a recording of engine notifications, one {"channel","event"}
object per line, through the same session pipeline a live chat uses.

Lines for other chats are ignored. A recording that ends before the
stream finishes is reported as an error.

Examples:
  aime chat replay capture.jsonl
  aime chat replay capture.jsonl --chat c1 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runChatReplay,
}

func init() {
	chatCmd.AddCommand(chatReplayCmd)
	chatReplayCmd.Flags().StringVar(&replayChat, "chat", "", "chat id to replay (default: first channel in the file)")
}

type recordedNotification struct {
	Channel string          `json:"channel"`
	Event   json.RawMessage `json:"event"`
}

// readRecording loads notifications from a JSONL recording.
func readRecording(path string) ([]rpc.Notification, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []rpc.Notification
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec recordedNotification
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		out = append(out, rpc.Notification{Channel: rec.Channel, Event: rec.Event})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return out, nil
}

// replayChatID picks the chat to replay: the explicit one, or the first
// chat channel in the recording.
func replayChatID(explicit string, notes []rpc.Notification) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	for _, n := range notes {
		if id, ok := chatstream.ChatIDFromChannel(n.Channel); ok {
			return id, nil
		}
	}
	return "", fmt.Errorf("recording has no chat channel; pass --chat")
}

// replayEngine plays a recording into the router instead of talking to a
// worker. Abort is accepted and ignored.
type replayEngine struct {
	router *engine.Router
	notes  []rpc.Notification
	wg     sync.WaitGroup
}

func (e *replayEngine) StartChat(_ context.Context, req engine.ChatRequest) error {
	channel := chatstream.Channel(req.ChatID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, n := range e.notes {
			e.router.Handle(n)
		}
		text, _ := json.Marshal(errReplayTruncated)
		truncated, _ := json.Marshal(chatstream.Event{Type: chatstream.EventError, Data: text})
		e.router.Handle(rpc.Notification{Channel: channel, Event: truncated})
	}()
	return nil
}

func (e *replayEngine) AbortChat(_ context.Context, chatID string) error {
	log.Debug(log.CatChat, "Ignoring abort during replay", "chat", chatID)
	return nil
}

func runChatReplay(cmd *cobra.Command, args []string) error {
	notes, err := readRecording(args[0])
	if err != nil {
		return err
	}
	chatID, err := replayChatID(replayChat, notes)
	if err != nil {
		return err
	}

	mode := chatstream.Mode(chatMode)
	if mode == "" {
		mode = chatstream.Mode(cfg.Chat.Mode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := pubsub.NewBroker[chatstream.Event]()
	eng := &replayEngine{router: engine.NewRouter(ctx, bus), notes: notes}
	reg := sessions.New(eng, bus, sessions.WithMode(mode))

	s, err := reg.Start(ctx, engine.ChatRequest{ChatID: chatID, Mode: mode})
	if err != nil {
		return err
	}
	streamErr := streamSession(cmd, s)

	// Stop the player if the session ended before the recording did.
	cancel()
	eng.wg.Wait()
	closeErr := reg.Close(context.Background())
	bus.Close()

	if streamErr != nil {
		return streamErr
	}
	return closeErr
}
