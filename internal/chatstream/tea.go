package chatstream

import (
	"context"
	"errors"
	"io"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
)

// ChunkMsg delivers one chunk to a Bubble Tea model.
type ChunkMsg struct {
	ChatID string
	Chunk  chunk.Chunk
}

// DoneMsg reports the end of a stream. Err is nil on clean completion.
type DoneMsg struct {
	ChatID string
	Err    error
}

// ListenCmd returns a command that waits for the session's next chunk.
// Call it again from Update after each ChunkMsg.
func ListenCmd(ctx context.Context, s *Session) tea.Cmd {
	return func() tea.Msg {
		c, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return DoneMsg{ChatID: s.ChatID()}
		}
		if err != nil {
			return DoneMsg{ChatID: s.ChatID(), Err: err}
		}
		return ChunkMsg{ChatID: s.ChatID(), Chunk: c}
	}
}
