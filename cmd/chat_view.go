package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/reflow/wordwrap"

	"github.com/DarkNoah/aime-chat-sub001/internal/chatstream"
	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
	"github.com/DarkNoah/aime-chat-sub001/internal/log"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
)

const (
	defaultViewWidth  = 80
	defaultViewHeight = 20
)

// noMarginStyle drops glamour's document margins.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

var (
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

var stopKey = key.NewBinding(
	key.WithKeys("ctrl+c", "esc"),
	key.WithHelp("ctrl+c", "stop"),
)

type spinnerTickMsg struct{}

func spinnerTick() tea.Cmd {
	return tea.Tick(80*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{}
	})
}

// cancelledMsg reports that a stop request finished.
type cancelledMsg struct{ err error }

// chatView streams one reply into a scrolling viewport and renders it as
// markdown once the stream ends.
type chatView struct {
	ctx     context.Context
	session *chatstream.Session

	viewport viewport.Model
	width    int

	// logs surfaces warnings while debug logging is on; nil otherwise.
	logs    *log.Listener
	warning string

	text         strings.Builder
	notes        []string
	status       string
	spinnerFrame int
	cancelling   bool
	done         bool
	rendered     string
	err          error
}

func newChatView(ctx context.Context, s *chatstream.Session) *chatView {
	return &chatView{
		ctx:      ctx,
		session:  s,
		viewport: viewport.New(defaultViewWidth, defaultViewHeight),
		width:    defaultViewWidth,
		logs:     log.NewListener(ctx),
		status:   "streaming",
	}
}

func (m *chatView) Init() tea.Cmd {
	cmds := []tea.Cmd{chatstream.ListenCmd(m.ctx, m.session), spinnerTick()}
	if m.logs != nil {
		cmds = append(cmds, m.logs.Listen())
	}
	return tea.Batch(cmds...)
}

func (m *chatView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-2, 1)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, stopKey) {
			if m.cancelling || m.done {
				return m, nil
			}
			m.cancelling = true
			m.status = "stopping"
			return m, m.cancel()
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case spinnerTickMsg:
		if m.done {
			return m, nil
		}
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		return m, spinnerTick()

	case chatstream.ChunkMsg:
		m.apply(msg.Chunk)
		m.refresh()
		return m, chatstream.ListenCmd(m.ctx, m.session)

	case pubsub.Event[log.Entry]:
		if msg.Payload.Level >= log.LevelWarn {
			m.warning = msg.Payload.Message
		}
		return m, m.logs.Listen()

	case chatstream.DoneMsg:
		m.done = true
		if m.logs != nil {
			m.logs.Stop()
		}
		m.err = msg.Err
		if outcome, ok := m.session.Outcome(); ok {
			m.status = string(outcome.Reason)
		}
		m.rendered = m.renderMarkdown()
		return m, tea.Quit

	case cancelledMsg:
		if msg.err != nil {
			m.done = true
			m.err = msg.err
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *chatView) cancel() tea.Cmd {
	s := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return cancelledMsg{err: s.Cancel(ctx)}
	}
}

func (m *chatView) apply(c chunk.Chunk) {
	switch v := c.(type) {
	case *chunk.TextDelta:
		m.text.WriteString(v.Delta)
	case *chunk.ToolInputAvailable:
		m.notes = append(m.notes, toolStyle.Render("tool: "+v.ToolName))
	case *chunk.ToolApprovalRequested:
		m.notes = append(m.notes, toolStyle.Render("approval requested: "+v.ToolName))
	case *chunk.Error:
		m.notes = append(m.notes, errorStyle.Render("error: "+v.ErrorText))
	}
}

// refresh rewraps the streamed text into the viewport and follows the tail.
func (m *chatView) refresh() {
	content := wordwrap.String(m.text.String(), max(m.width, 1))
	if len(m.notes) > 0 {
		content += "\n\n" + strings.Join(m.notes, "\n")
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// renderMarkdown renders the final reply. Plain wrapped text is used when
// rendering fails.
func (m *chatView) renderMarkdown() string {
	text := m.text.String()
	if text == "" {
		return ""
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath("dark"),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(m.width),
	)
	if err != nil {
		return wordwrap.String(text, m.width)
	}
	out, err := r.Render(text)
	if err != nil {
		return wordwrap.String(text, m.width)
	}
	return strings.TrimRight(out, "\n")
}

func (m *chatView) statusLine() string {
	var line string
	if m.done {
		line = fmt.Sprintf("[%s] %s", m.session.ChatID(), m.status)
		if m.err != nil {
			line += ": " + m.err.Error()
		}
	} else {
		line = fmt.Sprintf("%s [%s] %s  (%s to %s)", spinnerFrames[m.spinnerFrame],
			m.session.ChatID(), m.status, stopKey.Help().Key, stopKey.Help().Desc)
		if m.warning != "" {
			line += "  warn: " + m.warning
		}
	}
	return statusStyle.Render(ansi.Truncate(line, m.width, "…"))
}

func (m *chatView) View() string {
	if m.done {
		parts := []string{}
		if m.rendered != "" {
			parts = append(parts, m.rendered)
		}
		parts = append(parts, m.notes...)
		parts = append(parts, m.statusLine())
		return strings.Join(parts, "\n") + "\n"
	}
	return m.viewport.View() + "\n" + m.statusLine()
}
