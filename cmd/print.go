package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
)

// chunkPrinter renders a chunk stream for the terminal, or as JSON lines.
type chunkPrinter struct {
	out       io.Writer
	json      bool
	reasoning bool
	decoders  *chunk.Decoders

	midLine bool
}

func newChunkPrinter(out io.Writer, jsonLines, reasoning bool) *chunkPrinter {
	return &chunkPrinter{
		out:       out,
		json:      jsonLines,
		reasoning: reasoning,
		decoders:  chunk.NewDecoders(),
	}
}

func (p *chunkPrinter) print(c chunk.Chunk) error {
	if p.json {
		b, err := chunk.Marshal(c)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(p.out, "%s\n", b)
		return err
	}

	switch v := c.(type) {
	case *chunk.TextDelta:
		return p.write(v.Delta)
	case *chunk.ReasoningDelta:
		if p.reasoning {
			return p.write(v.Delta)
		}
	case *chunk.ToolInputAvailable:
		return p.line("[tool %s] %s", v.ToolName, v.Input)
	case *chunk.ToolInputError:
		return p.line("[tool %s error] %s", v.ToolName, v.ErrorText)
	case *chunk.ToolOutputError:
		return p.line("[tool error] %s", v.ErrorText)
	case *chunk.ToolApprovalRequested:
		return p.line("[approval requested] %s (%s)", v.ToolName, v.ToolCallID)
	case *chunk.Error:
		return p.line("[error] %s", v.ErrorText)
	case *chunk.Data:
		decoded, ok, err := p.decoders.Decode(v)
		if err != nil || !ok {
			return nil
		}
		if u, isUsage := decoded.(*chunk.Usage); isUsage {
			return p.line("[usage] in=%d out=%d total=%d",
				u.Usage.InputTokens, u.Usage.OutputTokens, u.Usage.TotalTokens)
		}
	}
	return nil
}

func (p *chunkPrinter) write(s string) error {
	if s == "" {
		return nil
	}
	if _, err := io.WriteString(p.out, s); err != nil {
		return err
	}
	p.midLine = !strings.HasSuffix(s, "\n")
	return nil
}

func (p *chunkPrinter) line(format string, args ...any) error {
	if err := p.finish(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(p.out, format+"\n", args...)
	return err
}

// finish ends a partial line.
func (p *chunkPrinter) finish() error {
	if !p.midLine {
		return nil
	}
	p.midLine = false
	_, err := io.WriteString(p.out, "\n")
	return err
}
