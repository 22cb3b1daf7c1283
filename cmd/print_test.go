package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
)

func printAll(t *testing.T, p *chunkPrinter, chunks ...chunk.Chunk) {
	t.Helper()
	for _, c := range chunks {
		require.NoError(t, p.print(c))
	}
	require.NoError(t, p.finish())
}

func TestChunkPrinter_Text(t *testing.T) {
	var out bytes.Buffer
	p := newChunkPrinter(&out, false, false)

	usage, err := chunk.NewData(chunk.DataUsage, chunk.Usage{
		Usage: chunk.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	})
	require.NoError(t, err)

	printAll(t, p,
		&chunk.TextStart{ID: "t"},
		&chunk.TextDelta{ID: "t", Delta: "Hello"},
		&chunk.ReasoningDelta{ID: "r", Delta: "hidden"},
		&chunk.TextDelta{ID: "t", Delta: ", world"},
		&chunk.ToolInputAvailable{ToolCallID: "c1", ToolName: "search", Input: json.RawMessage(`{"q":"go"}`)},
		&chunk.Error{ErrorText: "tool crashed"},
		usage,
		&chunk.Finish{},
	)

	require.Equal(t, "Hello, world\n"+
		`[tool search] {"q":"go"}`+"\n"+
		"[error] tool crashed\n"+
		"[usage] in=10 out=5 total=15\n", out.String())
}

func TestChunkPrinter_Reasoning(t *testing.T) {
	var out bytes.Buffer
	p := newChunkPrinter(&out, false, true)

	printAll(t, p,
		&chunk.ReasoningDelta{ID: "r", Delta: "thinking"},
		&chunk.TextDelta{ID: "t", Delta: " done"},
	)

	require.Equal(t, "thinking done\n", out.String())
}

func TestChunkPrinter_UnknownDataIsSilent(t *testing.T) {
	var out bytes.Buffer
	p := newChunkPrinter(&out, false, false)

	printAll(t, p, &chunk.Data{Name: "custom", Payload: json.RawMessage(`{"x":1}`)})

	require.Empty(t, out.String())
}

func TestChunkPrinter_JSONLines(t *testing.T) {
	var out bytes.Buffer
	p := newChunkPrinter(&out, true, false)

	printAll(t, p,
		&chunk.TextDelta{ID: "t", Delta: "hi"},
		&chunk.Finish{},
	)

	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	require.JSONEq(t, `{"type":"text-delta","id":"t","delta":"hi"}`, string(lines[0]))

	c, err := chunk.Parse(lines[1])
	require.NoError(t, err)
	require.IsType(t, &chunk.Finish{}, c)
}
