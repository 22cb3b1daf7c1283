package chatstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/DarkNoah/aime-chat-sub001/internal/chunk"
	"github.com/DarkNoah/aime-chat-sub001/internal/pubsub"
)

func event(typ EventType, data string) pubsub.Event[Event] {
	return pubsub.Event[Event]{
		Topic:   Channel("c1"),
		Type:    pubsub.CreatedEvent,
		Payload: Event{Type: typ, Data: json.RawMessage(data)},
	}
}

func chunkEvent(payload string) pubsub.Event[Event] {
	return event(EventChunk, payload)
}

type fakeAborter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeAborter) AbortChat(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatID)
	return f.err
}

func (f *fakeAborter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type closeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *closeRecorder) record(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *closeRecorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func collect(t *testing.T, s *Session) ([]chunk.Chunk, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out []chunk.Chunk
	for {
		c, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}

func openSession(t *testing.T, events chan pubsub.Event[Event], opts Options) *Session {
	t.Helper()
	s := New("c1", events, opts)
	require.NoError(t, s.Open(context.Background(), nil))
	return s
}

func TestSession_TextThenFinish(t *testing.T) {
	events := make(chan pubsub.Event[Event], 8)
	closes := &closeRecorder{}
	unsubscribed := make(chan struct{})
	s := openSession(t, events, Options{
		OnClose:     closes.record,
		Unsubscribe: func() { close(unsubscribed) },
	})
	require.Equal(t, StateOpen, s.State())

	events <- chunkEvent(`{"type":"text-start","id":"t1"}`)
	events <- chunkEvent(`{"type":"text-delta","id":"t1","delta":"Hel"}`)
	events <- chunkEvent(`{"type":"text-end","id":"t1"}`)
	events <- chunkEvent(`{"type":"finish"}`)
	events <- chunkEvent(`{"type":"text-delta","id":"t1","delta":"late"}`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{
		&chunk.TextStart{ID: "t1"},
		&chunk.TextDelta{ID: "t1", Delta: "Hel"},
		&chunk.TextEnd{ID: "t1"},
		&chunk.Finish{},
	}, got)

	<-unsubscribed
	require.Equal(t, StateClosed, s.State())
	outcome, closed := s.Outcome()
	require.True(t, closed)
	require.Equal(t, ReasonFinished, outcome.Reason)
	require.NoError(t, outcome.Err)
	require.Equal(t, 4, outcome.Chunks)
	require.Len(t, closes.all(), 1)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF, "Next stays at EOF")
}

func TestSession_ChunkDataAsEncodedString(t *testing.T) {
	events := make(chan pubsub.Event[Event], 2)
	s := openSession(t, events, Options{})

	events <- event(EventChunk, `"{\"type\":\"reasoning-delta\",\"id\":\"r\",\"delta\":\"x\"}"`)
	events <- event(EventChunk, `"{\"type\":\"abort\"}"`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{&chunk.ReasoningDelta{ID: "r", Delta: "x"}, &chunk.Abort{}}, got)

	outcome, _ := s.Outcome()
	require.Equal(t, ReasonAborted, outcome.Reason)
}

func TestSession_ChangedEvents(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := openSession(t, events, Options{})

	events <- event(EventChanged, `{"type":"start","chatId":"c1"}`)
	events <- event(EventChanged, `{"type":"title-updated","title":"Go"}`)
	events <- chunkEvent(`{"type":"text-start","id":"t"}`)
	events <- event(EventChanged, `{"type":"finish","chatId":"c1"}`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{&chunk.TextStart{ID: "t"}}, got)

	outcome, _ := s.Outcome()
	require.Equal(t, ReasonFinished, outcome.Reason)
}

func TestSession_ErrorEventFailsAfterQueuedChunks(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := openSession(t, events, Options{})

	events <- chunkEvent(`{"type":"text-start","id":"t"}`)
	events <- event(EventError, `"insufficient quota"`)

	got, err := collect(t, s)
	require.Equal(t, []chunk.Chunk{&chunk.TextStart{ID: "t"}}, got)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "insufficient quota", remote.Message)
	require.Equal(t, "c1", remote.ChatID)

	outcome, _ := s.Outcome()
	require.Equal(t, ReasonFailed, outcome.Reason)
}

func TestSession_InBandErrorChunkDoesNotClose(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := openSession(t, events, Options{})

	events <- chunkEvent(`{"type":"error","errorText":"tool crashed"}`)
	events <- chunkEvent(`{"type":"finish","finishReason":"error"}`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{
		&chunk.Error{ErrorText: "tool crashed"},
		&chunk.Finish{FinishReason: chunk.FinishError},
	}, got)
}

func TestSession_SyntheticDataChunks(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := openSession(t, events, Options{})

	events <- event(EventUsage, `{"usage":{"totalTokens":10},"usageRate":0.5}`)
	events <- chunkEvent(`{"type":"finish-step"}`)
	events <- event(EventStepFinish, `{"finishReason":"stop"}`)
	events <- chunkEvent(`{"type":"finish"}`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, got, 4)

	usage := got[0].(*chunk.Data)
	require.Equal(t, "data-usage", usage.Type())
	require.JSONEq(t, `{"usage":{"totalTokens":10},"usageRate":0.5}`, string(usage.Payload))
	require.Equal(t, &chunk.FinishStep{}, got[1])
	require.Equal(t, "data-step-finish", got[2].Type())

	v, ok, err := chunk.NewDecoders().Decode(usage)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10, v.(*chunk.Usage).Usage.TotalTokens)
}

func TestSession_InvalidChunkFails(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"unknown type", `{"type":"text-middle","id":"t"}`},
		{"missing field", `{"type":"text-delta","id":"t"}`},
		{"not an object", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := make(chan pubsub.Event[Event], 2)
			s := openSession(t, events, Options{})

			events <- chunkEvent(tt.payload)

			got, err := collect(t, s)
			require.Empty(t, got)
			var verr *chunk.ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, StateClosed, s.State())
		})
	}
}

func TestSession_CancelSendsAbortOnce(t *testing.T) {
	events := make(chan pubsub.Event[Event], 8)
	aborter := &fakeAborter{}
	closes := &closeRecorder{}
	s := openSession(t, events, Options{Aborter: aborter, OnClose: closes.record})

	events <- chunkEvent(`{"type":"text-start","id":"t"}`)
	c, err := s.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, &chunk.TextStart{ID: "t"}, c)

	require.NoError(t, s.Cancel(context.Background()))
	require.NoError(t, s.Cancel(context.Background()))
	require.Equal(t, 1, aborter.count())
	require.Equal(t, []string{"c1"}, aborter.calls)

	events <- chunkEvent(`{"type":"text-delta","id":"t","delta":"late"}`)
	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)

	outcomes := closes.all()
	require.Len(t, outcomes, 1)
	require.Equal(t, ReasonCancelled, outcomes[0].Reason)
	require.NoError(t, outcomes[0].Err)
}

func TestSession_CancelUnblocksFullQueue(t *testing.T) {
	events := make(chan pubsub.Event[Event], 8)
	s := openSession(t, events, Options{QueueSize: 1, Aborter: &fakeAborter{}})

	for i := 0; i < 5; i++ {
		events <- chunkEvent(fmt.Sprintf(`{"type":"text-delta","id":"t","delta":"%d"}`, i))
	}
	require.Eventually(t, func() bool { return len(events) <= 3 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Cancel(ctx))

	_, err := s.Next(context.Background())
	require.ErrorIs(t, err, io.EOF, "buffered chunks are discarded after cancel")
}

func TestSession_CancelAbortError(t *testing.T) {
	events := make(chan pubsub.Event[Event], 1)
	aborter := &fakeAborter{err: errors.New("engine gone")}
	s := openSession(t, events, Options{Aborter: aborter})

	require.ErrorContains(t, s.Cancel(context.Background()), "engine gone")

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "session did not close")
	}
	require.NoError(t, s.Cancel(context.Background()))
	require.Equal(t, 1, aborter.count())
}

func TestSession_CancelIdle(t *testing.T) {
	aborter := &fakeAborter{}
	s := New("c1", make(chan pubsub.Event[Event]), Options{Aborter: aborter})

	require.NoError(t, s.Cancel(context.Background()))
	require.Equal(t, StateClosed, s.State())
	require.Equal(t, 0, aborter.count(), "nothing to abort before start")
	require.ErrorIs(t, s.Open(context.Background(), nil), ErrClosed)
}

func TestSession_AbortEventCloses(t *testing.T) {
	events := make(chan pubsub.Event[Event], 2)
	s := openSession(t, events, Options{})

	events <- event(EventAbort, `{}`)

	got, err := collect(t, s)
	require.Empty(t, got)
	require.ErrorIs(t, err, io.EOF)
	outcome, _ := s.Outcome()
	require.Equal(t, ReasonAborted, outcome.Reason)
}

func TestSession_WorkflowMode(t *testing.T) {
	events := make(chan pubsub.Event[Event], 8)
	s := openSession(t, events, Options{Mode: ModeWorkflow})
	require.Equal(t, ModeWorkflow, s.Mode())

	events <- chunkEvent(`{"type":"workflow-start","runId":"r"}`)
	events <- chunkEvent(`{"type":"workflow-step-output","from":"AGENT","payload":{"output":{"type":"text-start","id":"hidden"}}}`)
	events <- chunkEvent(`{"type":"workflow-step-output","from":"USER","payload":{"output":{"type":"text-start","id":"t"}}}`)
	events <- chunkEvent(`{"type":"workflow-step-output","from":"USER","payload":{"output":{"type":"finish"}}}`)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{&chunk.TextStart{ID: "t"}, &chunk.Finish{}}, got)
}

func TestSession_OpenTwice(t *testing.T) {
	events := make(chan pubsub.Event[Event], 1)
	s := openSession(t, events, Options{})
	require.ErrorIs(t, s.Open(context.Background(), nil), ErrAlreadyOpen)
	require.NoError(t, s.Cancel(context.Background()))
}

func TestSession_OpenStartFailure(t *testing.T) {
	events := make(chan pubsub.Event[Event], 1)
	closes := &closeRecorder{}
	s := New("c1", events, Options{OnClose: closes.record})

	startErr := errors.New("engine unavailable")
	err := s.Open(context.Background(), func(context.Context) error { return startErr })
	require.ErrorIs(t, err, startErr)

	_, err = s.Next(context.Background())
	require.ErrorIs(t, err, startErr)

	require.Eventually(t, func() bool { return len(closes.all()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, ReasonFailed, closes.all()[0].Reason)
}

func TestSession_StartRunsAfterSubscribe(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := New("c1", events, Options{})

	err := s.Open(context.Background(), func(context.Context) error {
		// The engine answers before the start call returns.
		events <- chunkEvent(`{"type":"start","messageId":"m"}`)
		events <- chunkEvent(`{"type":"finish"}`)
		return nil
	})
	require.NoError(t, err)

	got, err := collect(t, s)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []chunk.Chunk{&chunk.Start{MessageID: "m"}, &chunk.Finish{}}, got)
}

func TestSession_NotificationChannelClosed(t *testing.T) {
	events := make(chan pubsub.Event[Event])
	s := openSession(t, events, Options{})
	close(events)

	_, err := collect(t, s)
	require.ErrorIs(t, err, errBusClosed)
}

func TestSession_NextHonorsContext(t *testing.T) {
	s := openSession(t, make(chan pubsub.Event[Event]), Options{})
	t.Cleanup(func() { _ = s.Cancel(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_All(t *testing.T) {
	events := make(chan pubsub.Event[Event], 4)
	s := openSession(t, events, Options{})

	events <- chunkEvent(`{"type":"start-step"}`)
	events <- chunkEvent(`{"type":"finish-step"}`)
	events <- event(EventError, `"boom"`)

	var types []string
	var final error
	for c, err := range s.All(context.Background()) {
		if err != nil {
			final = err
			break
		}
		types = append(types, c.Type())
	}
	require.Equal(t, []string{"start-step", "finish-step"}, types)
	require.EqualError(t, final, "boom")
}

func TestSession_ListenCmd(t *testing.T) {
	events := make(chan pubsub.Event[Event], 2)
	s := openSession(t, events, Options{})

	events <- chunkEvent(`{"type":"text-start","id":"t"}`)
	events <- chunkEvent(`{"type":"finish"}`)

	ctx := context.Background()
	msg := ListenCmd(ctx, s)()
	require.Equal(t, ChunkMsg{ChatID: "c1", Chunk: &chunk.TextStart{ID: "t"}}, msg)
	msg = ListenCmd(ctx, s)()
	require.Equal(t, ChunkMsg{ChatID: "c1", Chunk: &chunk.Finish{}}, msg)
	msg = ListenCmd(ctx, s)()
	require.Equal(t, DoneMsg{ChatID: "c1"}, msg)
}

func TestResume(t *testing.T) {
	s, err := Resume(context.Background(), "c1")
	require.Nil(t, s)
	require.ErrorIs(t, err, ErrReconnectUnsupported)
}

// TestSession_PreservesOrder checks that the chunks a consumer sees are
// exactly the valid chunk notifications, in arrival order, regardless of
// queue size and consumer speed.
func TestSession_PreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		queue := rapid.IntRange(1, 8).Draw(t, "queue")

		events := make(chan pubsub.Event[Event])
		s := New("c1", events, Options{QueueSize: queue})
		if err := s.Open(context.Background(), nil); err != nil {
			t.Fatalf("open: %v", err)
		}

		kinds := make([]int, n)
		want := make([]string, n)
		for i := range kinds {
			kinds[i] = rapid.IntRange(0, 2).Draw(t, "kind")
			want[i] = fmt.Sprintf("d%d", i)
		}

		go func() {
			for i, kind := range kinds {
				switch kind {
				case 0:
					events <- chunkEvent(fmt.Sprintf(`{"type":"text-delta","id":"t","delta":%q}`, want[i]))
				case 1:
					events <- chunkEvent(fmt.Sprintf(`{"type":"reasoning-delta","id":"r","delta":%q}`, want[i]))
				case 2:
					events <- event(EventUsage, fmt.Sprintf(`{"delta":%q}`, want[i]))
				}
			}
			events <- chunkEvent(`{"type":"finish"}`)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var got []string
		for {
			c, err := s.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			switch v := c.(type) {
			case *chunk.TextDelta:
				got = append(got, v.Delta)
			case *chunk.ReasoningDelta:
				got = append(got, v.Delta)
			case *chunk.Data:
				var p struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal(v.Payload, &p); err != nil {
					t.Fatalf("payload: %v", err)
				}
				got = append(got, p.Delta)
			case *chunk.Finish:
			default:
				t.Fatalf("unexpected chunk %T", c)
			}
		}

		if len(got) != len(want) {
			t.Fatalf("got %d chunks, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("chunk %d = %q, want %q", i, got[i], want[i])
			}
		}
	})
}
