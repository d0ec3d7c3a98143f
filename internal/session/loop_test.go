package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/chatrelay/internal/transcript"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

// lenCounter is a deterministic stand-in for the BPE tokenizer.
type lenCounter struct{}

func (lenCounter) Count(text string) int { return len(text) }

// fakeTransport scripts the chat server: events and transport errors are fed
// through channels, published messages are captured.
type fakeTransport struct {
	mu       sync.Mutex
	connects int

	events    chan types.ChatEvent
	nextErrs  chan error
	published chan string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:    make(chan types.ChatEvent, 64),
		nextErrs:  make(chan error, 8),
		published: make(chan string, 64),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) Self() string { return "@bot" }

func (f *fakeTransport) Next(ctx context.Context) (types.ChatEvent, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case err := <-f.nextErrs:
		return types.ChatEvent{}, err
	case <-ctx.Done():
		return types.ChatEvent{}, ctx.Err()
	}
}

func (f *fakeTransport) Publish(ctx context.Context, room, text string) error {
	f.published <- text
	return nil
}

func (f *fakeTransport) Close() error { return nil }

// fakeProvider delegates to a configurable function.
type fakeProvider struct {
	fn func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error)
}

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	return p.fn(ctx, req)
}

// lastHuman extracts the body of the newest user turn from a rendered
// prompt, so replies can be matched back to their triggering events.
func lastHuman(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(lines[i], transcript.DefaultUserLabel) {
			return strings.TrimSpace(strings.TrimPrefix(lines[i], transcript.DefaultUserLabel))
		}
	}
	return ""
}

func echoProvider() *fakeProvider {
	return &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		return &llm.Completion{Text: "re:" + lastHuman(req.Prompt)}, nil
	}}
}

func newTestLoop(tr Transport, pr llm.Provider, opts Options) *Loop {
	if opts.Room == "" {
		opts.Room = "42"
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = Backoff{Initial: 10 * time.Millisecond, Multiplier: 1.0, Max: 10 * time.Millisecond}
	}
	buf := transcript.NewBuffer(lenCounter{}, 10, 0, "You are a test bot.")
	r := transcript.NewRenderer("", "")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(tr, pr, buf, r, opts, log)
}

func chatEvent(id, body string) types.ChatEvent {
	return types.ChatEvent{
		ID:        types.EventID(id),
		Room:      "42",
		Sender:    "@alice",
		Body:      body,
		Kind:      types.KindMessage,
		Timestamp: time.Now().Add(time.Hour),
	}
}

func awaitPublished(t *testing.T, tr *fakeTransport, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		select {
		case msg := <-tr.published:
			out = append(out, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for publish %d of %d (got %v)", len(out)+1, n, out)
		}
	}
	return out
}

func assertNoPublish(t *testing.T, tr *fakeTransport, within time.Duration) {
	t.Helper()
	select {
	case msg := <-tr.published:
		t.Fatalf("unexpected publish %q", msg)
	case <-time.After(within):
	}
}

func awaitState(t *testing.T, l *Loop, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if l.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for state %v, still %v", want, l.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLoopRepliesInArrivalOrder(t *testing.T) {
	tr := newFakeTransport()

	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	var calls int32
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		started <- struct{}{}
		if atomic.AddInt32(&calls, 1) == 1 {
			<-gate
		}
		return &llm.Completion{Text: "re:" + lastHuman(req.Prompt)}, nil
	}}

	l := newTestLoop(tr, pr, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	<-started // first generation in flight

	// Three more arrive while generating; they must queue in order.
	tr.events <- chatEvent("2", "two")
	tr.events <- chatEvent("3", "three")
	tr.events <- chatEvent("4", "four")
	time.Sleep(100 * time.Millisecond)
	close(gate)

	got := awaitPublished(t, tr, 4)
	want := []string{"re:one", "re:two", "re:three", "re:four"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reply order mismatch: got %v, want %v", got, want)
		}
	}

	cancel()
	<-done
}

func TestLoopBackendTimeoutNoticesAndRecovers(t *testing.T) {
	tr := newFakeTransport()
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		return nil, fmt.Errorf("%w: deadline exceeded", llm.ErrBackendTimeout)
	}}

	l := newTestLoop(tr, pr, Options{FailureNotice: "generation failed, sorry"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	tr.events <- chatEvent("2", "two")
	tr.events <- chatEvent("3", "three")

	got := awaitPublished(t, tr, 3)
	for i, msg := range got {
		if msg != "generation failed, sorry" {
			t.Errorf("publish %d: expected failure notice, got %q", i, msg)
		}
	}
	// Exactly one notice per event, and the loop is back in Syncing.
	assertNoPublish(t, tr, 200*time.Millisecond)
	awaitState(t, l, StateSyncing)

	cancel()
	<-done
}

func TestLoopReconnectsAfterTransportError(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLoop(tr, echoProvider(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	got := awaitPublished(t, tr, 1)
	if got[0] != "re:one" {
		t.Fatalf("expected re:one, got %q", got[0])
	}

	tr.nextErrs <- fmt.Errorf("connection reset")

	deadline := time.After(2 * time.Second)
	for tr.connectCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	awaitState(t, l, StateSyncing)

	// The server replays the already-answered event; it must not produce a
	// second reply.
	tr.events <- chatEvent("1", "one")
	tr.events <- chatEvent("2", "two")

	got = awaitPublished(t, tr, 1)
	if got[0] != "re:two" {
		t.Fatalf("expected re:two after reconnect, got %q", got[0])
	}
	assertNoPublish(t, tr, 200*time.Millisecond)

	cancel()
	<-done
}

func TestLoopReleasesGenerationContext(t *testing.T) {
	tr := newFakeTransport()
	ctxCh := make(chan context.Context, 1)
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		ctxCh <- ctx
		return &llm.Completion{Text: "ok"}, nil
	}}

	l := newTestLoop(tr, pr, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	awaitPublished(t, tr, 1)

	// A completed generation must release its per-generation context; a
	// long-running daemon would otherwise accumulate one per message.
	genCtx := <-ctxCh
	select {
	case <-genCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("generation context still alive after the reply was published")
	}

	cancel()
	<-done
}

func TestLoopTransportErrorRequeuesInFlightGeneration(t *testing.T) {
	tr := newFakeTransport()

	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	var mu sync.Mutex
	var prompts []string
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		started <- struct{}{}
		select {
		case <-gate:
			return &llm.Completion{Text: "re:" + lastHuman(req.Prompt)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}

	l := newTestLoop(tr, pr, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	<-started // generation in flight

	// The connection drops mid-generation: the generation is cancelled and
	// its event re-queued for after the reconnect.
	tr.nextErrs <- fmt.Errorf("connection reset")

	deadline := time.After(2 * time.Second)
	for tr.connectCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	<-started // the re-queued event restarted generating
	close(gate)

	got := awaitPublished(t, tr, 1)
	if got[0] != "re:one" {
		t.Fatalf("expected re:one after reconnect, got %q", got[0])
	}
	// Exactly one reply for the interrupted event.
	assertNoPublish(t, tr, 200*time.Millisecond)

	// The event's user turn was recorded before the interruption and must
	// not be recorded again on the retry.
	mu.Lock()
	if len(prompts) != 2 {
		mu.Unlock()
		t.Fatalf("expected 2 generation attempts, got %d", len(prompts))
	}
	retry := prompts[1]
	mu.Unlock()
	turn := transcript.DefaultUserLabel + " one\n"
	if n := strings.Count(retry, turn); n != 1 {
		t.Errorf("expected exactly 1 user turn for the event, found %d in:\n%s", n, retry)
	}

	cancel()
	<-done
}

func TestLoopShutdownCancelsInFlightGeneration(t *testing.T) {
	tr := newFakeTransport()
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	l := newTestLoop(tr, pr, Options{ShutdownGrace: 500 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	time.Sleep(100 * time.Millisecond) // let the generation start
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop within grace period")
	}

	if l.State() != StateStopped {
		t.Errorf("expected Stopped, got %v", l.State())
	}
	// A cancelled generation never publishes a partial result.
	assertNoPublish(t, tr, 100*time.Millisecond)
}

func TestLoopPendingQueueCapacity(t *testing.T) {
	tr := newFakeTransport()

	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	var calls int32
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		started <- struct{}{}
		if atomic.AddInt32(&calls, 1) == 1 {
			<-gate
		}
		return &llm.Completion{Text: "re:" + lastHuman(req.Prompt)}, nil
	}}

	l := newTestLoop(tr, pr, Options{MaxPending: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "one")
	<-started

	tr.events <- chatEvent("2", "two")
	tr.events <- chatEvent("3", "three")
	tr.events <- chatEvent("4", "four") // overflows: "two" is dropped
	time.Sleep(100 * time.Millisecond)
	close(gate)

	got := awaitPublished(t, tr, 3)
	want := []string{"re:one", "re:three", "re:four"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	assertNoPublish(t, tr, 200*time.Millisecond)

	cancel()
	<-done
}

func TestLoopMentionGating(t *testing.T) {
	tr := newFakeTransport()

	var mu sync.Mutex
	var prompts []string
	pr := &fakeProvider{fn: func(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return &llm.Completion{Text: "hello yourself"}, nil
	}}

	l := newTestLoop(tr, pr, Options{RequireMention: true})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	tr.events <- chatEvent("1", "just chatting with carol")
	tr.events <- chatEvent("2", "hey @bot say hello")

	got := awaitPublished(t, tr, 1)
	if got[0] != "hello yourself" {
		t.Fatalf("unexpected reply %q", got[0])
	}
	assertNoPublish(t, tr, 200*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(prompts) != 1 {
		t.Fatalf("expected exactly 1 generation, got %d", len(prompts))
	}
	// Non-triggering room chatter is still part of the context.
	if !strings.Contains(prompts[0], "just chatting with carol") {
		t.Errorf("prompt missing recorded non-mention turn:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "hey @bot say hello") {
		t.Errorf("prompt missing triggering turn:\n%s", prompts[0])
	}

	cancel()
	<-done
}

func TestLoopInject(t *testing.T) {
	tr := newFakeTransport()
	l := newTestLoop(tr, echoProvider(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Wait for the session to come up before injecting.
	awaitState(t, l, StateSyncing)

	if err := l.Inject("task:morning", "good morning everyone"); err != nil {
		t.Fatal(err)
	}

	got := awaitPublished(t, tr, 1)
	if got[0] != "re:good morning everyone" {
		t.Fatalf("unexpected reply %q", got[0])
	}

	cancel()
	<-done
}
