// internal/session/loop.go
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/chatrelay/internal/transcript"
	"github.com/user/chatrelay/internal/types"
	"github.com/user/chatrelay/pkg/llm"
)

// Options configure a Loop.
type Options struct {
	// Room is the single room this session serves.
	Room string
	// RequireMention gates generation on messages that name the bot.
	RequireMention bool
	// MaxPending bounds the queue of events accepted while a generation is
	// in flight. Zero means DefaultMaxPending.
	MaxPending int
	// Backoff is the reconnect delay policy. Zero value means DefaultBackoff.
	Backoff Backoff
	// FailureNotice is posted to the room when a generation fails. Empty
	// disables the notice.
	FailureNotice string
	// ShutdownGrace bounds how long shutdown waits for an in-flight
	// generation to observe cancellation. Zero means DefaultShutdownGrace.
	ShutdownGrace time.Duration
	// SeenWindow bounds the duplicate-suppression window of processed event
	// IDs kept across reconnects. Zero means DefaultSeenWindow.
	SeenWindow int
	// MaxTokens and Temperature are the sampling parameters sent with every
	// completion request.
	MaxTokens   int
	Temperature float32
	// Stop overrides the renderer-derived stop sequences when non-nil.
	Stop []string
}

const (
	DefaultMaxPending    = 16
	DefaultShutdownGrace = 5 * time.Second
	DefaultSeenWindow    = 256
)

// genResult is what a generation goroutine reports back to the loop.
type genResult struct {
	seq   uint64
	event types.ChatEvent
	text  string
	err   error
}

// Loop owns the live chat session. It drives the receive -> filter ->
// buffer -> generate -> publish pipeline as a single-goroutine state
// machine: the transcript buffer, pending queue, and session state are
// touched only on the loop goroutine, and at most one generation is in
// flight at any time. Replies are published in the order their triggering
// events were accepted.
type Loop struct {
	transport Transport
	provider  llm.Provider
	buffer    *transcript.Buffer
	renderer  *transcript.Renderer
	opts      Options
	log       *slog.Logger

	state  atomic.Int32
	filter Filter
	queue  *fifo

	// injectCh carries locally originated prompts (scheduler, webhook).
	injectCh chan types.ChatEvent

	// connection-scoped event pump
	events     chan types.ChatEvent
	errs       chan error
	pumpCancel context.CancelFunc

	// in-flight generation
	genCh     chan genResult
	genCancel context.CancelFunc
	genSeq    uint64
	current   *pending

	// duplicate suppression across reconnects
	seen      map[types.EventID]struct{}
	seenOrder []types.EventID
}

// New creates a Loop. The buffer and renderer are owned by the loop from
// this point on.
func New(t Transport, p llm.Provider, buf *transcript.Buffer, r *transcript.Renderer, opts Options, log *slog.Logger) *Loop {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.SeenWindow <= 0 {
		opts.SeenWindow = DefaultSeenWindow
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Stop == nil {
		opts.Stop = r.StopSequences()
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Loop{
		transport: t,
		provider:  p,
		buffer:    buf,
		renderer:  r,
		opts:      opts,
		log:       log,
		queue:     newFIFO(opts.MaxPending),
		injectCh:  make(chan types.ChatEvent, 8),
		genCh:     make(chan genResult, 1),
		seen:      make(map[types.EventID]struct{}),
	}
	l.state.Store(int32(StateDisconnected))
	return l
}

// State reports the loop's current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Inject feeds a locally generated prompt (scheduled task, webhook trigger)
// into the pipeline as if it had arrived from the room. Safe for concurrent
// use. Returns an error when the session cannot take the prompt right now.
func (l *Loop) Inject(sender, prompt string) error {
	ev := types.ChatEvent{
		ID:        types.NewEventID(),
		Room:      l.opts.Room,
		Sender:    sender,
		Body:      prompt,
		Kind:      types.KindMessage,
		Timestamp: time.Now(),
	}
	select {
	case l.injectCh <- ev:
		return nil
	default:
		return fmt.Errorf("session busy, prompt dropped")
	}
}

// Run drives the session until ctx is cancelled. It never returns on
// transport or backend failures; those feed the backoff and notice paths.
func (l *Loop) Run(ctx context.Context) error {
	since := time.Now()
	attempt := 0

	for {
		switch l.State() {
		case StateDisconnected, StateConnecting:
			l.setState(StateConnecting)
			if err := l.transport.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return l.stop(ctx)
				}
				l.log.Error("connect failed", "error", err)
				l.setState(StateBackoff)
				continue
			}
			l.filter = Filter{
				Self:           l.transport.Self(),
				Room:           l.opts.Room,
				Since:          since,
				RequireMention: l.opts.RequireMention,
			}
			l.startPump(ctx)
			attempt = 0
			l.setState(StateSyncing)
			l.log.Info("session established", "self", l.filter.Self, "room", l.opts.Room)
			// Resume work interrupted by a reconnect.
			l.startNext(ctx)

		case StateBackoff:
			attempt++
			delay := l.opts.Backoff.Delay(attempt)
			l.log.Info("backing off", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
				l.setState(StateConnecting)
			case <-ctx.Done():
				return l.stop(ctx)
			}

		case StateSyncing, StateGenerating:
			select {
			case ev := <-l.events:
				l.handleEvent(ctx, ev)
			case ev := <-l.injectCh:
				l.enqueue(ctx, pending{event: ev})
			case err := <-l.errs:
				l.handleTransportError(err)
			case res := <-l.genCh:
				l.finishGeneration(ctx, res)
			case <-ctx.Done():
				return l.stop(ctx)
			}

		case StateStopped:
			return nil
		}
	}
}

// startPump replaces the connection-scoped receive goroutine. The pump
// forwards events until Next fails, then reports the error once and exits.
func (l *Loop) startPump(ctx context.Context) {
	if l.pumpCancel != nil {
		l.pumpCancel()
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	l.pumpCancel = cancel
	events := make(chan types.ChatEvent, l.opts.MaxPending)
	errs := make(chan error, 1)
	l.events = events
	l.errs = errs

	go func() {
		for {
			ev, err := l.transport.Next(pumpCtx)
			if err != nil {
				if pumpCtx.Err() == nil {
					errs <- err
				}
				return
			}
			select {
			case events <- ev:
			case <-pumpCtx.Done():
				return
			}
		}
	}()
}

func (l *Loop) handleEvent(ctx context.Context, ev types.ChatEvent) {
	if !l.filter.Accept(ev) {
		l.log.Debug("event filtered", "event_id", ev.ID, "kind", ev.Kind, "sender", ev.Sender)
		return
	}
	if l.isSeen(ev.ID) {
		l.log.Debug("duplicate event ignored", "event_id", ev.ID)
		return
	}
	l.markSeen(ev.ID)
	if !l.filter.Triggers(ev) {
		// Part of the conversation, just not addressed to us.
		l.buffer.Append(transcript.Turn{Role: transcript.RoleUser, Text: ev.Body})
		return
	}
	l.enqueue(ctx, pending{event: ev})
}

// enqueue starts a generation for the event, or queues it when one is
// already in flight.
func (l *Loop) enqueue(ctx context.Context, p pending) {
	if l.State() == StateGenerating {
		if dropped, evicted := l.queue.push(p); evicted {
			l.log.Warn("pending queue full, dropping oldest event",
				"dropped_event_id", dropped.event.ID, "max_pending", l.opts.MaxPending)
		}
		return
	}
	l.startGeneration(ctx, p)
}

func (l *Loop) startGeneration(ctx context.Context, p pending) {
	if !p.recorded {
		l.buffer.Append(transcript.Turn{Role: transcript.RoleUser, Text: p.event.Body})
		p.recorded = true
	}

	prompt, err := l.renderer.Render(l.buffer.Snapshot())
	if err != nil {
		if errors.Is(err, transcript.ErrNoUserContent) {
			// Nothing to respond to; expected and benign.
			l.setState(StateSyncing)
			l.startNext(ctx)
			return
		}
		l.log.Error("render failed", "event_id", p.event.ID, "error", err)
		l.setState(StateSyncing)
		l.startNext(ctx)
		return
	}

	l.setState(StateGenerating)
	l.current = &p
	l.genSeq++
	seq := l.genSeq

	genCtx, cancel := context.WithCancel(ctx)
	l.genCancel = cancel

	req := llm.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   l.opts.MaxTokens,
		Temperature: l.opts.Temperature,
		Stop:        l.opts.Stop,
	}

	l.setTyping(ctx, true)
	go func() {
		completion, err := l.provider.Complete(genCtx, req)
		res := genResult{seq: seq, event: p.event, err: err}
		if err == nil {
			res.text = completion.Text
		}
		l.genCh <- res
	}()
}

func (l *Loop) finishGeneration(ctx context.Context, res genResult) {
	if res.seq != l.genSeq {
		// Result of a generation cancelled by a reconnect; its event is
		// already re-queued.
		return
	}
	if l.genCancel != nil {
		// The generation goroutine has already reported; release its context
		// so it does not accumulate in the parent for the daemon's lifetime.
		l.genCancel()
		l.genCancel = nil
	}
	l.current = nil
	l.setTyping(ctx, false)

	switch {
	case res.err == nil:
		l.buffer.Append(transcript.Turn{Role: transcript.RoleAssistant, Text: res.text})
		if err := l.transport.Publish(ctx, l.opts.Room, res.text); err != nil {
			l.log.Error("publish failed", "event_id", res.event.ID, "error", err)
		}
	case errors.Is(res.err, context.Canceled):
		// Shutdown or reconnect; never publish a partial result.
		l.log.Debug("generation cancelled", "event_id", res.event.ID)
	default:
		l.log.Error("generation failed", "event_id", res.event.ID, "error", res.err)
		if l.opts.FailureNotice != "" {
			if err := l.transport.Publish(ctx, l.opts.Room, l.opts.FailureNotice); err != nil {
				l.log.Error("failure notice publish failed", "error", err)
			}
		}
	}

	l.setState(StateSyncing)
	l.startNext(ctx)
}

// startNext pops the pending queue when the loop is idle in Syncing.
func (l *Loop) startNext(ctx context.Context) {
	if l.State() != StateSyncing {
		return
	}
	if p, ok := l.queue.pop(); ok {
		l.startGeneration(ctx, p)
	}
}

func (l *Loop) handleTransportError(err error) {
	l.log.Warn("transport error", "state", l.State(), "error", err)
	if l.pumpCancel != nil {
		l.pumpCancel()
		l.pumpCancel = nil
	}
	if l.genCancel != nil {
		l.genCancel()
		l.genCancel = nil
		// The reply could not be delivered anyway; reprocess the event
		// after reconnecting. Its user turn stays recorded.
		if l.current != nil {
			l.queue.pushFront(*l.current)
			l.current = nil
		}
		l.genSeq++ // invalidate the cancelled generation's result
	}
	l.setState(StateBackoff)
}

// stop releases the transport after cancelling any in-flight generation,
// waiting out a bounded grace period.
func (l *Loop) stop(ctx context.Context) error {
	if l.genCancel != nil {
		l.genCancel()
		l.genCancel = nil
		select {
		case <-l.genCh:
		case <-time.After(l.opts.ShutdownGrace):
			l.log.Warn("generation did not stop within grace period")
		}
	}
	if l.pumpCancel != nil {
		l.pumpCancel()
		l.pumpCancel = nil
	}
	if err := l.transport.Close(); err != nil {
		l.log.Error("transport close failed", "error", err)
	}
	l.setState(StateStopped)
	l.log.Info("session stopped")
	return nil
}

func (l *Loop) setTyping(ctx context.Context, active bool) {
	if tn, ok := l.transport.(TypingNotifier); ok {
		tn.Typing(ctx, l.opts.Room, active)
	}
}

func (l *Loop) isSeen(id types.EventID) bool {
	_, ok := l.seen[id]
	return ok
}

func (l *Loop) markSeen(id types.EventID) {
	if len(l.seenOrder) >= l.opts.SeenWindow {
		oldest := l.seenOrder[0]
		l.seenOrder = l.seenOrder[1:]
		delete(l.seen, oldest)
	}
	l.seen[id] = struct{}{}
	l.seenOrder = append(l.seenOrder, id)
}
