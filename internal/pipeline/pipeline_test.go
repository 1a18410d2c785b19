package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"replybot/internal/domain"
)

// gatedProvider blocks every generation call until the gate is opened, then
// echoes the last prompt entry. Lets tests fill the queue deterministically.
type gatedProvider struct {
	gate    chan struct{}
	started chan struct{}
	mu      sync.Mutex
	calls   int
}

func newGatedProvider() *gatedProvider {
	return &gatedProvider{gate: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) GenerateResponse(_ context.Context, msgs []domain.ContextEntry, _ *domain.GenerateOptions) (string, error) {
	g.started <- struct{}{}
	<-g.gate
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if len(msgs) == 0 {
		return "", nil
	}
	return "echo " + msgs[len(msgs)-1].Content, nil
}

func (g *gatedProvider) AnalyzeIntent(context.Context, string) domain.IntentAnalysis {
	return domain.IntentAnalysis{}
}

func (g *gatedProvider) Healthy(context.Context) error { return nil }

type fakeSearcher struct {
	results []domain.SearchResult
	err     error
	queries []string
}

func (f *fakeSearcher) FetchSearchResults(_ context.Context, query string) ([]domain.SearchResult, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func inMsg(id, content string) domain.InboundMessage {
	return domain.InboundMessage{
		ID:         id,
		Transport:  "fake",
		ChannelID:  "chan-1",
		AuthorID:   "bob-id",
		AuthorName: "bob",
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func newTestPipeline(p domain.Provider, tr domain.Transport, opts ...func(*Deps)) *Pipeline {
	deps := Deps{
		Provider:   p,
		Transports: map[string]domain.Transport{"fake": tr},
		Logger:     testLogger(),
	}
	for _, o := range opts {
		o(&deps)
	}
	return New(Config{}, deps)
}

func waitIdle(t *testing.T, p *Pipeline) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.queue.Size() == 0 && !p.queue.Processing() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pipeline did not go idle in time")
}

func TestHandleInbound_BusyNoticeWhenQueueFull(t *testing.T) {
	provider := newGatedProvider()
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	ctx := context.Background()
	p.HandleInbound(ctx, inMsg("m1", "first"))
	<-provider.started // worker holds message one

	// Four more fill the queue; the sixth must bounce.
	for i := 2; i <= 5; i++ {
		p.HandleInbound(ctx, inMsg("m"+strings.Repeat("i", i), "queued"))
	}
	if p.queue.Size() != 4 {
		t.Fatalf("queue size = %d, want 4", p.queue.Size())
	}
	p.HandleInbound(ctx, inMsg("m6", "overflow"))

	replies := tr.repliesCopy()
	if len(replies) != 1 || replies[0] != busyReply {
		t.Fatalf("expected one busy notice, got %v", replies)
	}

	close(provider.gate)
	waitIdle(t, p)

	var echoed int
	for _, s := range tr.sentCopy() {
		if strings.HasPrefix(s, "echo ") {
			echoed++
		}
	}
	if echoed != 5 {
		t.Fatalf("expected 5 processed responses, got %d", echoed)
	}
}

func TestProcess_ContextOrderedUserThenReply(t *testing.T) {
	provider := newGatedProvider()
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	ctx := context.Background()
	p.HandleInbound(ctx, inMsg("m1", "first"))
	<-provider.started // worker holds message one inside generation

	// Arrives mid-processing: it may only be enqueued, and its user entry
	// must still land in the channel context before the reply it triggers.
	p.HandleInbound(ctx, inMsg("m2", "second"))

	close(provider.gate)
	waitIdle(t, p)

	entries := p.contexts.Get("chan-1")
	want := []domain.ContextEntry{
		{Role: "user", Content: "bob: first"},
		{Role: "assistant", Content: "echo bob: first"},
		{Role: "user", Content: "bob: second"},
		{Role: "assistant", Content: "echo bob: second"},
	}
	if len(entries) != len(want) {
		t.Fatalf("context entries = %+v", entries)
	}
	for i, w := range want {
		if entries[i] != w {
			t.Fatalf("entry %d = %+v, want %+v", i, entries[i], w)
		}
	}
}

func TestHandleInbound_ProcessesStrictlySequentially(t *testing.T) {
	provider := newGatedProvider()
	close(provider.gate) // never block, just count
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p.HandleInbound(ctx, inMsg(strings.Repeat("m", i+1), "hello"))
	}
	waitIdle(t, p)

	sent := tr.sentCopy()
	if len(sent) != 3 {
		t.Fatalf("sent %d messages, want 3", len(sent))
	}
}

func TestHandleInbound_ProviderNotReadyNothingEnqueued(t *testing.T) {
	provider := &fakeProvider{healthErr: errors.New("still loading")}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	p.HandleInbound(context.Background(), inMsg("m1", "hi"))

	replies := tr.repliesCopy()
	if len(replies) != 1 || replies[0] != notReadyReply {
		t.Fatalf("expected not-ready notice, got %v", replies)
	}
	if p.queue.Size() != 0 {
		t.Fatal("message must not be enqueued while the provider is down")
	}
}

func TestHandleInbound_IgnoresBotMessages(t *testing.T) {
	provider := &fakeProvider{}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	msg := inMsg("m1", "hi")
	msg.FromBot = true
	p.HandleInbound(context.Background(), msg)

	if p.queue.Size() != 0 || len(tr.sentCopy()) != 0 {
		t.Fatal("bot messages must be dropped outright")
	}
}

func TestProcess_ToolDecisionDispatchesFormattedResult(t *testing.T) {
	provider := &fakeProvider{
		responses: []string{`{"useMcp": true, "mcpName": "calc", "toolName": "eval", "args": {"expr": "2+2"}}`},
	}
	exec := &fakeExecutor{
		tools:  []domain.ToolInfo{{Server: "calc", Name: "eval"}},
		result: domain.ToolResult{Success: true, Result: "4"},
	}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr, func(d *Deps) { d.Tools = exec })

	p.HandleInbound(context.Background(), inMsg("m1", "what is 2+2"))
	waitIdle(t, p)

	sent := tr.sentCopy()
	if len(sent) != 1 || !strings.HasPrefix(sent[0], "✅ ") {
		t.Fatalf("tool result not dispatched: %v", sent)
	}
	if len(exec.calls) != 1 || exec.calls[0] != "calc.eval" {
		t.Fatalf("executor calls = %v", exec.calls)
	}
}

func TestProcess_SearchResultsFormattedTopThree(t *testing.T) {
	provider := &fakeProvider{intent: searchIntent("go", "news")}
	search := &fakeSearcher{results: []domain.SearchResult{
		{Title: "One", Link: "https://a", Description: "first"},
		{Title: "Two", Link: "https://b", Description: "second"},
		{Title: "Three", Link: "https://c", Description: "third"},
		{Title: "Four", Link: "https://d", Description: "fourth"},
	}}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr, func(d *Deps) { d.Search = search })

	p.HandleInbound(context.Background(), inMsg("m1", "search go news"))
	waitIdle(t, p)

	sent := tr.sentCopy()
	if len(sent) != 1 {
		t.Fatalf("sent = %v", sent)
	}
	if len(search.queries) != 1 || search.queries[0] != "go news" {
		t.Fatalf("queries = %v", search.queries)
	}
	for _, want := range []string{"**One**", "first", "https://a", "**Three**"} {
		if !strings.Contains(sent[0], want) {
			t.Fatalf("reply missing %q: %q", want, sent[0])
		}
	}
	if strings.Contains(sent[0], "Four") {
		t.Fatal("only the top three results may be shown")
	}
}

func TestProcess_EmptySearchFallsBackToDirect(t *testing.T) {
	provider := &fakeProvider{
		intent:    searchIntent("nothing"),
		responses: []string{"direct answer instead"},
	}
	search := &fakeSearcher{} // zero results
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr, func(d *Deps) { d.Search = search })

	p.HandleInbound(context.Background(), inMsg("m1", "find nothing"))
	waitIdle(t, p)

	sent := tr.sentCopy()
	if len(sent) != 1 || sent[0] != "direct answer instead" {
		t.Fatalf("expected direct fallback, got %v", sent)
	}
}

func TestProcess_GenerationFailureSendsApology(t *testing.T) {
	provider := &fakeProvider{err: errors.New("model crashed")}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	p.HandleInbound(context.Background(), inMsg("m1", "hi"))
	waitIdle(t, p)

	replies := tr.repliesCopy()
	if len(replies) != 1 || replies[0] != apologyReply {
		t.Fatalf("expected apology, got %v", replies)
	}
}

func TestProcessDirect_StripsTraceAndRecordsContext(t *testing.T) {
	provider := &fakeProvider{responses: []string{"<think>internal</think>hello there"}}
	p := newTestPipeline(provider, &fakeTransport{})

	got := p.ProcessDirect(context.Background(), inMsg("m1", "hi"))
	if got != "hello there" {
		t.Fatalf("reply = %q", got)
	}

	entries := p.contexts.Get("chan-1")
	last := entries[len(entries)-1]
	if last.Role != "assistant" || last.Content != "hello there" {
		t.Fatalf("reply not recorded in channel context: %+v", last)
	}
}

func TestHandleCommand_ModelCommandUnsupportedProvider(t *testing.T) {
	provider := &fakeProvider{}
	tr := &fakeTransport{}
	p := newTestPipeline(provider, tr)

	p.HandleInbound(context.Background(), inMsg("m1", "!model list"))

	replies := tr.repliesCopy()
	if len(replies) != 1 || !strings.Contains(replies[0], "does not support") {
		t.Fatalf("replies = %v", replies)
	}
	if p.queue.Size() != 0 {
		t.Fatal("commands must not enter the queue")
	}
}
