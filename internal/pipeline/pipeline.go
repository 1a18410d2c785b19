package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"replybot/internal/domain"
	"replybot/internal/metrics"
)

const (
	busyReply        = "I'm busy right now. Ask me again in a moment, what was it?"
	notReadyReply    = "Hold on, the model is still loading. Try again shortly."
	apologyReply     = "Sorry, something went wrong while processing your message."
	maxSearchReplies = 3
)

// Config tunes the pipeline. Zero values fall back to the documented
// defaults (queue 4, context 5, reasoner 5 iterations, pacing 500 ms).
type Config struct {
	QueueCapacity    int
	ContextSize      int
	MaxIterations    int
	ChunkPacing      time.Duration
	Build            BuildConfig
	SummarizeContext bool
}

// Pipeline owns the whole per-message flow and all of its state: the bounded
// queue, the processing latch, and the channel context map live here, not in
// package-level singletons. One Pipeline instance serves the process.
type Pipeline struct {
	provider   domain.Provider
	search     domain.Searcher
	memory     domain.MemoryStore
	tools      domain.ToolExecutor
	transports map[string]domain.Transport

	queue      *RequestQueue
	contexts   *ContextStore
	builder    *ContextBuilder
	decisions  *DecisionEngine
	reasoner   *Reasoner
	dispatcher *Dispatcher

	buildCfg  BuildConfig
	summarize bool
	logger    *slog.Logger

	processed *metrics.Counter
	rejected  *metrics.Counter
	failures  *metrics.Counter
}

// Deps are the collaborators the pipeline consumes. Provider is required;
// the rest degrade gracefully when nil.
type Deps struct {
	Provider   domain.Provider
	Search     domain.Searcher
	Memory     domain.MemoryStore
	Tools      domain.ToolExecutor
	Transports map[string]domain.Transport
	Logger     *slog.Logger
}

func New(cfg Config, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	build := cfg.Build
	if build == (BuildConfig{}) {
		build = DefaultBuildConfig()
	}

	return &Pipeline{
		provider:   deps.Provider,
		search:     deps.Search,
		memory:     deps.Memory,
		tools:      deps.Tools,
		transports: deps.Transports,
		queue:      NewRequestQueue(cfg.QueueCapacity, logger),
		contexts:   NewContextStore(cfg.ContextSize),
		builder:    NewContextBuilder(logger),
		decisions:  NewDecisionEngine(deps.Provider, deps.Tools, logger),
		reasoner: NewReasoner(ReasonerConfig{
			Provider:      deps.Provider,
			Tools:         deps.Tools,
			Memory:        deps.Memory,
			MaxIterations: cfg.MaxIterations,
			Logger:        logger,
		}),
		dispatcher: NewDispatcher(cfg.ChunkPacing, logger),
		buildCfg:   build,
		summarize:  cfg.SummarizeContext,
		logger:     logger,
		processed:  metrics.Collector.Counter("replybot_messages_processed_total", "Messages fully processed", ""),
		rejected:   metrics.Collector.Counter("replybot_queue_rejections_total", "Messages rejected because the queue was full", ""),
		failures:   metrics.Collector.Counter("replybot_pipeline_failures_total", "Messages that ended in the apology path", ""),
	}
}

// Run consumes inbound messages from the bus until ctx is done.
func (p *Pipeline) Run(ctx context.Context, bus domain.MessageBus) {
	p.logger.Info("pipeline started", "queue_capacity", p.queue.Capacity())
	inbound := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				p.logger.Info("inbound bus closed, pipeline stopping")
				return
			}
			p.HandleInbound(ctx, msg)
		}
	}
}

// HandleInbound admits one message: enqueue (or reject with a busy notice)
// and kick the single-consumer drain. Processing itself is asynchronous and
// strictly sequential; a message arriving mid-processing is only enqueued.
func (p *Pipeline) HandleInbound(ctx context.Context, msg domain.InboundMessage) {
	if msg.FromBot {
		return
	}

	transport, ok := p.transports[msg.Transport]
	if !ok {
		p.logger.Warn("message from unknown transport dropped", "transport", msg.Transport)
		return
	}

	if p.handleCommand(ctx, transport, msg) {
		return
	}

	if err := p.provider.Healthy(ctx); err != nil {
		p.logger.Warn("provider not ready, message not enqueued", "err", err)
		p.sendNotice(ctx, transport, msg, notReadyReply)
		return
	}

	if !p.queue.Enqueue(msg) {
		p.rejected.Inc()
		p.sendNotice(ctx, transport, msg, busyReply)
		return
	}
	metrics.QueueDepth.Set(int64(p.queue.Size()))

	go p.queue.Drain(ctx, p.processOne)
}

// ProcessDirect runs the pipeline synchronously for one message and returns
// the response text. Used by the CLI chat command.
func (p *Pipeline) ProcessDirect(ctx context.Context, msg domain.InboundMessage) string {
	p.contexts.Update(msg, nil)
	response, err := p.respond(ctx, msg)
	if err != nil {
		p.logger.Error("direct processing failed", "err", err)
		return apologyReply
	}
	clean, _ := ExtractTrace(response)
	p.contexts.RecordReply(msg.ChannelID, clean)
	return clean
}

// processOne is the queue worker: decide, generate, dispatch. Any uncaught
// failure collapses into a single apology message; the queue latch is
// released by Drain regardless, so one bad message never stalls the process.
func (p *Pipeline) processOne(ctx context.Context, msg domain.InboundMessage) {
	start := time.Now()
	transport := p.transports[msg.Transport]

	if act, ok := transport.(domain.ActivitySetter); ok {
		act.SetActivity("responding")
		defer act.SetActivity("watching")
	}

	defer func() {
		if r := recover(); r != nil {
			p.failures.Inc()
			p.logger.Error("panic while processing message", "panic", r, "channel", msg.ChannelID)
			p.sendNotice(ctx, transport, msg, apologyReply)
		}
	}()

	p.recordInbound(ctx, transport, msg)

	response, err := p.respond(ctx, msg)
	if err != nil {
		p.failures.Inc()
		p.logger.Error("message processing failed", "err", err, "channel", msg.ChannelID)
		p.sendNotice(ctx, transport, msg, apologyReply)
		return
	}

	p.dispatcher.Dispatch(ctx, transport, msg.ChannelID, response, DispatchOptions{
		ReplyToID:   msg.ID,
		MorePending: p.queue.Size() > 0,
		Elapsed:     time.Since(start),
	})

	clean, _ := ExtractTrace(response)
	p.contexts.RecordReply(msg.ChannelID, clean)
	p.observeUser(ctx, msg)
	p.processed.Inc()
	metrics.QueueDepth.Set(int64(p.queue.Size()))
}

// recordInbound adds the message, preceded by the message it replies to when
// one can be resolved, to the channel context. It runs on the queue worker so
// the user entry is always in the store before generation reads the history
// and before the reply for this message is recorded; doing it at admission
// time would race the drain goroutine.
func (p *Pipeline) recordInbound(ctx context.Context, transport domain.Transport, msg domain.InboundMessage) {
	var referenced *domain.InboundMessage
	if msg.ReferencedID != "" {
		ref, err := transport.FetchMessage(ctx, msg.ChannelID, msg.ReferencedID)
		if err != nil {
			p.logger.Warn("could not resolve referenced message", "id", msg.ReferencedID, "err", err)
		} else {
			referenced = ref
		}
	}
	p.contexts.Update(msg, referenced)
}

// respond picks the generation path for one message.
func (p *Pipeline) respond(ctx context.Context, msg domain.InboundMessage) (string, error) {
	decision := p.decisions.Decide(ctx, msg.Content)

	switch decision.Kind {
	case DecisionTool:
		if decision.Tool != "" {
			return p.reasoner.ExecuteDirect(ctx, decision), nil
		}
		// The provider wants a tool but did not commit to one: let the
		// plan-act-evaluate loop work it out.
		return p.reasoner.AnswerQuestion(ctx, msg.Content), nil

	case DecisionSearch:
		query := strings.Join(decision.Keywords, " ")
		results, err := p.fetchSearch(ctx, query)
		if err != nil || len(results) == 0 {
			p.logger.Info("no search results, falling through to direct generation", "query", query)
			return p.generate(ctx, msg)
		}
		return formatSearchResults(results), nil

	default:
		return p.generate(ctx, msg)
	}
}

func (p *Pipeline) fetchSearch(ctx context.Context, query string) ([]domain.SearchResult, error) {
	if p.search == nil || query == "" {
		return nil, nil
	}
	results, err := p.search.FetchSearchResults(ctx, query)
	if err != nil {
		p.logger.Warn("search failed, degrading to empty results", "query", query, "err", err)
		return nil, err
	}
	return results, nil
}

// generate is the plain path: channel history, the on-demand context bundle
// (optionally summarized together with memory observations), then one
// provider call.
func (p *Pipeline) generate(ctx context.Context, msg domain.InboundMessage) (string, error) {
	messages := []domain.ContextEntry{{
		Role: "system",
		Content: "You are a helpful chat assistant. Each message is prefixed " +
			"with the author's display name before the colon; that prefix only " +
			"identifies the speaker, reply to the person who sent the last " +
			"message and do not prefix your own answers.",
	}}

	if p.summarize {
		transport := p.transports[msg.Transport]
		if transport != nil {
			bundle := p.builder.Build(ctx, transport, msg, p.buildCfg)
			summary := p.builder.Summarize(ctx, p.provider, bundle, p.userObservations(ctx, msg))
			if summary != "" {
				messages = append(messages, domain.ContextEntry{
					Role:    "system",
					Content: "Context summary:\n" + summary,
				})
			}
		}
	}

	messages = append(messages, p.contexts.Get(msg.ChannelID)...)
	messages = append(messages, domain.ContextEntry{
		Role:    "user",
		Content: fmt.Sprintf("%s: %s", msg.AuthorName, msg.Content),
	})

	return p.provider.GenerateResponse(ctx, messages, nil)
}

// userObservations loads the user's remembered facts; failures degrade to nil.
func (p *Pipeline) userObservations(ctx context.Context, msg domain.InboundMessage) []string {
	if p.memory == nil {
		return nil
	}
	entity, err := p.memory.GetOrCreateUserEntity(ctx, msg.AuthorID, msg.AuthorName)
	if err != nil || entity == nil {
		return nil
	}
	return entity.Observations
}

// observeUser appends what the user just said to their memory entity.
// Best effort only.
func (p *Pipeline) observeUser(ctx context.Context, msg domain.InboundMessage) {
	if p.memory == nil {
		return
	}
	if _, err := p.memory.GetOrCreateUserEntity(ctx, msg.AuthorID, msg.AuthorName); err != nil {
		p.logger.Warn("memory entity lookup failed", "user", msg.AuthorID, "err", err)
		return
	}
	obs := fmt.Sprintf("said: %s", truncate(msg.Content, 200))
	if err := p.memory.AddUserObservations(ctx, msg.AuthorID, []string{obs}); err != nil {
		p.logger.Warn("could not record observation", "user", msg.AuthorID, "err", err)
	}
}

// handleCommand intercepts bot commands before they reach the queue.
// Returns true when the message was a command.
func (p *Pipeline) handleCommand(ctx context.Context, transport domain.Transport, msg domain.InboundMessage) bool {
	fields := strings.Fields(msg.Content)
	if len(fields) == 0 || fields[0] != "!model" {
		return false
	}

	mm, ok := p.provider.(domain.ModelManager)
	if !ok {
		p.sendNotice(ctx, transport, msg, "The current provider does not support model switching.")
		return true
	}

	switch {
	case len(fields) >= 2 && fields[1] == "list":
		models, err := mm.ListModels(ctx)
		if err != nil || len(models) == 0 {
			p.sendNotice(ctx, transport, msg, "No models available right now.")
			return true
		}
		var sb strings.Builder
		sb.WriteString("Available models:\n")
		for _, m := range models {
			sb.WriteString("- " + m.ID)
			if m.Description != "" {
				sb.WriteString(" (" + m.Description + ")")
			}
			sb.WriteString("\n")
		}
		p.sendNotice(ctx, transport, msg, sb.String())
	case len(fields) >= 3 && fields[1] == "use":
		mm.SelectModel(fields[2])
		p.sendNotice(ctx, transport, msg, "Switched model to "+fields[2]+".")
	default:
		p.sendNotice(ctx, transport, msg, "Usage: !model list | !model use <id>")
	}
	return true
}

func (p *Pipeline) sendNotice(ctx context.Context, transport domain.Transport, msg domain.InboundMessage, text string) {
	if transport == nil {
		return
	}
	if err := transport.SendReply(ctx, msg.ChannelID, text, msg.ID); err != nil {
		p.logger.Error("notice send failed", "channel", msg.ChannelID, "err", err)
	}
}

// formatSearchResults renders up to three results as the platform reply.
func formatSearchResults(results []domain.SearchResult) string {
	var sb strings.Builder
	sb.WriteString("Here are the search results:\n")
	for i, r := range results {
		if i >= maxSearchReplies {
			break
		}
		fmt.Fprintf(&sb, "**%s**\n%s\n%s\n\n", r.Title, r.Description, r.Link)
	}
	return sb.String()
}
