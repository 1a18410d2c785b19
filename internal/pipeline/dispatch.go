package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"replybot/internal/domain"
)

const (
	maxMessageLen      = 2000
	defaultChunkPacing = 500 * time.Millisecond
)

// Dispatcher delivers a finished response to the platform: it pulls the
// provider's reasoning trace out of the text, splits what remains into
// platform-sized chunks, and sends them with pacing.
type Dispatcher struct {
	pacing time.Duration
	logger *slog.Logger
}

func NewDispatcher(pacing time.Duration, logger *slog.Logger) *Dispatcher {
	if pacing <= 0 {
		pacing = defaultChunkPacing
	}
	return &Dispatcher{pacing: pacing, logger: logger}
}

// DispatchOptions controls delivery of one response.
type DispatchOptions struct {
	ReplyToID   string        // inbound message the first chunk may quote
	MorePending bool          // quote only when further work is queued
	Elapsed     time.Duration // processing duration, logged with the trace
}

// ExtractTrace removes the first delimited reasoning block from content and
// returns the user-visible text plus the trace. Running it on already-clean
// text is a no-op with an empty trace.
func ExtractTrace(content string) (clean, trace string) {
	open := strings.Index(content, "<think>")
	if open < 0 {
		return content, ""
	}
	rest := content[open+len("<think>"):]
	closeIdx := strings.Index(rest, "</think>")
	if closeIdx < 0 {
		return strings.TrimSpace(content[:open]), strings.TrimSpace(rest)
	}
	trace = strings.TrimSpace(rest[:closeIdx])
	clean = strings.TrimSpace(content[:open] + rest[closeIdx+len("</think>"):])
	return clean, trace
}

// SplitMessage splits content into chunks of at most maxLen bytes. A chunk
// that would end mid-line backs off to the last newline inside it, so lines
// are never cut mid-token; without a newline the cut backs off to a rune
// boundary so multibyte characters survive splitting. The final partial
// chunk is always emitted and concatenating the chunks reproduces content
// exactly.
func SplitMessage(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = maxMessageLen
	}
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	for len(content) > maxLen {
		cut := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > 0 {
			cut = idx + 1
		} else {
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			if cut == 0 {
				cut = maxLen // not UTF-8, cut raw
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
	}
	return append(chunks, content)
}

// Dispatch sends one response over the transport. The reasoning trace is
// routed to the log (tagged with the processing duration); each chunk goes
// out as an independent message with a pacing delay in between to stay under
// platform rate limits. Only the first chunk may quote the inbound message,
// and only when more queued or contextual work is pending. A failed chunk is
// logged and the remaining chunks are still attempted.
func (d *Dispatcher) Dispatch(ctx context.Context, transport domain.Transport, channelID, content string, opts DispatchOptions) {
	clean, trace := ExtractTrace(content)
	if trace != "" {
		d.logger.Info("model thinking trace",
			"trace", trace,
			"duration_ms", opts.Elapsed.Milliseconds(),
		)
	}
	if clean == "" {
		return
	}

	chunks := SplitMessage(clean, maxMessageLen)
	for i, chunk := range chunks {
		var err error
		if i == 0 && opts.ReplyToID != "" && opts.MorePending {
			err = transport.SendReply(ctx, channelID, chunk, opts.ReplyToID)
		} else {
			err = transport.SendText(ctx, channelID, chunk)
		}
		if err != nil {
			d.logger.Error("chunk send failed, continuing with remaining chunks",
				"channel", channelID, "chunk", i+1, "total", len(chunks), "err", err)
		}

		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.pacing):
			}
		}
	}
}
