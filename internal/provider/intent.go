package provider

import (
	"context"
	"fmt"
	"log/slog"

	"replybot/internal/domain"
	"replybot/internal/jsonutil"
)

// buildIntentPrompt asks for a strict-JSON classification of one message.
// The instructions forbid any prose around the object; smaller models add it
// anyway, which the decode layer tolerates.
func buildIntentPrompt(content string) string {
	return fmt.Sprintf(`Analyze the intent of the following message:
"%s"

Determine whether the user is asking to search the internet for current
information, whether the message describes a programming problem, and whether
it asks for music or a song.

Return exactly this JSON object and nothing else, not even a witty remark.
Words separated by spaces go as separate entries in the keywords array:
{
    "isSearchRequest": true/false,
    "keywords": ["keyword1", "keyword2", ...],
    "isProgrammingProblem": true/false,
    "isMusicRequest": true/false
}`, content)
}

// analyzeIntent runs the classification call and parses the reply. Any
// provider or parse failure degrades to the zero analysis so the caller
// falls back to direct generation.
func analyzeIntent(ctx context.Context, p domain.Provider, content string, logger *slog.Logger) domain.IntentAnalysis {
	raw, err := p.GenerateResponse(ctx, []domain.ContextEntry{
		{Role: "user", Content: buildIntentPrompt(content)},
	}, nil)
	if err != nil {
		logger.Warn("intent analysis call failed", "err", err)
		return domain.IntentAnalysis{}
	}

	var analysis domain.IntentAnalysis
	if err := jsonutil.Unmarshal(raw, &analysis); err != nil {
		logger.Warn("intent analysis parse failed", "err", err)
		return domain.IntentAnalysis{}
	}
	return analysis
}
