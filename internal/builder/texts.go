package builder

import (
	"context"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Fallbacks used when the auxiliary generations fail or come back empty.
// Auxiliary text must never fail a turn that built a working app.
const (
	FallbackTitle = "Untitled App"
	FallbackReply = "Your app has been updated. Check the preview to see the changes."
)

// textGenerationTimeout bounds each auxiliary generation so a slow model
// cannot delay persisting an otherwise finished turn.
const textGenerationTimeout = 10 * time.Second

// TitleMaxRunes is the upper bound on generated titles.
const TitleMaxRunes = 50

const titlePrompt = `Generate a concise title (max 50 characters) for a web app based on this build summary.
The title should name the app, not describe the work.
Return ONLY the title text, no quotes, no explanations, no punctuation at the end.

Summary: %s

Title:`

const replyPrompt = `Write a short, friendly message (2-3 sentences) telling the user what was just built for them, based on this build summary.
Speak directly to the user. Do not mention tools, files, sandboxes, or implementation details.

Summary: %s

Message:`

// Title produces a short app title from the build summary. Best effort:
// any failure returns the fallback.
func (b *Builder) Title(ctx context.Context, summary string) string {
	text := b.generateText(ctx, titlePrompt, summary)
	if text == "" {
		return FallbackTitle
	}
	if runes := []rune(text); len(runes) > TitleMaxRunes {
		text = string(runes[:TitleMaxRunes-3]) + "..."
	}
	return text
}

// Reply produces the user-facing message for a successful turn. Best
// effort: any failure returns the fallback.
func (b *Builder) Reply(ctx context.Context, summary string) string {
	text := b.generateText(ctx, replyPrompt, summary)
	if text == "" {
		return FallbackReply
	}
	return text
}

// generateText runs one small prompt with a tight timeout and no tools.
// Returns empty string on any failure.
func (b *Builder) generateText(ctx context.Context, prompt, summary string) string {
	ctx, cancel := context.WithTimeout(ctx, textGenerationTimeout)
	defer cancel()

	resp, err := genkit.Generate(ctx, b.g,
		ai.WithModelName(b.modelName),
		ai.WithPrompt(prompt, summary),
	)
	if err != nil {
		b.logger.Debug("auxiliary generation failed, using fallback", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Text())
}
