package services

import (
	"context"
	"fmt"
	"strings"

	"learnly/internal/llm"
	"learnly/internal/models"
)

const generateSystemPrompt = "You are an exam preparation assistant. Provide accurate answers based on the given context."

// GenerationInput is everything the generator sees for one attempt.
type GenerationInput struct {
	Question string
	Chunks   []models.ScoredChunk
	// WebContext is optional supplementary text from a web search.
	WebContext string
	// Feedback is the critic's verdict on a previous attempt, if any.
	Feedback string
}

// AnswerGenerator writes an answer grounded in retrieved study notes.
type AnswerGenerator struct {
	llm llm.Completer
}

func NewAnswerGenerator(completer llm.Completer) *AnswerGenerator {
	return &AnswerGenerator{llm: completer}
}

// Generate returns the answer text. A failed or empty completion is returned as
// a *GenerationError with the given attempt number.
func (g *AnswerGenerator) Generate(ctx context.Context, in GenerationInput, attempt int) (string, error) {
	answer, err := llm.Text(ctx, g.llm, llm.Request{
		Capability:  llm.CapabilityGenerate,
		System:      generateSystemPrompt,
		Prompt:      buildAnswerPrompt(in),
		Temperature: 0.3,
		MaxTokens:   1500,
	})
	if err != nil {
		return "", &GenerationError{Attempt: attempt, Err: err}
	}
	return answer, nil
}

func buildAnswerPrompt(in GenerationInput) string {
	var b strings.Builder
	b.WriteString("You are an expert academic tutor. Answer the question based on the provided study notes")
	if in.WebContext != "" {
		b.WriteString(" and web search results")
	}
	b.WriteString(".\n\n")
	fmt.Fprintf(&b, "QUESTION: %s\n\n", strings.TrimSpace(in.Question))

	b.WriteString("STUDY NOTES CONTEXT:\n")
	if notes := studyNotes(in.Chunks); notes != "" {
		b.WriteString(notes)
	} else {
		b.WriteString("No relevant study notes found.")
	}
	b.WriteString("\n\n")

	if in.WebContext != "" {
		b.WriteString("WEB SEARCH CONTEXT:\n")
		b.WriteString(in.WebContext)
		b.WriteString("\n\n")
	}

	if in.Feedback != "" {
		b.WriteString("A previous answer to this question was judged weakly relevant. Reviewer feedback:\n")
		b.WriteString(sanitizeForPrompt(in.Feedback, 500))
		b.WriteString("\n\n")
	}

	b.WriteString(`INSTRUCTIONS:
- Prioritize the study notes when they are directly relevant.
- Answer the question directly and concisely.
- If the context does not contain the answer, answer from general knowledge and say so.`)
	return b.String()
}

func studyNotes(chunks []models.ScoredChunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, fmt.Sprintf("Source (%s): %s", c.Filename, c.Text))
	}
	return strings.Join(parts, "\n\n")
}

func sanitizeForPrompt(input string, limit int) string {
	collapsed := strings.Join(strings.Fields(strings.TrimSpace(input)), " ")
	if limit <= 0 {
		return collapsed
	}
	runes := []rune(collapsed)
	if len(runes) <= limit {
		return collapsed
	}
	if limit > 3 {
		return string(runes[:limit-3]) + "..."
	}
	return string(runes[:limit])
}
