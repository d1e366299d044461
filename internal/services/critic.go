package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"learnly/internal/llm"
	"learnly/internal/models"
)

const criticSystemPrompt = "You are a strict grader of exam answers. You answer only with a JSON object."

const criticPromptTemplate = `Evaluate the relevancy between the question, answer, and source context.

Question: %s

Answer: %s

Source Context:
%s

Return ONLY a valid JSON object:
{
    "relevancy_score": 0.0 to 1.0,
    "feedback": "brief explanation of the score"
}

Rules:
- Score 1.0 if answer directly addresses question using context
- Score 0.5 if answer is partially relevant
- Score 0.0 if answer is irrelevant or incorrect
- Return ONLY the JSON object`

// Critic scores how relevant an answer is to its question and context. It may
// run on a different model or provider than the generator.
type Critic struct {
	llm llm.Completer
}

func NewCritic(completer llm.Completer) *Critic {
	return &Critic{llm: completer}
}

type verdict struct {
	RelevancyScore *float64 `json:"relevancy_score"`
	Feedback       string   `json:"feedback"`
}

func (v *verdict) validate() error {
	switch {
	case v.RelevancyScore == nil:
		return errors.New("relevancy_score missing")
	case math.IsNaN(*v.RelevancyScore) || *v.RelevancyScore < 0 || *v.RelevancyScore > 1:
		return fmt.Errorf("relevancy_score %v outside [0,1]", *v.RelevancyScore)
	}
	return nil
}

// Evaluate returns a relevancy score in [0,1] and feedback. Unusable output is
// reported as a *CriticParseError; transport failures and timeouts are returned
// as they come from the model client.
func (c *Critic) Evaluate(ctx context.Context, question, answer string, chunks []models.ScoredChunk) (float64, string, error) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	v, err := llm.JSON[verdict](ctx, c.llm, llm.Request{
		Capability:  llm.CapabilityCritique,
		System:      criticSystemPrompt,
		Prompt:      fmt.Sprintf(criticPromptTemplate, question, answer, strings.Join(texts, "\n\n")),
		Temperature: 0,
		MaxTokens:   300,
		JSON:        true,
	}, (*verdict).validate)
	if err != nil {
		var malformed *llm.MalformedResponseError
		if errors.As(err, &malformed) {
			return 0, "", &CriticParseError{Raw: malformed.Raw, Err: malformed.Err}
		}
		return 0, "", err
	}
	return *v.RelevancyScore, strings.TrimSpace(v.Feedback), nil
}
