package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"learnly/internal/llm"
	"learnly/internal/llm/llmtest"
	"learnly/internal/models"
)

func TestExtractorAcceptsResponseShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{"wrapped strings", `{"questions": ["Define osmosis.", "What is ATP?"]}`, []string{"Define osmosis.", "What is ATP?"}},
		{"bare array", `["Define osmosis.", "What is ATP?"]`, []string{"Define osmosis.", "What is ATP?"}},
		{"objects", `[{"question_text": "Define osmosis."}, {"question": "What is ATP?"}, {"text": "Name a noble gas."}]`,
			[]string{"Define osmosis.", "What is ATP?", "Name a noble gas."}},
		{"fenced", "```json\n{\"questions\": [\"Define osmosis.\"]}\n```", []string{"Define osmosis."}},
		{"prose around", "Here are the questions:\n[\"Define osmosis.\"]\nGood luck!", []string{"Define osmosis."}},
		{"blank items dropped", `{"questions": ["Define osmosis.", "  ", {"question": ""}]}`, []string{"Define osmosis."}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := llmtest.New().On(llm.CapabilityExtract, llmtest.Reply{Text: tc.raw})
			got, err := NewQuestionExtractor(fake, 0, nil).Extract(context.Background(), "exam")
			require.NoError(t, err)
			require.Len(t, got, len(tc.want))
			for i, q := range got {
				require.Equal(t, i+1, q.Number)
				require.Equal(t, tc.want[i], q.Text)
			}
		})
	}
}

func TestExtractorFailures(t *testing.T) {
	cases := map[string]llmtest.Reply{
		"no json":     {Text: "There are no questions here."},
		"empty":       {Text: `{"questions": []}`},
		"wrong shape": {Text: `{"questions": [42]}`},
		"provider":    {Err: &llm.ServiceError{Capability: llm.CapabilityExtract, Err: errors.New("boom")}},
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			fake := llmtest.New().On(llm.CapabilityExtract, reply)
			_, err := NewQuestionExtractor(fake, 0, nil).Extract(context.Background(), "exam")
			var extractErr *ExtractionError
			require.True(t, errors.As(err, &extractErr), "got %v", err)
		})
	}

	_, err := NewQuestionExtractor(llmtest.New(), 0, nil).Extract(context.Background(), "  ")
	var extractErr *ExtractionError
	require.True(t, errors.As(err, &extractErr))
}

func TestExtractorTruncatesExamText(t *testing.T) {
	fake := llmtest.New().On(llm.CapabilityExtract, llmtest.Reply{Text: `["Q?"]`})
	exam := strings.Repeat("é", 50) + "TAIL"

	_, err := NewQuestionExtractor(fake, 50, nil).Extract(context.Background(), exam)
	require.NoError(t, err)
	prompt := fake.Calls(llm.CapabilityExtract)[0].Prompt
	require.Contains(t, prompt, strings.Repeat("é", 50))
	require.NotContains(t, prompt, "TAIL")
}

func TestCriticEvaluate(t *testing.T) {
	fake := llmtest.New().On(llm.CapabilityCritique, llmtest.Reply{
		Text: "```json\n{\"relevancy_score\": 0.75, \"feedback\": \"  mostly right \"}\n```",
	})
	chunks := []models.ScoredChunk{
		{Chunk: models.Chunk{Text: "first chunk"}},
		{Chunk: models.Chunk{Text: "second chunk"}},
	}

	got, feedback, err := NewCritic(fake).Evaluate(context.Background(), "Q?", "A.", chunks)
	require.NoError(t, err)
	require.InDelta(t, 0.75, got, 1e-9)
	require.Equal(t, "mostly right", feedback)

	call := fake.Calls(llm.CapabilityCritique)[0]
	require.True(t, call.JSON)
	require.Zero(t, call.Temperature)
	require.Contains(t, call.Prompt, "Question: Q?")
	require.Contains(t, call.Prompt, "Answer: A.")
	require.Contains(t, call.Prompt, "first chunk\n\nsecond chunk")
}

func TestCriticErrors(t *testing.T) {
	fake := llmtest.New().On(llm.CapabilityCritique, llmtest.Reply{Text: `{"relevancy_score": -0.1}`})
	_, _, err := NewCritic(fake).Evaluate(context.Background(), "Q?", "A.", nil)
	var parseErr *CriticParseError
	require.True(t, errors.As(err, &parseErr))
	require.Equal(t, `{"relevancy_score": -0.1}`, parseErr.Raw)

	timeout := &llm.ServiceError{Capability: llm.CapabilityCritique, Err: context.DeadlineExceeded}
	fake = llmtest.New().On(llm.CapabilityCritique, llmtest.Reply{Err: timeout})
	_, _, err = NewCritic(fake).Evaluate(context.Background(), "Q?", "A.", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, errors.As(err, &parseErr))
}

func TestBuildAnswerPrompt(t *testing.T) {
	prompt := buildAnswerPrompt(GenerationInput{
		Question: "  What is ATP? ",
		Chunks: []models.ScoredChunk{
			{Chunk: models.Chunk{Filename: "bio.pdf", Text: "ATP stores energy."}},
			{Chunk: models.Chunk{Filename: "chem.md", Text: "Phosphate bonds."}},
		},
	})
	require.Contains(t, prompt, "QUESTION: What is ATP?\n")
	require.Contains(t, prompt, "STUDY NOTES CONTEXT:\nSource (bio.pdf): ATP stores energy.\n\nSource (chem.md): Phosphate bonds.")
	require.NotContains(t, prompt, "WEB SEARCH CONTEXT")
	require.NotContains(t, prompt, "Reviewer feedback")

	prompt = buildAnswerPrompt(GenerationInput{
		Question:   "What is ATP?",
		WebContext: "ATP: adenosine triphosphate",
		Feedback:   "Too   vague.\nMention phosphate.",
	})
	require.Contains(t, prompt, "No relevant study notes found.")
	require.Contains(t, prompt, "study notes and web search results.")
	require.Contains(t, prompt, "WEB SEARCH CONTEXT:\nATP: adenosine triphosphate")
	require.Contains(t, prompt, "Reviewer feedback:\nToo vague. Mention phosphate.")
}

func TestGenerateWrapsFailures(t *testing.T) {
	fake := llmtest.New().On(llm.CapabilityGenerate, llmtest.Reply{Text: "\n  "})
	_, err := NewAnswerGenerator(fake).Generate(context.Background(), GenerationInput{Question: "Q?"}, 2)
	var genErr *GenerationError
	require.True(t, errors.As(err, &genErr))
	require.Equal(t, 2, genErr.Attempt)
	require.ErrorIs(t, err, llm.ErrEmptyResponse)

	fake = llmtest.New().On(llm.CapabilityGenerate, llmtest.Reply{Text: "  An answer.  "})
	got, err := NewAnswerGenerator(fake).Generate(context.Background(), GenerationInput{Question: "Q?"}, 1)
	require.NoError(t, err)
	require.Equal(t, "An answer.", got)
	call := fake.Calls(llm.CapabilityGenerate)[0]
	require.Equal(t, generateSystemPrompt, call.System)
	require.InDelta(t, 0.3, call.Temperature, 1e-6)
}

func TestExtractTextPlainFiles(t *testing.T) {
	s := NewPDFService(nil, nil)
	ctx := context.Background()

	text, pages, err := s.ExtractText(ctx, []byte("\n# Notes\nCells.\n"), "notes.MD")
	require.NoError(t, err)
	require.Equal(t, "# Notes\nCells.", text)
	require.Equal(t, 1, pages)

	_, _, err = s.ExtractText(ctx, []byte{0xff, 0xfe, 0x00}, "broken.txt")
	require.ErrorIs(t, err, ErrUnsupportedFile)

	_, _, err = s.ExtractText(ctx, []byte("data"), "sheet.xlsx")
	require.ErrorIs(t, err, ErrUnsupportedFile)

	_, _, err = s.ExtractText(ctx, []byte("not a pdf"), "notes.pdf")
	require.Error(t, err)

	require.True(t, SupportedFile("Lecture.PDF"))
	require.True(t, SupportedFile("notes.txt"))
	require.False(t, SupportedFile("notes.docx"))
}
