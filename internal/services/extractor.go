package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"learnly/internal/llm"
	"learnly/internal/logger"
	"learnly/internal/models"
)

const extractSystemPrompt = "You are an expert exam parser. You extract questions from exam text and answer only with JSON."

const extractPromptTemplate = `Extract all the questions from the exam text below.

EXAM TEXT:
%s

INSTRUCTIONS:
1. Identify all questions in the text.
2. Ignore instructions, headers, footers, or extraneous text.
3. Remove question numbers like "1.", "Q1:" from the question text.
4. Return ONLY a JSON object of the form {"questions": ["Question 1 text", "Question 2 text"]}.`

// QuestionExtractor turns exam text into an ordered list of questions.
type QuestionExtractor struct {
	llm   llm.Completer
	limit int
	log   *logger.Logger
}

// NewQuestionExtractor builds an extractor. Exam text beyond limit characters is
// not sent to the model; a limit of 0 sends everything.
func NewQuestionExtractor(completer llm.Completer, limit int, log *logger.Logger) *QuestionExtractor {
	if log == nil {
		log = logger.Nop()
	}
	return &QuestionExtractor{llm: completer, limit: limit, log: log}
}

// Extract returns the questions in examText numbered from 1. Any failure,
// including a response with no questions, is an *ExtractionError.
func (e *QuestionExtractor) Extract(ctx context.Context, examText string) ([]models.ExamQuestion, error) {
	examText = strings.TrimSpace(examText)
	if examText == "" {
		return nil, &ExtractionError{Err: errors.New("exam text is empty")}
	}
	if e.limit > 0 {
		if runes := []rune(examText); len(runes) > e.limit {
			examText = string(runes[:e.limit])
		}
	}

	list, err := llm.JSON[questionList](ctx, e.llm, llm.Request{
		Capability:  llm.CapabilityExtract,
		System:      extractSystemPrompt,
		Prompt:      fmt.Sprintf(extractPromptTemplate, examText),
		Temperature: 0,
		MaxTokens:   4096,
	}, func(l *questionList) error {
		if len(l.items) == 0 {
			return errors.New("no questions found")
		}
		return nil
	})
	if err != nil {
		var malformed *llm.MalformedResponseError
		if errors.As(err, &malformed) {
			e.log.Warn("question extraction response unusable", "error", malformed.Err, "raw", truncate(malformed.Raw, 500))
		}
		return nil, &ExtractionError{Err: err}
	}

	questions := make([]models.ExamQuestion, len(list.items))
	for i, text := range list.items {
		questions[i] = models.ExamQuestion{Number: i + 1, Text: text}
	}
	e.log.Info("questions extracted", "count", len(questions))
	return questions, nil
}

// questionList accepts {"questions": [...]} or a bare array, where each item is
// either a string or an object with the question text.
type questionList struct {
	items []string
}

type questionItem struct {
	QuestionText string `json:"question_text"`
	Question     string `json:"question"`
	Text         string `json:"text"`
}

func (l *questionList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw []json.RawMessage
	if len(data) > 0 && data[0] == '{' {
		var wrapper struct {
			Questions []json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(data, &wrapper); err != nil {
			return err
		}
		raw = wrapper.Questions
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	l.items = l.items[:0]
	for _, item := range raw {
		text, err := questionText(item)
		if err != nil {
			return err
		}
		if text = strings.TrimSpace(text); text != "" {
			l.items = append(l.items, text)
		}
	}
	return nil
}

func questionText(item json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(item, &s); err == nil {
		return s, nil
	}
	var obj questionItem
	if err := json.Unmarshal(item, &obj); err != nil {
		return "", fmt.Errorf("question item: %w", err)
	}
	for _, candidate := range []string{obj.QuestionText, obj.Question, obj.Text} {
		if strings.TrimSpace(candidate) != "" {
			return candidate, nil
		}
	}
	return "", nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
