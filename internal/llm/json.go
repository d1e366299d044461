package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Text runs req and returns the trimmed completion.
func Text(ctx context.Context, c Completer, req Request) (string, error) {
	out, err := c.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &ServiceError{Capability: req.Capability, Err: ErrEmptyResponse}
	}
	return out, nil
}

// JSON runs req and decodes the completion into T. Markdown fences and prose
// around the payload are ignored. validate, if non-nil, can reject a decoded
// value; its error is reported as a MalformedResponseError.
func JSON[T any](ctx context.Context, c Completer, req Request, validate func(*T) error) (T, error) {
	var zero T
	raw, err := c.Complete(ctx, req)
	if err != nil {
		return zero, err
	}

	payload := extractJSON(raw)
	if payload == "" {
		return zero, &MalformedResponseError{Capability: req.Capability, Raw: raw, Err: errors.New("no json found")}
	}
	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return zero, &MalformedResponseError{Capability: req.Capability, Raw: raw, Err: err}
	}
	if validate != nil {
		if err := validate(&out); err != nil {
			return zero, &MalformedResponseError{Capability: req.Capability, Raw: raw, Err: err}
		}
	}
	return out, nil
}

// extractJSON strips markdown code fences and returns the outermost JSON object
// or array in content.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)

	if strings.HasPrefix(content, "```") {
		start := 3
		if nl := strings.Index(content[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(content[start:], "```"); end != -1 {
			content = content[start : start+end]
		} else {
			content = content[start:]
		}
	}
	content = strings.TrimSpace(content)

	open := strings.IndexAny(content, "{[")
	if open == -1 {
		return ""
	}
	closer := "}"
	if content[open] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(content, closer)
	if end <= open {
		return ""
	}
	return strings.TrimSpace(content[open : end+1])
}
