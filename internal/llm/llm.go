package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// BranchPrefixes are the only prefixes a suggested branch may carry.
var BranchPrefixes = []string{"feature/", "bugfix/", "hotfix/", "release/"}

// SuggestionCount is how many names SuggestBranchNames returns.
const SuggestionCount = 3

// MaxBranchLength bounds a suggestion, prefix included.
const MaxBranchLength = 50

// ErrEmptyDescription is returned when there is nothing to name.
var ErrEmptyDescription = errors.New("description is empty")

// Messenger is the part of the Anthropic client this package uses.
type Messenger interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client wraps the Anthropic API for branch naming.
type Client struct {
	api   Messenger
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client.Messages,
		model: anthropic.Model(model),
	}
}

// NewClientWith builds a Client on an existing Messenger.
func NewClientWith(api Messenger, model string) *Client {
	return &Client{api: api, model: anthropic.Model(model)}
}

const branchSystemPrompt = `You are a git branch naming assistant. Generate exactly 3 branch name suggestions based on the user's description.

Rules:
- Each suggestion must include exactly one of these prefixes: feature/, bugfix/, hotfix/, release/
- Use lowercase
- Use hyphens for separators
- Keep names concise (<= 50 characters including prefix)

Respond with JSON only in this format: {"suggestions": ["prefix/name-1", "prefix/name-2", "prefix/name-3"]}`

// SuggestBranchNames asks the model for branch names describing the work.
func (c *Client) SuggestBranchNames(ctx context.Context, description string) ([]string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, ErrEmptyDescription
	}

	msg, err := c.api.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		System: []anthropic.TextBlockParam{
			{Text: branchSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(description)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return ParseBranchSuggestions(text)
}

// ParseBranchSuggestions extracts the JSON object from a model response and
// returns the sanitized names. Text around the object is ignored.
func ParseBranchSuggestions(response string) ([]string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response: %q", response)
	}

	var parsed struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("parse suggestions JSON: %w", err)
	}
	if len(parsed.Suggestions) != SuggestionCount {
		return nil, fmt.Errorf("expected %d suggestions, got %d", SuggestionCount, len(parsed.Suggestions))
	}

	out := make([]string, 0, SuggestionCount)
	for _, raw := range parsed.Suggestions {
		raw = strings.TrimSpace(raw)
		prefix, rest, ok := splitPrefix(raw)
		if !ok {
			return nil, fmt.Errorf("suggestion has no valid prefix: %s", raw)
		}
		suffix := SanitizeSuffix(rest, MaxBranchLength-len(prefix))
		if suffix == "" {
			return nil, fmt.Errorf("suggestion is empty after sanitizing: %s", raw)
		}
		out = append(out, prefix+suffix)
	}
	return out, nil
}

func splitPrefix(name string) (prefix, rest string, ok bool) {
	lower := strings.ToLower(name)
	for _, p := range BranchPrefixes {
		if strings.HasPrefix(lower, p) {
			return p, name[len(p):], true
		}
	}
	return "", "", false
}

// SanitizeSuffix lowercases s, turns every run of other characters into a
// single hyphen and trims hyphens from both ends. The result is at most
// limit bytes.
func SanitizeSuffix(s string, limit int) string {
	var sb strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			hyphen = false
			continue
		}
		if !hyphen && sb.Len() > 0 {
			sb.WriteByte('-')
			hyphen = true
		}
	}
	out := strings.TrimRight(sb.String(), "-")
	if limit > 0 && len(out) > limit {
		out = strings.TrimRight(out[:limit], "-")
	}
	return out
}
