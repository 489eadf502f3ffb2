package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/pkg/models"
)

// ExecuteFunc runs one tool call. args is the decoded argument object from
// the model, sig cancels cooperatively (tools poll it or select on Done),
// and onUpdate publishes progress to subscribers without finalizing the call.
type ExecuteFunc func(ctx context.Context, callID string, args map[string]any, sig *abort.Signal, onUpdate func(*Update)) (*Result, error)

// Tool is a capability exposed to the model.
type Tool struct {
	// Name is the identifier the model calls the tool by.
	Name string

	// Label is a short human-readable name for transcripts.
	Label string

	// Description tells the model when to use the tool.
	Description string

	// Parameters is a JSON-Schema object describing the arguments.
	Parameters json.RawMessage

	// Execute runs the call.
	Execute ExecuteFunc
}

// Update is a progress report emitted while a tool runs.
type Update struct {
	Content []models.ContentBlock
	Details any
}

// Result is a finished tool execution.
type Result struct {
	Content []models.ContentBlock
	Details any
	IsError bool
}

// TextResult wraps plain text in a successful result.
func TextResult(text string) *Result {
	return &Result{Content: []models.ContentBlock{models.TextBlock(text)}}
}

// ErrorResult formats a failure message into an error result.
func ErrorResult(format string, args ...any) *Result {
	return &Result{
		Content: []models.ContentBlock{models.TextBlock(fmt.Sprintf(format, args...))},
		IsError: true,
	}
}

// Text returns the concatenated text blocks of the result.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == models.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// Message converts the result into the tool-result message for callID.
func (r *Result) Message(callID string) *models.Message {
	return models.NewToolResultMessage(callID, r.Content, r.IsError)
}
