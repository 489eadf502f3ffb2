package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/loom/internal/abort"
	"github.com/haasonsaas/loom/internal/tools"
	"github.com/haasonsaas/loom/pkg/models"
)

// taskArgs is the task tool's argument payload.
type taskArgs struct {
	Specs     []Spec `json:"specs" jsonschema:"description=Sub-session runs to execute in parallel,minItems=1"`
	TimeoutMs int    `json:"timeoutMs,omitempty" jsonschema:"description=Per sub-session timeout in milliseconds"`
}

var (
	taskSchemaOnce sync.Once
	taskSchemaJSON []byte
	taskSchemaErr  error
)

// taskSchema reflects the argument schema once. Definitions are inlined
// so the registry can compile the document standalone.
func taskSchema() ([]byte, error) {
	taskSchemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			Anonymous:      true,
			DoNotReference: true,
			ExpandedStruct: true,
		}
		schema := r.Reflect(&taskArgs{})
		taskSchemaJSON, taskSchemaErr = json.Marshal(schema)
	})
	return taskSchemaJSON, taskSchemaErr
}

// Tool exposes the coordinator to the model as the task tool. Runs
// requested through it inherit the calling tool round's abort signal,
// so aborting the parent session tears the batch down.
func (c *Coordinator) Tool() (tools.Tool, error) {
	params, err := taskSchema()
	if err != nil {
		return tools.Tool{}, fmt.Errorf("reflect task schema: %w", err)
	}
	return tools.Tool{
		Name:        "task",
		Label:       "Task",
		Description: c.taskDescription(),
		Parameters:  params,
		Execute:     c.executeTask,
	}, nil
}

// taskDescription lists registered profiles so the model can pick one.
func (c *Coordinator) taskDescription() string {
	var sb strings.Builder
	sb.WriteString("Run isolated subagent sessions and collect their results. ")
	sb.WriteString("Each spec runs with its own conversation history and reports back when done.")

	defs := c.Subagents()
	if len(defs) == 0 {
		return sb.String()
	}
	sb.WriteString("\n\nAvailable subagents:\n")
	for _, def := range defs {
		sb.WriteString("- ")
		sb.WriteString(def.Name)
		if def.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(def.Description)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Coordinator) executeTask(ctx context.Context, callID string, args map[string]any, sig *abort.Signal, onUpdate func(*tools.Update)) (*tools.Result, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return tools.ErrorResult("invalid task arguments: %v", err), nil
	}
	var in taskArgs
	if err := json.Unmarshal(payload, &in); err != nil {
		return tools.ErrorResult("invalid task arguments: %v", err), nil
	}
	if len(in.Specs) == 0 {
		return tools.ErrorResult("task requires at least one spec"), nil
	}

	runCtx := ctx
	if sig != nil {
		var cancel context.CancelFunc
		runCtx, cancel = sig.Context(ctx)
		defer cancel()
	}

	if onUpdate != nil {
		onUpdate(&tools.Update{
			Content: []models.ContentBlock{models.TextBlock(fmt.Sprintf("Running %d subagent(s)", len(in.Specs)))},
		})
	}

	results := c.RunSubagents(runCtx, in.Specs, Options{TimeoutMs: in.TimeoutMs})

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return tools.ErrorResult("encode results: %v", err), nil
	}

	failed := 0
	for _, r := range results {
		if r.Status != StatusCompleted {
			failed++
		}
	}
	return &tools.Result{
		Content: []models.ContentBlock{models.TextBlock(string(out))},
		Details: results,
		IsError: failed == len(results),
	}, nil
}
