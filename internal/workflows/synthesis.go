// Package workflows provides Temporal workflow definitions for workspaced
// automation.
package workflows

import (
	"context"
	"fmt"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
)

// TaskQueue is the default task queue for synthesis workflows.
const TaskQueue = "workspaced-synthesis"

// SynthesisInput starts a synthesis workflow for one deliverable.
type SynthesisInput struct {
	DeliverableID string
	WorkspaceID   string
	GoalID        string
	Title         string
}

// SynthesisOutput reports how the workflow settled the deliverable.
type SynthesisOutput struct {
	Status string // ready or failed
	Detail string
}

// GenerateInput is passed to the content generation activity.
type GenerateInput struct {
	DeliverableID string
	WorkspaceID   string
	GoalID        string
	Title         string
}

// GenerateResult is the generation activity's output.
type GenerateResult struct {
	ContentRef string // opaque reference to the generated artifact
}

// SynthesisWorkflow drives one deliverable from pending to ready or failed.
//
// The workflow always records a terminal result: a generation failure is
// converted to a failed result rather than surfacing as a workflow error, so
// the deliverable and its checkpoint never leak.
func SynthesisWorkflow(ctx workflow.Context, input SynthesisInput) (*SynthesisOutput, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting synthesis",
		"deliverable_id", input.DeliverableID,
		"workspace_id", input.WorkspaceID)

	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	out := &SynthesisOutput{Status: synthesis.ResultReady}

	var generated GenerateResult
	err := workflow.ExecuteActivity(ctx, GenerateActivityName, GenerateInput{
		DeliverableID: input.DeliverableID,
		WorkspaceID:   input.WorkspaceID,
		GoalID:        input.GoalID,
		Title:         input.Title,
	}).Get(ctx, &generated)
	if err != nil {
		logger.Error("Generation failed", "error", err)
		out.Status = synthesis.ResultFailed
		out.Detail = err.Error()
	}

	// Recording the result uses its own options: it must land even when
	// generation burned most of the budget.
	recordCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 5,
		},
	})
	err = workflow.ExecuteActivity(recordCtx, RecordResultActivityName, synthesis.Result{
		DeliverableID: input.DeliverableID,
		Status:        out.Status,
		Detail:        out.Detail,
	}).Get(recordCtx, nil)
	if err != nil {
		return out, fmt.Errorf("record synthesis result: %w", err)
	}

	logger.Info("Synthesis complete",
		"deliverable_id", input.DeliverableID,
		"status", out.Status)
	return out, nil
}

// Activity names, stable across releases so in-flight workflows survive
// deploys.
const (
	GenerateActivityName     = "GenerateContent"
	RecordResultActivityName = "RecordSynthesisResult"
)

// ResultRecorder lands a synthesis result back in the orchestration core.
type ResultRecorder interface {
	HandleSynthesisResult(ctx context.Context, res synthesis.Result) error
}

// ContentFunc produces the deliverable content. The core treats generation
// as opaque.
type ContentFunc func(ctx context.Context, input GenerateInput) (GenerateResult, error)

// Activities holds the synthesis activity implementations.
type Activities struct {
	Generate ContentFunc
	Recorder ResultRecorder
}

// GenerateContent runs the content generator.
func (a *Activities) GenerateContent(ctx context.Context, input GenerateInput) (GenerateResult, error) {
	if a.Generate == nil {
		return GenerateResult{}, temporal.NewNonRetryableApplicationError(
			"no content generator configured", "configuration", nil)
	}
	return a.Generate(ctx, input)
}

// RecordSynthesisResult closes the deliverable lifecycle in the core.
func (a *Activities) RecordSynthesisResult(ctx context.Context, res synthesis.Result) error {
	return a.Recorder.HandleSynthesisResult(ctx, res)
}

// Register attaches the synthesis workflow and activities to a worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflow(SynthesisWorkflow)
	w.RegisterActivityWithOptions(a.GenerateContent, activity.RegisterOptions{Name: GenerateActivityName})
	w.RegisterActivityWithOptions(a.RecordSynthesisResult, activity.RegisterOptions{Name: RecordResultActivityName})
}

// Generator adapts a Temporal client to the synthesis.Generator interface:
// each request starts one workflow, keyed by deliverable so duplicate starts
// collapse.
type Generator struct {
	client    client.Client
	taskQueue string
}

// NewGenerator creates the Temporal-backed generator.
func NewGenerator(c client.Client, taskQueue string) *Generator {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	return &Generator{client: c, taskQueue: taskQueue}
}

func (g *Generator) Synthesize(ctx context.Context, req synthesis.Request) error {
	_, err := g.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    "synthesis-" + req.DeliverableID,
		TaskQueue:             g.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE_FAILED_ONLY,
	}, SynthesisWorkflow, SynthesisInput{
		DeliverableID: req.DeliverableID,
		WorkspaceID:   req.WorkspaceID,
		GoalID:        req.GoalID,
		Title:         req.Title,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", synthesis.ErrSynthesisUnavailable, err)
	}
	return nil
}
