package workflows

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"github.com/fyrsmithlabs/workspaced/internal/synthesis"
)

func newSynthesisEnv(t *testing.T, a *Activities) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	env.RegisterWorkflow(SynthesisWorkflow)
	env.RegisterActivityWithOptions(a.GenerateContent, activity.RegisterOptions{Name: GenerateActivityName})
	env.RegisterActivityWithOptions(a.RecordSynthesisResult, activity.RegisterOptions{Name: RecordResultActivityName})
	return env
}

func TestSynthesisWorkflow(t *testing.T) {
	input := SynthesisInput{
		DeliverableID: "d-1",
		WorkspaceID:   "ws-1",
		GoalID:        "g-1",
		Title:         "quarterly report",
	}

	t.Run("records ready on successful generation", func(t *testing.T) {
		a := &Activities{}
		env := newSynthesisEnv(t, a)

		env.OnActivity(GenerateActivityName, mock.Anything, mock.Anything).
			Return(GenerateResult{ContentRef: "blob://d-1"}, nil)
		env.OnActivity(RecordResultActivityName, mock.Anything, synthesis.Result{
			DeliverableID: "d-1",
			Status:        synthesis.ResultReady,
		}).Return(nil)

		env.ExecuteWorkflow(SynthesisWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var out SynthesisOutput
		require.NoError(t, env.GetWorkflowResult(&out))
		assert.Equal(t, synthesis.ResultReady, out.Status)
		env.AssertExpectations(t)
	})

	t.Run("converts generation failure to failed result", func(t *testing.T) {
		a := &Activities{}
		env := newSynthesisEnv(t, a)

		env.OnActivity(GenerateActivityName, mock.Anything, mock.Anything).
			Return(GenerateResult{}, errors.New("generator offline"))
		env.OnActivity(RecordResultActivityName, mock.Anything, mock.MatchedBy(func(res synthesis.Result) bool {
			return res.DeliverableID == "d-1" && res.Status == synthesis.ResultFailed
		})).Return(nil)

		env.ExecuteWorkflow(SynthesisWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var out SynthesisOutput
		require.NoError(t, env.GetWorkflowResult(&out))
		assert.Equal(t, synthesis.ResultFailed, out.Status)
		env.AssertExpectations(t)
	})

	t.Run("fails when the result cannot be recorded", func(t *testing.T) {
		a := &Activities{}
		env := newSynthesisEnv(t, a)

		env.OnActivity(GenerateActivityName, mock.Anything, mock.Anything).
			Return(GenerateResult{ContentRef: "blob://d-1"}, nil)
		env.OnActivity(RecordResultActivityName, mock.Anything, mock.Anything).
			Return(errors.New("store down"))

		env.ExecuteWorkflow(SynthesisWorkflow, input)

		require.True(t, env.IsWorkflowCompleted())
		assert.Error(t, env.GetWorkflowError())
	})
}
