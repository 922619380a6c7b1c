package skill

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/droverlabs/drover/pkg/secrets"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

// ErrUnknownType is returned when no skill is registered for a task type.
var ErrUnknownType = errors.New("skill: no handler for task type")

// Env is everything a skill may touch. Skills own all external I/O; the
// worker never calls a collaborator directly.
type Env struct {
	Invoker   tool.Invoker
	Resources tool.ResourceReader
	Secrets   secrets.Provider
}

// Outcome is what a skill hands back to the worker, which wraps it into a
// TaskResult with the task/worker identity fields.
type Outcome struct {
	Output     map[string]interface{}
	Confidence float64
	Reasoning  string
	CostUSDC   float64
}

// Handler executes one task of a specific type.
type Handler func(ctx context.Context, task *types.Task, env *Env) (*Outcome, error)

// Table is the compile-time dispatch mapping from task type to handler.
type Table map[types.TaskType]Handler

// NewTable builds the standard table covering every task type.
func NewTable() Table {
	return Table{
		types.TaskTypeAnalyzeTrends:      AnalyzeTrends,
		types.TaskTypeGenerateContent:    GenerateContent,
		types.TaskTypePostContent:        PostContent,
		types.TaskTypeReplyComment:       ReplyComment,
		types.TaskTypeExecuteTransaction: ExecuteTransaction,
	}
}

// Dispatch routes the task to its handler.
func (t Table) Dispatch(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	h, ok := t[task.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, task.Type)
	}
	return h(ctx, task, env)
}

// TxAmount extracts the requested transfer amount from a commerce task's
// context. The worker uses it for the budget pre-check before dispatch.
func TxAmount(task *types.Task) (float64, error) {
	raw, ok := task.Context["amount_usdc"]
	if !ok {
		return 0, fmt.Errorf("commerce task %s missing amount_usdc", task.ID)
	}
	amount, err := strconv.ParseFloat(raw, 64)
	if err != nil || amount < 0 {
		return 0, fmt.Errorf("commerce task %s has invalid amount_usdc %q", task.ID, raw)
	}
	return amount, nil
}
