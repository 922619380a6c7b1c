package skill

import (
	"context"
	"fmt"

	"github.com/droverlabs/drover/pkg/secrets"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

// Default confidences reported when the underlying tool does not score its
// own output. Analysis and generation are judged on content, so they carry
// a mid-band score that routes them through auto-approval only when the
// tool raises it; side-effecting actions report high confidence because
// they either happened or errored.
const (
	defaultAnalysisConfidence = 0.75
	defaultActionConfidence   = 0.95
)

// AnalyzeTrends asks the trends tool for scored topics around the task's
// subject, folding in the news resource when one is wired.
func AnalyzeTrends(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	args := tool.Args{"topic": task.Context["topic"]}
	if env.Resources != nil {
		if headlines, err := env.Resources.ReadResource(ctx, "news://headlines"); err == nil {
			args["corpus"] = string(headlines)
		}
	}
	res, err := env.Invoker.Invoke(ctx, "trends.analyze", args)
	if err != nil {
		return nil, err
	}
	return outcomeFromResult(res, defaultAnalysisConfidence, "trend analysis over current corpus"), nil
}

// GenerateContent drafts a post. It first searches agent memory for prior
// context on the topic and feeds any hits to the generator.
func GenerateContent(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	args := tool.Args{
		"topic":    task.Context["topic"],
		"platform": platformFor(task),
	}
	if mem, err := env.Invoker.Invoke(ctx, "memory.search", tool.Args{"query": task.Context["topic"]}); err == nil {
		if hits, ok := mem["hits"]; ok {
			args["context"] = hits
		}
	}
	res, err := env.Invoker.Invoke(ctx, "content.generate", args)
	if err != nil {
		return nil, err
	}
	return outcomeFromResult(res, defaultAnalysisConfidence, "drafted from topic and recalled context"), nil
}

// PostContent publishes a previously generated draft.
func PostContent(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	res, err := env.Invoker.Invoke(ctx, "social.post", tool.Args{
		"content":  task.Context["content"],
		"platform": platformFor(task),
	})
	if err != nil {
		return nil, err
	}
	return outcomeFromResult(res, defaultActionConfidence, "published to platform"), nil
}

// ReplyComment answers an audience comment in thread.
func ReplyComment(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	res, err := env.Invoker.Invoke(ctx, "social.reply", tool.Args{
		"comment_id": task.Context["comment_id"],
		"content":    task.Context["content"],
		"platform":   platformFor(task),
	})
	if err != nil {
		return nil, err
	}
	return outcomeFromResult(res, defaultActionConfidence, "replied in thread"), nil
}

// ExecuteTransaction moves funds. The wallet key comes from the tenant's
// secret provider and never appears in the outcome payload.
func ExecuteTransaction(ctx context.Context, task *types.Task, env *Env) (*Outcome, error) {
	amount, err := TxAmount(task)
	if err != nil {
		return nil, err
	}
	key, err := secrets.Required(env.Secrets, "WALLET_KEY")
	if err != nil {
		return nil, fmt.Errorf("wallet key unavailable: %w", err)
	}
	res, err := env.Invoker.Invoke(ctx, "wallet.transfer", tool.Args{
		"amount_usdc": amount,
		"recipient":   task.Context["recipient"],
		"wallet_key":  key,
	})
	if err != nil {
		return nil, err
	}
	out := outcomeFromResult(res, defaultActionConfidence, "transfer submitted")
	out.CostUSDC = amount
	return out, nil
}

func platformFor(task *types.Task) string {
	if p, ok := task.Context["platform"]; ok && p != "" {
		return p
	}
	return "x"
}

func outcomeFromResult(res tool.Result, confidence float64, reasoning string) *Outcome {
	out := &Outcome{
		Output:     map[string]interface{}(res),
		Confidence: confidence,
		Reasoning:  reasoning,
	}
	if c, ok := res["confidence"].(float64); ok && c > 0 {
		out.Confidence = c
		delete(res, "confidence")
	}
	return out
}
