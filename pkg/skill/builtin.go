package skill

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/droverlabs/drover/pkg/textscan"
	"github.com/droverlabs/drover/pkg/tool"
)

const memoryTTL = 24 * time.Hour

// RegisterBuiltins installs the in-process tool set the default skills
// dispatch to. Deployments that bridge to external tools over stdio replace
// these with a StdioClient behind the same names.
func RegisterBuiltins(reg *tool.Registry) {
	memory := gocache.New(memoryTTL, 10*time.Minute)

	reg.Register(&tool.Tool{
		Name:        "trends.analyze",
		Description: "Score trending topics against a subject using token overlap.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"topic":  {Type: "string"},
			"corpus": {Type: "string"},
		}, Required: []string{"topic"}},
		Handler: analyzeTrendsTool,
	})
	reg.Register(&tool.Tool{
		Name:        "content.generate",
		Description: "Draft a platform post for a topic.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"topic":    {Type: "string"},
			"platform": {Type: "string"},
			"context":  {},
		}, Required: []string{"topic"}},
		Handler: generateContentTool,
	})
	reg.Register(&tool.Tool{
		Name:        "social.post",
		Description: "Publish content to a social platform.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"content":  {Type: "string"},
			"platform": {Type: "string"},
		}, Required: []string{"content"}},
		Handler: socialActionTool("post"),
	})
	reg.Register(&tool.Tool{
		Name:        "social.reply",
		Description: "Reply to a comment on a social platform.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"comment_id": {Type: "string"},
			"content":    {Type: "string"},
			"platform":   {Type: "string"},
		}, Required: []string{"comment_id", "content"}},
		Handler: socialActionTool("reply"),
	})
	reg.Register(&tool.Tool{
		Name:        "wallet.transfer",
		Description: "Submit a USDC transfer.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"amount_usdc": {Type: "number"},
			"recipient":   {Type: "string"},
			"wallet_key":  {Type: "string"},
		}, Required: []string{"amount_usdc", "wallet_key"}},
		Handler: walletTransferTool,
	})
	reg.Register(&tool.Tool{
		Name:        "memory.search",
		Description: "Recall stored notes matching a query.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"query": {Type: "string"},
		}, Required: []string{"query"}},
		Handler: memorySearchTool(memory),
	})
	reg.Register(&tool.Tool{
		Name:        "memory.store",
		Description: "Store a note for later recall.",
		InputSchema: &tool.Schema{Type: "object", Properties: map[string]*tool.Schema{
			"key":  {Type: "string"},
			"note": {Type: "string"},
		}, Required: []string{"key", "note"}},
		Handler: memoryStoreTool(memory),
	})
}

func analyzeTrendsTool(_ context.Context, args tool.Args) (tool.Result, error) {
	topic, _ := args["topic"].(string)
	corpus, _ := args["corpus"].(string)
	topicTokens := textscan.Tokenize(topic)

	type trend struct {
		name  string
		score float64
	}
	var trends []trend
	for _, line := range strings.Split(corpus, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s := textscan.Overlap(topicTokens, textscan.Tokenize(line))
		if s > 0 {
			trends = append(trends, trend{name: line, score: s})
		}
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].score != trends[j].score {
			return trends[i].score > trends[j].score
		}
		return trends[i].name < trends[j].name
	})
	if len(trends) > 5 {
		trends = trends[:5]
	}

	out := make([]interface{}, 0, len(trends))
	confidence := 0.5
	for i, t := range trends {
		out = append(out, map[string]interface{}{"name": t.name, "score": t.score})
		if i == 0 {
			confidence = 0.5 + t.score/2
		}
	}
	return tool.Result{
		"trends":     out,
		"summary":    fmt.Sprintf("%d trends matched %q", len(out), topic),
		"confidence": confidence,
	}, nil
}

func generateContentTool(_ context.Context, args tool.Args) (tool.Result, error) {
	topic, _ := args["topic"].(string)
	platform, _ := args["platform"].(string)
	if platform == "" {
		platform = "x"
	}
	body := fmt.Sprintf("Here's what matters about %s right now.", topic)
	if recalled, ok := args["context"].([]interface{}); ok && len(recalled) > 0 {
		if note, ok := recalled[0].(string); ok && note != "" {
			body = fmt.Sprintf("%s Last time we covered this: %s", body, note)
		}
	}
	return tool.Result{
		"content":    body,
		"platform":   platform,
		"confidence": 0.8,
	}, nil
}

func socialActionTool(action string) tool.Handler {
	return func(_ context.Context, args tool.Args) (tool.Result, error) {
		platform, _ := args["platform"].(string)
		if platform == "" {
			platform = "x"
		}
		return tool.Result{
			"action":   action,
			"platform": platform,
			"post_id":  uuid.NewString(),
		}, nil
	}
}

func walletTransferTool(_ context.Context, args tool.Args) (tool.Result, error) {
	key, _ := args["wallet_key"].(string)
	if key == "" {
		return nil, fmt.Errorf("wallet key is empty")
	}
	amount, _ := args["amount_usdc"].(float64)
	return tool.Result{
		"tx_hash":     "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		"amount_usdc": amount,
	}, nil
}

func memorySearchTool(memory *gocache.Cache) tool.Handler {
	return func(_ context.Context, args tool.Args) (tool.Result, error) {
		query, _ := args["query"].(string)
		queryTokens := textscan.Tokenize(query)
		var hits []interface{}
		for key, item := range memory.Items() {
			note, ok := item.Object.(string)
			if !ok {
				continue
			}
			if textscan.Overlap(queryTokens, textscan.Tokenize(key+" "+note)) > 0 {
				hits = append(hits, note)
			}
		}
		return tool.Result{"hits": hits}, nil
	}
}

func memoryStoreTool(memory *gocache.Cache) tool.Handler {
	return func(_ context.Context, args tool.Args) (tool.Result, error) {
		key, _ := args["key"].(string)
		note, _ := args["note"].(string)
		memory.SetDefault(key, note)
		return tool.Result{"stored": true}, nil
	}
}
