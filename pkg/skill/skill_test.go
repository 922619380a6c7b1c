package skill

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverlabs/drover/pkg/secrets"
	"github.com/droverlabs/drover/pkg/tool"
	"github.com/droverlabs/drover/pkg/types"
)

type staticSecrets map[string]string

func (s staticSecrets) Get(name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", secrets.ErrNotFound
}

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	reg := tool.NewRegistry()
	RegisterBuiltins(reg)
	reg.RegisterStaticResource("news://headlines", "solar power adoption accelerates\ncrypto markets rally on rate cut\nsustainable fashion trends for fall")
	return &Env{
		Invoker:   reg,
		Resources: reg,
		Secrets:   staticSecrets{"WALLET_KEY": "0xdeadbeef"},
	}
}

func TestTableCoversAllTaskTypes(t *testing.T) {
	table := NewTable()
	for _, tt := range []types.TaskType{
		types.TaskTypeAnalyzeTrends,
		types.TaskTypeGenerateContent,
		types.TaskTypePostContent,
		types.TaskTypeReplyComment,
		types.TaskTypeExecuteTransaction,
	} {
		_, ok := table[tt]
		assert.True(t, ok, "missing handler for %s", tt)
	}
}

func TestDispatchUnknownType(t *testing.T) {
	table := NewTable()
	_, err := table.Dispatch(context.Background(), &types.Task{Type: types.TaskType("terraform_mars")}, newTestEnv(t))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestAnalyzeTrends(t *testing.T) {
	env := newTestEnv(t)
	task := &types.Task{
		Type:    types.TaskTypeAnalyzeTrends,
		Context: map[string]string{"topic": "solar power"},
	}
	out, err := AnalyzeTrends(context.Background(), task, env)
	require.NoError(t, err)

	trends, ok := out.Output["trends"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, trends)
	top := trends[0].(map[string]interface{})
	assert.Contains(t, top["name"], "solar")
	assert.Greater(t, out.Confidence, 0.5)
	assert.Zero(t, out.CostUSDC)
}

func TestGenerateContentRecallsMemory(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Invoker.Invoke(context.Background(), "memory.store", tool.Args{
		"key":  "solar power",
		"note": "engagement peaked on the rooftop panel thread",
	})
	require.NoError(t, err)

	task := &types.Task{
		Type:    types.TaskTypeGenerateContent,
		Context: map[string]string{"topic": "solar power", "platform": "x"},
	}
	out, err := GenerateContent(context.Background(), task, env)
	require.NoError(t, err)
	content := out.Output["content"].(string)
	assert.Contains(t, content, "solar power")
	assert.Contains(t, content, "rooftop panel")
	assert.Equal(t, "x", out.Output["platform"])
}

func TestPostContent(t *testing.T) {
	env := newTestEnv(t)
	task := &types.Task{
		Type:    types.TaskTypePostContent,
		Context: map[string]string{"content": "hello fediverse", "platform": "mastodon"},
	}
	out, err := PostContent(context.Background(), task, env)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Output["post_id"])
	assert.Equal(t, "mastodon", out.Output["platform"])
	assert.Equal(t, defaultActionConfidence, out.Confidence)
}

func TestExecuteTransaction(t *testing.T) {
	env := newTestEnv(t)
	task := &types.Task{
		ID:      "task-tx-1",
		Type:    types.TaskTypeExecuteTransaction,
		Context: map[string]string{"amount_usdc": "4.20", "recipient": "0xabc"},
	}
	out, err := ExecuteTransaction(context.Background(), task, env)
	require.NoError(t, err)
	assert.Equal(t, 4.20, out.CostUSDC)
	assert.Contains(t, out.Output["tx_hash"], "0x")
	// the wallet key must never leak into the result payload
	for _, v := range out.Output {
		assert.NotEqual(t, "0xdeadbeef", v)
	}
}

func TestExecuteTransactionMissingSecret(t *testing.T) {
	env := newTestEnv(t)
	env.Secrets = staticSecrets{}
	task := &types.Task{
		ID:      "task-tx-2",
		Type:    types.TaskTypeExecuteTransaction,
		Context: map[string]string{"amount_usdc": "1.00"},
	}
	_, err := ExecuteTransaction(context.Background(), task, env)
	assert.ErrorContains(t, err, "wallet key")
}

func TestTxAmount(t *testing.T) {
	tests := []struct {
		name    string
		ctx     map[string]string
		want    float64
		wantErr bool
	}{
		{name: "valid", ctx: map[string]string{"amount_usdc": "12.5"}, want: 12.5},
		{name: "zero", ctx: map[string]string{"amount_usdc": "0"}, want: 0},
		{name: "missing", ctx: map[string]string{}, wantErr: true},
		{name: "negative", ctx: map[string]string{"amount_usdc": "-3"}, wantErr: true},
		{name: "garbage", ctx: map[string]string{"amount_usdc": "a lot"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TxAmount(&types.Task{ID: "t", Context: tt.ctx})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
