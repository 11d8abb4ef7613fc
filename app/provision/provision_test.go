package provision

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omrchecker/omrd/app/store"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "operators.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "omrd.db"))
	require.NoError(t, err)
	require.NoError(t, s.Initialize())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoad(t *testing.T) {
	path := writeFile(t, `
operators:
  - webhook_url: https://alpha.example.com/hook
  - token: tok-beta
    webhook_url: http://beta.example.com/hook
`)
	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Operators, 2)
	assert.Empty(t, f.Operators[0].Token)
	assert.Equal(t, "https://alpha.example.com/hook", f.Operators[0].WebhookURL)
	assert.Equal(t, "tok-beta", f.Operators[1].Token)
}

func TestLoadFailures(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "operators: [broken"))
		assert.Error(t, err)
	})

	t.Run("no operators", func(t *testing.T) {
		_, err := Load(writeFile(t, "operators: []"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "declares no operators")
	})

	t.Run("missing webhook url", func(t *testing.T) {
		_, err := Load(writeFile(t, "operators:\n  - token: t1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "webhook_url is required")
	})

	t.Run("bad webhook url", func(t *testing.T) {
		_, err := Load(writeFile(t, "operators:\n  - webhook_url: ftp://x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be http(s)")
	})
}

func TestApply(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &File{Operators: []Entry{
		{WebhookURL: "https://alpha.example.com/hook"},
		{Token: "tok-beta", WebhookURL: "https://beta.example.com/hook"},
	}}
	results, err := Apply(ctx, s.Operators, f)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.True(t, results[0].Created)
	assert.Contains(t, results[0].Operator.ID, "op_")
	assert.NotEmpty(t, results[0].Operator.Token, "a token is generated when the file omits one")

	assert.True(t, results[1].Created)
	assert.Equal(t, "tok-beta", results[1].Operator.Token)

	ops, err := s.Operators.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestApplyUpdatesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := Apply(ctx, s.Operators, &File{Operators: []Entry{
		{Token: "tok-1", WebhookURL: "https://old.example.com/hook"},
	}})
	require.NoError(t, err)
	require.True(t, first[0].Created)

	second, err := Apply(ctx, s.Operators, &File{Operators: []Entry{
		{Token: "tok-1", WebhookURL: "https://new.example.com/hook"},
	}})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.False(t, second[0].Created, "same token must not duplicate the operator")
	assert.Equal(t, first[0].Operator.ID, second[0].Operator.ID)

	ops, err := s.Operators.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "https://new.example.com/hook", ops[0].WebhookURL)
}

func TestApplyDuplicateTokenInBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// second entry with the same fresh token hits the one created moments
	// before and turns into an update
	results, err := Apply(ctx, s.Operators, &File{Operators: []Entry{
		{Token: "tok-dup", WebhookURL: "https://a.example.com/hook"},
		{Token: "tok-dup", WebhookURL: "https://b.example.com/hook"},
	}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Created)
	assert.False(t, results[1].Created)

	ops, err := s.Operators.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "https://b.example.com/hook", ops[0].WebhookURL)
}

func TestNewOperatorID(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 50; i++ {
		id := newOperatorID()
		assert.Len(t, id, len("op_")+12)
		_, dup := seen[id]
		assert.False(t, dup)
		seen[id] = struct{}{}
	}
}
