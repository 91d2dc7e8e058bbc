package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePolicy = `
default:
  auto_contain: false
organizations:
  42:
    auto_contain: true
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	require.NoError(t, err)
	assert.True(t, p.For(42).AutoContain)
	assert.False(t, p.For(7).AutoContain)

	empty, err := ParsePolicy(nil)
	require.NoError(t, err)
	assert.False(t, empty.For(42).AutoContain)

	var missing *Policy
	assert.False(t, missing.For(42).AutoContain)

	_, err = ParsePolicy([]byte("default:\n  auto_contian: true\n"))
	assert.Error(t, err)
}

func TestPolicyWatcher_Reloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePolicy), 0o600))

	w, err := NewPolicyWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	assert.True(t, w.AutoContain(42))
	assert.False(t, w.AutoContain(7))

	updated := "default:\n  auto_contain: true\norganizations:\n  42:\n    auto_contain: false\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.Eventually(t, func() bool {
		return w.AutoContain(7) && !w.AutoContain(42)
	}, 2*time.Second, 10*time.Millisecond)

	// a broken file keeps the last good policy
	require.NoError(t, os.WriteFile(path, []byte("organizations: ["), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.True(t, w.AutoContain(7))
}

func TestPolicyWatcher_MissingFile(t *testing.T) {
	_, err := NewPolicyWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}
