package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/markov"
	"github.com/remiges-tech/markov/backends/cache"
	"github.com/remiges-tech/markov/backends/memory"
	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/config"
	"github.com/remiges-tech/markov/internal/logger"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "marky.toml")
	content := "backend = \"sqlite\"\nlog_level = \"error\"\n[sqlite]\npath = \"" +
		filepath.ToSlash(filepath.Join(dir, "marky.db")) + "\"\n[chain]\nselector = \"best\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestInsertThenProduce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	var stdout, stderr bytes.Buffer

	input := strings.NewReader("the cat sat on the mat\nthe cat ran\n")
	code := run(ctx, []string{"-config", cfg, "insert", "-"}, input, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	code = run(ctx, []string{"-config", cfg, "produce", "-n", "2", "-max-words", "3", "-search", "the"}, nil, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, "the cat sat", line)
	}
}

func TestPrintUsesMemory(t *testing.T) {
	ctx := context.Background()
	input := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(input, []byte("one two three\n"), 0o600))
	var stdout, stderr bytes.Buffer

	code := run(ctx, []string{"-log-level", "error", "print", "-search", "one", "-max-words", "5", input}, nil, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Equal(t, "one two three\n", stdout.String())
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	cfg := writeConfig(t, t.TempDir())
	var stdout, stderr bytes.Buffer

	code := run(ctx, []string{"-config", cfg, "prune"}, nil, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
}

func TestUsageErrors(t *testing.T) {
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	assert.Equal(t, 2, run(ctx, nil, nil, &stdout, &stderr))
	assert.Equal(t, 2, run(ctx, []string{"-log-level", "error", "dance"}, nil, &stdout, &stderr))
	assert.Equal(t, 1, run(ctx, []string{"-log-level", "error", "-backend", "memory", "insert"}, nil, &stdout, &stderr))
	assert.Equal(t, 1, run(ctx, []string{"-config", filepath.Join(t.TempDir(), "none.toml"), "prune"}, nil, &stdout, &stderr))
}

// rejectingStore accepts inserts but fails every batched write.
type rejectingStore struct {
	*memory.Backend
}

func (rejectingStore) Store(context.Context, []chain.Snippet, chain.State) error {
	return chain.StorageError("store", errors.New("disk full"))
}

func TestInsertFailsWhenFinalFlushFails(t *testing.T) {
	ctx := context.Background()
	var stdout, stderr bytes.Buffer

	opened := false
	openGenerator = func(cfg *config.Config, l *log.Logger) (markov.Generator, error) {
		opened = true
		cached, err := cache.New(rejectingStore{memory.New(memory.Config{})}, cache.Config{Logger: logger.Discard()})
		if err != nil {
			return nil, err
		}
		options, err := cfg.Options()
		if err != nil {
			return nil, err
		}
		options.Logger = l
		return markov.New(cached, nil, nil, options)
	}
	t.Cleanup(func() { openGenerator = open })

	input := strings.NewReader("the cat sat on the mat\n")
	code := run(ctx, []string{"-log-level", "error", "-backend", "memory", "insert", "-"}, input, &stdout, &stderr)
	require.True(t, opened)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "disk full")
}
