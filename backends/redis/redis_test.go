package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/remiges-tech/markov/chain"
	"github.com/remiges-tech/markov/internal/backendtest"
	"github.com/remiges-tech/markov/internal/logger"
	"github.com/remiges-tech/markov/scorers"
)

var (
	sharedContainer testcontainers.Container
	sharedAddr      string
	setupErr        error
)

// TestMain sets up a shared Redis container for all tests
func TestMain(m *testing.M) {
	ctx := context.Background()
	sharedContainer, sharedAddr, setupErr = setupSharedContainer(ctx)
	if setupErr != nil {
		log.Printf("redis container unavailable, skipping container tests: %v", setupErr)
	}

	code := m.Run()

	if sharedContainer != nil {
		if err := sharedContainer.Terminate(ctx); err != nil {
			log.Printf("Failed to terminate container: %v", err)
		}
	}

	os.Exit(code)
}

func setupSharedContainer(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:8-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return container, "", err
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return container, "", err
	}

	return container, fmt.Sprintf("%s:%s", host, port.Port()), nil
}

// getTestBackend flushes the shared database and connects to it.
func getTestBackend(t *testing.T, namespace string) *Backend {
	t.Helper()
	if setupErr != nil {
		t.Skipf("redis not available: %v", setupErr)
	}

	b, err := New(Config{Addr: sharedAddr, Namespace: namespace, Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, b.client.FlushDB(context.Background()).Err())
	require.NoError(t, b.client.Close())

	b, err = New(Config{Addr: sharedAddr, Namespace: namespace, Logger: logger.Discard()})
	require.NoError(t, err)
	return b
}

func TestContract(t *testing.T) {
	backendtest.Run(t, func(t *testing.T) chain.Backend {
		return getTestBackend(t, "")
	})
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()

	first := getTestBackend(t, "first")
	defer first.Close()
	second, err := New(Config{Addr: sharedAddr, Namespace: "second", Logger: logger.Discard()})
	require.NoError(t, err)
	defer second.Close()

	key := chain.Key{"only", "here"}
	require.NoError(t, first.Insert(ctx, scorer, key, "yes"))

	got, err := second.Lookup(ctx, scorer, key)
	require.NoError(t, err)
	assert.Empty(t, got)

	random, err := second.Random(ctx, scorer)
	require.NoError(t, err)
	assert.Nil(t, random)
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	scorer := scorers.NoAdjust()
	b := getTestBackend(t, "wipe")
	defer b.Close()

	require.NoError(t, b.Insert(ctx, scorer, chain.Key{"a", "b"}, "c"))
	require.NoError(t, b.Insert(ctx, scorer, chain.Key{"b", "c"}, "d"))
	require.NoError(t, b.DeleteAll(ctx))

	keys, err := b.Contexts(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, keys)

	state, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), state.Count)
}

func TestPruneRestartsWhenInsertRaces(t *testing.T) {
	ctx := context.Background()
	decay := scorers.WordAdjust(2)
	b := getTestBackend(t, "race")
	defer b.Close()
	other, err := New(Config{Addr: sharedAddr, Namespace: "race", Logger: logger.Discard()})
	require.NoError(t, err)
	defer other.Close()

	old := chain.Key{"old", "key"}
	require.NoError(t, b.Insert(ctx, decay, old, "gone"))
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Insert(ctx, decay, chain.Key{"new", "key"}, "fresh"))
	}

	// old->gone is stale when the scan runs, then seen again before the deletes
	scans := 0
	b.afterPruneScan = func() {
		scans++
		if scans == 1 {
			require.NoError(t, other.Insert(ctx, decay, old, "gone"))
		}
	}
	require.NoError(t, b.Prune(ctx, decay))
	assert.Equal(t, 1, scans, "the restarted scan finds nothing stale")

	got, err := b.Lookup(ctx, scorers.NoAdjust(), old)
	require.NoError(t, err)
	assert.Equal(t, []chain.Candidate{{Next: "gone", Score: 1}}, got)

	prev, err := b.Predecessors(ctx, scorers.NoAdjust(), chain.Key{"key", "gone"})
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Equal(t, "old", prev[0].Next)
}

func TestUnreachableIsIOError(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1", Logger: logger.Discard()})
	require.Error(t, err)
	assert.ErrorIs(t, err, chain.ErrIO)
}

func TestRecordRoundTrip(t *testing.T) {
	in := chain.Snippet{Score: 7, Seen: chain.State{Time: 1_700_000_000, Count: 42}, Created: 3}
	data, err := encodeRecord(in)
	require.NoError(t, err)

	out, err := decodeRecord(string(data))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeRecord("\xc1")
	assert.Error(t, err)
}
