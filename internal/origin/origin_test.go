package origin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetPutDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Put(ctx, "k", []byte("v")))
	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found)
}

func TestBoltGetPutDelete(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "origin.db")

	store, err := OpenBolt(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Put(ctx, "k", []byte("value")))
	v, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("value"), v)

	require.NoError(t, store.Delete(ctx, "k"))
	_, found, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "origin.db")

	store, err := OpenBolt(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "persisted", []byte("yes")))
	require.NoError(t, store.Close())

	reopened, err := OpenBolt(dbPath)
	require.NoError(t, err)
	defer reopened.Close()
	v, found, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("yes"), v)
}
