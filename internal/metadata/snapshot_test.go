package metadata

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/covered-cache/edgecache/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := New(4, 2, nil)
	sz := int64(128)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("aaaa")}, &sz, false)
	m.AddForNewKey("b", wire.Value{Bytes: []byte("bbbb")}, nil, true)
	m.UpdateNoValueStats("a", false, false)
	m.UpdateNoValueStats("b", true, true)

	var buf bytes.Buffer
	require.NoError(t, m.Snapshot(&buf))

	restored := New(4, 2, nil)
	require.NoError(t, restored.Restore(bytes.NewReader(buf.Bytes())))

	assert.True(t, restored.IsKeyExist("a"))
	assert.True(t, restored.IsKeyExist("b"))

	wantKey, wantReward, ok := m.GetLeastRewardKeyAndReward(0)
	require.True(t, ok)
	gotKey, gotReward, ok := restored.GetLeastRewardKeyAndReward(0)
	require.True(t, ok)
	assert.Equal(t, wantKey, gotKey)
	assert.Equal(t, wantReward, gotReward)

	assert.Equal(t, m.curGroupID, restored.curGroupID)
	assert.Equal(t, m.recencySeq, restored.recencySeq)
}

func TestSnapshotRestoreEmpty(t *testing.T) {
	m := New(4, 2, nil)
	var buf bytes.Buffer
	require.NoError(t, m.Snapshot(&buf))

	restored := New(4, 2, nil)
	require.NoError(t, restored.Restore(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, 0, len(restored.lookup))
}

func TestSaveLoadBoltRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.bolt")

	m := New(4, 2, nil)
	m.AddForNewKey("a", wire.Value{Bytes: []byte("aaaa")}, nil, false)
	require.NoError(t, SaveBolt(path, m))

	restored := New(4, 2, nil)
	found, err := LoadBolt(path, restored)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, restored.IsKeyExist("a"))
}

func TestLoadBoltMissingFileIsNotError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.bolt")

	m := New(4, 2, nil)
	found, err := LoadBolt(path, m)
	require.NoError(t, err)
	assert.False(t, found)

	_, statErr := os.Stat(path)
	assert.Error(t, statErr)
}
