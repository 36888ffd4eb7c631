package chunk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorePutGet(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s, err := NewStore(filepath.Join(t.TempDir(), "scratch"), compress)
		require.NoError(t, err)
		defer s.Close()

		_, err = s.Get(testGUID)
		assert.ErrorIs(t, err, ErrNotCached)
		assert.False(t, s.Has(testGUID))

		data := chunkData(4096)
		require.NoError(t, s.Put(testGUID, data))
		assert.True(t, s.Has(testGUID))
		_, err = os.Stat(s.Path(testGUID) + ".part")
		assert.True(t, os.IsNotExist(err))

		got, err := s.Get(testGUID)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		if compress {
			assert.Equal(t, ".zst", filepath.Ext(s.Path(testGUID)))
			raw, err := os.ReadFile(s.Path(testGUID))
			require.NoError(t, err)
			assert.Less(t, len(raw), len(data))
		} else {
			assert.Equal(t, "11111111222222223333333344444444.chunk", filepath.Base(s.Path(testGUID)))
		}

		require.NoError(t, s.Remove(testGUID))
		require.NoError(t, s.Remove(testGUID))
		assert.False(t, s.Has(testGUID))
	}
}

func TestStoreLookupDropsStaleEntries(t *testing.T) {
	s, err := NewStore(t.TempDir(), false)
	require.NoError(t, err)
	defer s.Close()

	data := chunkData(2048)
	info := infoFor(data)
	require.NoError(t, s.Put(testGUID, data))

	got, ok := s.Lookup(info)
	require.True(t, ok)
	assert.Equal(t, data, got)

	require.NoError(t, s.Put(testGUID, data[:1024]))
	_, ok = s.Lookup(info)
	assert.False(t, ok)
	assert.False(t, s.Has(testGUID))
}

func TestStoreRemoveAll(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scratch")
	s, err := NewStore(dir, false)
	require.NoError(t, err)
	require.NoError(t, s.Put(testGUID, []byte("x")))
	require.NoError(t, s.RemoveAll())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
