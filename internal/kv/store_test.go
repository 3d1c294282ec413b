package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/containers/abc", []byte("one")))

	v, err := s.Get(ctx, "/containers/abc")
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	require.NoError(t, s.Delete(ctx, "/containers/abc"))
	_, err = s.Get(ctx, "/containers/abc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList_PrefixScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/clusters/a", []byte("a")))
	require.NoError(t, s.Put(ctx, "/clusters/b", []byte("b")))
	require.NoError(t, s.Put(ctx, "/nodes/c", []byte("c")))

	out, err := s.List(ctx, "/clusters")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "a", string(out["/clusters/a"]))
}

func TestCompareAndSwap(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CompareAndSwap(ctx, "/x", nil, []byte("v1")))
	require.ErrorIs(t, s.CompareAndSwap(ctx, "/x", nil, []byte("v2")), ErrCASMismatch)
	require.NoError(t, s.CompareAndSwap(ctx, "/x", []byte("v1"), []byte("v2")))

	v, err := s.Get(ctx, "/x")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func TestPutTTL_Expires(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutTTL(ctx, "/jobs/tmp", []byte("v"), 10*time.Millisecond))
	s.sweepExpired() // deterministic instead of waiting on the ticker

	time.Sleep(20 * time.Millisecond)
	s.sweepExpired()

	_, err := s.Get(ctx, "/jobs/tmp")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWatch_ReceivesMutation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ch, unwatch := s.Watch("/containers")
	defer unwatch()

	require.NoError(t, s.Put(ctx, "/containers/abc", []byte("one")))

	select {
	case ev := <-ch:
		assert.Equal(t, "/containers/abc", ev.Key)
		assert.False(t, ev.Deleted)
	case <-time.After(time.Second):
		t.Fatal("expected watch event")
	}
}

func TestDeletePrefix_RemovesSubtree(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "/containers/abc/a", []byte("1")))
	require.NoError(t, s.Put(ctx, "/containers/abc/b", []byte("2")))
	require.NoError(t, s.DeletePrefix(ctx, "/containers/abc"))

	out, err := s.List(ctx, "/containers/abc")
	require.NoError(t, err)
	assert.Empty(t, out)
}
