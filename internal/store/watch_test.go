package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitChange(t *testing.T, ch <-chan Change, match func(Change) bool) Change {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			require.True(t, ok, "watcher closed early")
			if match(c) {
				return c
			}
		case <-timeout:
			t.Fatal("timed out waiting for change")
			return Change{}
		}
	}
}

func TestWatcher_ReportsRecordWrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w, err := s.Watch(ctx)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, s.Put(ctx, KindDebate, "d1", &testRecord{ID: "d1"}))
	c := waitChange(t, w.Changes(), func(c Change) bool { return c.ID == "d1" })
	assert.Equal(t, KindDebate, c.Kind)
	assert.False(t, c.Removed)

	require.NoError(t, s.SetActive(ctx, "orch_1"))
	c = waitChange(t, w.Changes(), func(c Change) bool { return c.ID == "" })
	assert.Empty(t, c.Kind)
}

func TestWatcher_StopClosesChannel(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	w, err := s.Watch(context.Background())
	require.NoError(t, err)
	w.Stop()
	w.Stop()

	select {
	case _, ok := <-w.Changes():
		for ok {
			_, ok = <-w.Changes()
		}
	case <-time.After(3 * time.Second):
		t.Fatal("changes channel not closed")
	}
}
