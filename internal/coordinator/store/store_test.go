package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/coordinator/queue"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func testItems(t *testing.T, contents ...string) []*queue.Item {
	t.Helper()
	limits := queue.Limits{MaxContentLength: 1024, MaxAttachmentSize: 1024, InlineLimit: 64}
	items := make([]*queue.Item, 0, len(contents))
	for _, c := range contents {
		item, err := queue.NewItem("sess-1", c, nil, queue.PriorityNormal, limits)
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	items := testItems(t, "first", "second", "third")
	items[1].Attempts = 2
	items[1].LastError = "agent unreachable"

	st.Save("sess-1", items)
	st.Flush()

	loaded := st.Load("sess-1")
	require.Len(t, loaded, 3)
	assert.Equal(t, items[0].ID, loaded[0].ID)
	assert.Equal(t, "second", loaded[1].Content)
	assert.Equal(t, 2, loaded[1].Attempts)
	assert.Equal(t, "agent unreachable", loaded[1].LastError)
	assert.Equal(t, queue.PriorityNormal, loaded[2].Priority)
}

func TestLoadMissingSession(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	assert.Nil(t, st.Load("never-saved"))
}

func TestLoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.json"), []byte("{not json"), 0o644))

	assert.Nil(t, st.Load("sess-1"))
}

func TestLoadUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sess-1.json"),
		[]byte(`{"version": 99, "items": []}`), 0o644))

	assert.Nil(t, st.Load("sess-1"))
}

func TestSaveCoalescesToLatest(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 50; i++ {
		st.Save("sess-1", testItems(t, "stale"))
	}
	final := testItems(t, "final")
	st.Save("sess-1", final)
	st.Flush()

	loaded := st.Load("sess-1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "final", loaded[0].Content)
	assert.Equal(t, final[0].ID, loaded[0].ID)
}

func TestDelete(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	st.Save("sess-1", testItems(t, "doomed"))
	st.Flush()
	require.NotNil(t, st.Load("sess-1"))

	st.Delete("sess-1")
	st.Flush()
	assert.Nil(t, st.Load("sess-1"))

	// Deleting an absent session is harmless.
	st.Delete("sess-1")
	st.Flush()
}

func TestSessions(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	st.Save("sess-a", testItems(t, "a"))
	st.Save("sess-b", testItems(t, "b"))
	st.Flush()

	ids, err := st.Sessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, ids)
}

func TestPathSanitizesSessionKey(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, testLogger(t))
	require.NoError(t, err)
	defer st.Close()

	st.Save("../evil/../../key", testItems(t, "payload"))
	st.Flush()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "/")
	assert.NotNil(t, st.Load("../evil/../../key"))
}

func TestCloseRejectsFurtherSaves(t *testing.T) {
	st, err := NewFileStore(t.TempDir(), testLogger(t))
	require.NoError(t, err)

	st.Save("sess-1", testItems(t, "kept"))
	st.Close()

	st.Save("sess-1", testItems(t, "dropped"))
	st.Flush()

	loaded := st.Load("sess-1")
	require.Len(t, loaded, 1)
	assert.Equal(t, "kept", loaded[0].Content)
}
