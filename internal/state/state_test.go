package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/clipsync/internal/clip"
	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
	"github.com/alexjbarnes/clipsync/internal/history"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testItem(content string, counter uint64) clip.Item {
	return clip.NewItem([]byte(content), "text/plain", "a1b2c3d4e5f60718", clip.Stamp{
		Peer:    "a1b2c3d4e5f60718",
		Counter: counter,
	})
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	item := testItem("persist-me", 1)
	require.NoError(t, s1.CommitCanonical(item, history.Entry{Item: item}, 10))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.SyncState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item.Hash, got.Hash)
	assert.Equal(t, []byte("persist-me"), got.Content)
}

func TestLoadAt_CorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	require.NoError(t, os.WriteFile(dbPath, []byte("not a bolt database"), 0o600))

	_, err := LoadAt(dbPath)
	require.Error(t, err)
	assert.ErrorIs(t, err, clierrors.ErrStateCorrupt)
}

// --- SyncState ---

func TestSyncState_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	_, ok, err := s.SyncState()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitCanonical_RoundTrip(t *testing.T) {
	s := testDB(t)
	item := testItem("hello", 3)
	require.NoError(t, s.CommitCanonical(item, history.Entry{Item: item}, 10))

	got, ok, err := s.SyncState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, item, got)
}

func TestCommitCanonical_Overwrite(t *testing.T) {
	s := testDB(t)
	old := testItem("old", 1)
	require.NoError(t, s.CommitCanonical(old, history.Entry{Item: old}, 10))

	updated := testItem("new", 2)
	require.NoError(t, s.CommitCanonical(updated, history.Entry{Item: updated}, 10))

	got, ok, err := s.SyncState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got.Content)
	assert.Equal(t, uint64(2), got.Stamp.Counter)
}

// --- Counter ---

func TestCounter_ZeroByDefault(t *testing.T) {
	s := testDB(t)
	c, err := s.Counter()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c)
}

func TestNextCounter_Monotonic(t *testing.T) {
	s := testDB(t)

	var prev uint64
	for range 5 {
		next, err := s.NextCounter()
		require.NoError(t, err)
		assert.Greater(t, next, prev)
		prev = next
	}
}

func TestNextCounter_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	n1, err := s1.NextCounter()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	n2, err := s2.NextCounter()
	require.NoError(t, err)
	assert.Greater(t, n2, n1)
}

// --- History ---

func TestHistory_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	entries, err := s.History()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommitCanonical_AppendsHistory(t *testing.T) {
	s := testDB(t)

	for i, content := range []string{"one", "two", "three"} {
		item := testItem(content, uint64(i+1))
		require.NoError(t, s.CommitCanonical(item, history.Entry{Item: item, AcceptedAt: time.Now()}, 10))
	}

	entries, err := s.History()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Oldest first on disk.
	assert.Equal(t, []byte("one"), entries[0].Item.Content)
	assert.Equal(t, []byte("three"), entries[2].Item.Content)
}

func TestAppendHistory_DoesNotTouchSyncState(t *testing.T) {
	s := testDB(t)
	canonical := testItem("canonical", 5)
	require.NoError(t, s.CommitCanonical(canonical, history.Entry{Item: canonical}, 10))

	loser := testItem("superseded", 4)
	require.NoError(t, s.AppendHistory(history.Entry{Item: loser}, 10))

	got, ok, err := s.SyncState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, canonical.Hash, got.Hash)

	entries, err := s.History()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHistory_TrimmedToLimit(t *testing.T) {
	s := testDB(t)

	for i := range 7 {
		item := testItem(string(rune('a'+i)), uint64(i+1))
		require.NoError(t, s.CommitCanonical(item, history.Entry{Item: item}, 3))
	}

	entries, err := s.History()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Oldest entries evicted first.
	assert.Equal(t, []byte("e"), entries[0].Item.Content)
	assert.Equal(t, []byte("g"), entries[2].Item.Content)
}

func TestHistory_BulkTrimEvictsOldestOnly(t *testing.T) {
	s := testDB(t)

	// Build up well past the eventual limit, then commit once with a
	// lower limit, forcing a trim of several entries in one call.
	for i := range 10 {
		item := testItem(string(rune('a'+i)), uint64(i+1))
		require.NoError(t, s.CommitCanonical(item, history.Entry{Item: item}, 100))
	}

	final := testItem("final", 11)
	require.NoError(t, s.CommitCanonical(final, history.Entry{Item: final}, 3))

	entries, err := s.History()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("i"), entries[0].Item.Content)
	assert.Equal(t, []byte("j"), entries[1].Item.Content)
	assert.Equal(t, []byte("final"), entries[2].Item.Content)
}

func TestHistory_PreservesAcceptedOver(t *testing.T) {
	s := testDB(t)
	item := testItem("winner", 2)
	entry := history.Entry{Item: item, AcceptedOver: []string{"deadbeef"}}
	require.NoError(t, s.CommitCanonical(item, entry, 10))

	entries, err := s.History()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"deadbeef"}, entries[0].AcceptedOver)
}

// --- Peers ---

func TestAllPeers_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	peers, err := s.AllPeers()
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSavePeer_RoundTrip(t *testing.T) {
	s := testDB(t)
	rec := PeerRecord{ID: "feedface00000001", Addr: "192.168.1.7:9470", LastSeen: time.Now().Truncate(time.Second)}
	require.NoError(t, s.SavePeer(rec))

	peers, err := s.AllPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, rec.ID, peers[0].ID)
	assert.Equal(t, rec.Addr, peers[0].Addr)
	assert.True(t, rec.LastSeen.Equal(peers[0].LastSeen))
}

func TestSavePeer_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SavePeer(PeerRecord{ID: "p1", Addr: "old:1"}))
	require.NoError(t, s.SavePeer(PeerRecord{ID: "p1", Addr: "new:2"}))

	peers, err := s.AllPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "new:2", peers[0].Addr)
}

func TestDeletePeer(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SavePeer(PeerRecord{ID: "p1", Addr: "a:1"}))
	require.NoError(t, s.SavePeer(PeerRecord{ID: "p2", Addr: "b:2"}))
	require.NoError(t, s.DeletePeer("p1"))

	peers, err := s.AllPeers()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "p2", peers[0].ID)
}

func TestDeletePeer_NonexistentIsNoOp(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.DeletePeer("never-existed"))
}
