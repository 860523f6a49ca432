package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"communityloans/storage"
)

type kvRecord struct {
	Amount *big.Int
	Owner  []byte
}

func TestKVPutGetDeleteThroughOverlay(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	require.NoError(t, mgr.KVPut([]byte("loan/1"), kvRecord{Amount: big.NewInt(42), Owner: []byte{0x01}}))

	var out kvRecord
	ok, err := mgr.KVGet([]byte("loan/1"), &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), out.Amount.Int64())
	require.Equal(t, 0, db.Len(), "staged writes must not reach the backend")

	require.NoError(t, mgr.KVDelete([]byte("loan/1")))
	ok, err = mgr.KVGet([]byte("loan/1"), &out)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = mgr.KVGet(nil, &out)
	require.Error(t, err)
}

func TestSnapshotRevertRestoresPriorValues(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVPut([]byte("counter"), uint32(1)))

	snap := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("counter"), uint32(2)))
	require.NoError(t, mgr.KVPut([]byte("fresh"), uint32(7)))
	require.NoError(t, mgr.KVDelete([]byte("counter")))

	mgr.RevertToSnapshot(snap)

	var counter uint32
	ok, err := mgr.KVGet([]byte("counter"), &counter)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), counter)

	ok, err = mgr.KVGet([]byte("fresh"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNestedSnapshots(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	outer := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("a"), uint32(1)))
	inner := mgr.Snapshot()
	require.NoError(t, mgr.KVPut([]byte("b"), uint32(2)))

	mgr.RevertToSnapshot(inner)
	ok, err := mgr.KVGet([]byte("a"), nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = mgr.KVGet([]byte("b"), nil)
	require.NoError(t, err)
	require.False(t, ok)

	mgr.RevertToSnapshot(outer)
	require.Equal(t, 0, mgr.Pending())
}

func TestCommitFlushesAndDiscardDrops(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)

	require.NoError(t, mgr.KVPut([]byte("kept"), uint32(5)))
	require.NoError(t, mgr.Commit())
	require.Equal(t, 1, db.Len())
	require.Equal(t, 0, mgr.Pending())

	require.NoError(t, mgr.KVPut([]byte("dropped"), uint32(9)))
	require.NoError(t, mgr.KVDelete([]byte("kept")))
	mgr.Discard()

	reloaded := NewManager(db)
	var kept uint32
	ok, err := reloaded.KVGet([]byte("kept"), &kept)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(5), kept)
	ok, err = reloaded.KVGet([]byte("dropped"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKVGetListDefaultsToEmptySlice(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	var list []uint32
	require.NoError(t, mgr.KVGetList([]byte("missing"), &list))
	require.NotNil(t, list)
	require.Len(t, list, 0)

	require.NoError(t, mgr.KVPut([]byte("present"), []uint32{3, 1, 2}))
	require.NoError(t, mgr.KVGetList([]byte("present"), &list))
	require.Equal(t, []uint32{3, 1, 2}, list)
}
