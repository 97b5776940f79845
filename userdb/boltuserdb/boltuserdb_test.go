package boltuserdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndExists(t *testing.T) {
	require := require.New(t)
	db, err := New(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(err)
	defer db.Close()

	recipient := []byte("recipient-one")
	require.False(db.Exists(recipient))

	require.NoError(db.Add(recipient))
	require.True(db.Exists(recipient))
}

func TestRemove(t *testing.T) {
	require := require.New(t)
	db, err := New(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(err)
	defer db.Close()

	recipient := []byte("recipient-two")
	require.NoError(db.Add(recipient))
	require.True(db.Exists(recipient))

	require.NoError(db.Remove(recipient))
	require.False(db.Exists(recipient))
}

func TestAddRejectsOversizeRecipient(t *testing.T) {
	require := require.New(t)
	db, err := New(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(err)
	defer db.Close()

	oversize := make([]byte, 64)
	require.Error(db.Add(oversize))
}

func TestReopenPersistsData(t *testing.T) {
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "users.db")

	db, err := New(path)
	require.NoError(err)
	require.NoError(db.Add([]byte("durable")))
	db.Close()

	reopened, err := New(path)
	require.NoError(err)
	defer reopened.Close()
	require.True(reopened.Exists([]byte("durable")))
}
