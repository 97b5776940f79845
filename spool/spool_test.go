package spool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSpool(t *testing.T) Spool {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "spool.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStoreAndGetPreservesOrder(t *testing.T) {
	require := require.New(t)
	s := newTestSpool(t)
	recipient := []byte("alice")

	require.NoError(s.StoreMessage(recipient, []byte("first")))
	require.NoError(s.StoreMessage(recipient, []byte("second")))

	msg, err := s.Get(recipient, true)
	require.NoError(err)
	require.Equal([]byte("first"), msg)

	msg, err = s.Get(recipient, true)
	require.NoError(err)
	require.Equal([]byte("second"), msg)

	msg, err = s.Get(recipient, true)
	require.NoError(err)
	require.Nil(msg)
}

func TestGetWithoutAdvanceDoesNotConsume(t *testing.T) {
	require := require.New(t)
	s := newTestSpool(t)
	recipient := []byte("bob")
	require.NoError(s.StoreMessage(recipient, []byte("only")))

	msg, err := s.Get(recipient, false)
	require.NoError(err)
	require.Equal([]byte("only"), msg)

	msg, err = s.Get(recipient, true)
	require.NoError(err)
	require.Equal([]byte("only"), msg)
}

func TestGetUnknownRecipientReturnsNil(t *testing.T) {
	require := require.New(t)
	s := newTestSpool(t)

	msg, err := s.Get([]byte("nobody"), true)
	require.NoError(err)
	require.Nil(msg)
}

func TestStoreMessageRejectsEmptyRecipient(t *testing.T) {
	require := require.New(t)
	s := newTestSpool(t)
	require.Error(s.StoreMessage(nil, []byte("x")))
}
