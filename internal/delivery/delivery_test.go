package delivery

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSpool struct {
	mu    sync.Mutex
	calls map[string][]byte
	err   error
}

func newFakeSpool() *fakeSpool { return &fakeSpool{calls: make(map[string][]byte)} }

func (f *fakeSpool) StoreMessage(recipient, msg []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[string(recipient)] = append([]byte(nil), msg...)
	return nil
}

func (f *fakeSpool) get(recipient string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.calls[recipient]
	return v, ok
}

type fakeUserDB struct{ valid map[string]bool }

func (f fakeUserDB) Exists(recipient []byte) bool { return f.valid[string(recipient)] }

func recipientID(b byte) []byte {
	id := make([]byte, RecipientIDSize)
	id[0] = b
	return id
}

func TestDeliverStoresMessageForKnownRecipient(t *testing.T) {
	require := require.New(t)
	recipient := recipientID(1)
	spool := newFakeSpool()
	db := fakeUserDB{valid: map[string]bool{string(recipient): true}}

	p := New(spool, db, nil, nil)
	defer p.Halt()

	plaintext := append(append([]byte(nil), recipient...), []byte("hello")...)
	p.Deliver(plaintext)

	require.Eventually(func() bool {
		got, ok := spool.get(string(recipient))
		return ok && string(got) == "hello"
	}, time.Second, 5*time.Millisecond)
}

func TestDeliverDropsUnknownRecipient(t *testing.T) {
	require := require.New(t)
	recipient := recipientID(2)
	spool := newFakeSpool()
	db := fakeUserDB{valid: map[string]bool{}}

	p := New(spool, db, nil, nil)
	defer p.Halt()

	plaintext := append(append([]byte(nil), recipient...), []byte("hello")...)
	p.Deliver(plaintext)

	time.Sleep(20 * time.Millisecond)
	_, ok := spool.get(string(recipient))
	require.False(ok)
}

func TestDeliverDropsTruncatedPlaintext(t *testing.T) {
	require := require.New(t)
	spool := newFakeSpool()
	db := fakeUserDB{valid: map[string]bool{}}

	p := New(spool, db, nil, nil)
	defer p.Halt()

	p.Deliver([]byte("short"))
	time.Sleep(20 * time.Millisecond)
	require.Empty(spool.calls)
}

func TestDeliverHandlesSpoolError(t *testing.T) {
	require := require.New(t)
	recipient := recipientID(3)
	spool := newFakeSpool()
	spool.err = errors.New("disk full")
	db := fakeUserDB{valid: map[string]bool{string(recipient): true}}

	p := New(spool, db, nil, nil)
	defer p.Halt()

	plaintext := append(append([]byte(nil), recipient...), []byte("hello")...)
	p.Deliver(plaintext)

	time.Sleep(20 * time.Millisecond)
	_, ok := spool.get(string(recipient))
	require.False(ok)
}
