// spool.go - mix node user message spool.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package spool defines the per-recipient message spool abstract
// interface consumed by internal/delivery, and a bbolt-backed
// implementation of it.
//
// Adapted from the teacher's spool.Spool interface: the SURBReply
// methods are dropped (spec.md has no SURB-reply concept, matching the
// decision already made for internal/cover), leaving a plain
// store/retrieve message queue per recipient.
package spool

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Spool is the interface provided by a recipient message spool
// implementation; internal/delivery.Spool is the subset it depends on.
type Spool interface {
	// StoreMessage stores a message in the recipient's spool.
	StoreMessage(recipient, msg []byte) error

	// Get returns the first entry in a recipient's spool and, when
	// advance is true, deletes that entry. It returns nil when the
	// recipient's spool is empty.
	Get(recipient []byte, advance bool) (msg []byte, err error)

	// Close closes the Spool instance.
	Close()
}

var messagesBucket = []byte("messages")

// boltSpool is a bbolt-backed Spool, one nested bucket per recipient
// keyed by an auto-incrementing sequence so Get(advance=true) always
// returns messages in storage order.
type boltSpool struct {
	db *bolt.DB
}

// New creates (or loads) a message spool backed by the bbolt database
// at f, matching the teacher's userdb/boltuserdb.New persistence
// pattern.
func New(f string) (Spool, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(messagesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltSpool{db: db}, nil
}

func (s *boltSpool) StoreMessage(recipient, msg []byte) error {
	if len(recipient) == 0 {
		return fmt.Errorf("spool: recipient must not be empty")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(messagesBucket)
		bkt, err := root.CreateBucketIfNotExists(recipient)
		if err != nil {
			return err
		}
		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		return bkt.Put(sequenceKey(seq), msg)
	})
}

func (s *boltSpool) Get(recipient []byte, advance bool) (msg []byte, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(messagesBucket)
		bkt := root.Bucket(recipient)
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		msg = append([]byte(nil), v...)
		if advance {
			return bkt.Delete(k)
		}
		return nil
	})
	return msg, err
}

func (s *boltSpool) Close() {
	s.db.Sync()
	s.db.Close()
}

func sequenceKey(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}
