// boltuserdb.go - bbolt backed mix node recipient database.
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

// Package boltuserdb implements the recipient database with a bbolt
// backend, continuing the teacher's boltuserdb shape retargeted from
// (username, ECDH public key) pairs to plain recipient-identifier
// membership.
package boltuserdb

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/vx0net/mixnode/userdb"
)

const usersBucket = "recipients"

type boltUserDB struct {
	db *bolt.DB
}

func (d *boltUserDB) Exists(u []byte) bool {
	if len(u) == 0 || len(u) > userdb.MaxRecipientSize {
		return false
	}

	exists := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		if bkt == nil {
			panic("BUG: userdb: `recipients` bucket is missing")
		}
		exists = bkt.Get(u) != nil
		return nil
	})
	return exists
}

func (d *boltUserDB) Add(u []byte) error {
	if len(u) == 0 || len(u) > userdb.MaxRecipientSize {
		return fmt.Errorf("userdb: invalid recipient: `%x`", u)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		if bkt == nil {
			panic("BUG: userdb: `recipients` bucket is missing")
		}
		return bkt.Put(u, []byte{1})
	})
}

func (d *boltUserDB) Remove(u []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(usersBucket))
		if bkt == nil {
			panic("BUG: userdb: `recipients` bucket is missing")
		}
		return bkt.Delete(u)
	})
}

func (d *boltUserDB) Close() {
	d.db.Sync()
	d.db.Close()
}

// New creates (or loads) a recipient database with the given file name f.
func New(f string) (userdb.UserDB, error) {
	const (
		metadataBucket = "metadata"
		versionKey     = "version"
	)

	d := new(boltUserDB)
	var err error
	d.db, err = bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}

	if err = d.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(usersBucket)); err != nil {
			return err
		}

		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != 0 {
				return fmt.Errorf("userdb: incompatible version: %d", uint(b[0]))
			}
			return nil
		}

		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		d.db.Close()
		return nil, err
	}

	return d, nil
}
