// nodekey.go - mix node long-term key store.
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

package server

import (
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vx0net/mixnode/internal/pathsel"
	"github.com/vx0net/mixnode/internal/sphinx"
)

// initIdentity loads or generates the node's long-term Sphinx private
// scalar (SPEC_FULL.md §6: "the core persists only the node's long-term
// private scalar"), continuing the teacher's PEM-on-disk pattern
// retargeted from eddsa/ecdh to the edwards25519 scalar sphinx.PrivateKey
// wraps.
func (s *Server) initIdentity() error {
	const (
		keyFile = "identity.private.pem"
		keyType = "X25519 PRIVATE KEY"
	)
	fn := filepath.Join(s.cfg.Server.DataDir, keyFile)

	if buf, err := os.ReadFile(fn); err == nil {
		blk, rest := pem.Decode(buf)
		if blk == nil || len(rest) != 0 {
			return fmt.Errorf("server: trailing garbage after identity private key")
		}
		if blk.Type != keyType {
			return fmt.Errorf("server: invalid PEM type: '%v'", blk.Type)
		}

		key, err := sphinx.PrivateKeyFromCanonicalBytes(blk.Bytes)
		if err != nil {
			return fmt.Errorf("server: failed to parse identity key: %w", err)
		}
		s.identityKey = key
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key, err := sphinx.NewPrivateKey()
	if err != nil {
		return err
	}
	s.identityKey = key

	blk := &pem.Block{Type: keyType, Bytes: key.Bytes()}
	return os.WriteFile(fn, pem.EncodeToMemory(blk), fileMode)
}

// initVRFKey loads or generates the node's VRF signing key (SPEC_FULL.md
// §6/§4.E), persisted alongside the identity key the same way.
func (s *Server) initVRFKey() error {
	const (
		keyFile = "vrf.private.pem"
		keyType = "VRF PRIVATE KEY"
	)
	fn := filepath.Join(s.cfg.Server.DataDir, keyFile)

	if buf, err := os.ReadFile(fn); err == nil {
		blk, rest := pem.Decode(buf)
		if blk == nil || len(rest) != 0 {
			return fmt.Errorf("server: trailing garbage after VRF private key")
		}
		if blk.Type != keyType {
			return fmt.Errorf("server: invalid PEM type: '%v'", blk.Type)
		}

		key, err := pathsel.VRFKeyFromCanonicalBytes(blk.Bytes)
		if err != nil {
			return fmt.Errorf("server: failed to parse VRF key: %w", err)
		}
		s.vrfKey = key
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	key, err := pathsel.NewVRFKey()
	if err != nil {
		return err
	}
	s.vrfKey = key

	blk := &pem.Block{Type: keyType, Bytes: key.Bytes()}
	return os.WriteFile(fn, pem.EncodeToMemory(blk), fileMode)
}
