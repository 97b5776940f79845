// integration_test.go - mix node server integration test
// Copyright (C) 2017  David Stainton.
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
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vx0net/mixnode/config"
	"github.com/vx0net/mixnode/internal/registry"
)

const basicConfig = `# A basic configuration example.
[Server]
Identifier = "mix01.example.com"
DataDir = "%s"
IsProvider = true

[Logging]
Level = "DEBUG"

[Ingress]
ListenAddr = "127.0.0.1:0"
Workers = 2

[Debug]
DisableCoverTraffic = true
`

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load([]byte(fmt.Sprintf(basicConfig, t.TempDir())))
	require.NoError(t, err, "Load() with basic config")
	return cfg
}

func TestServerStartStopIsClean(t *testing.T) {
	require := require.New(t)
	cfg := loadTestConfig(t)

	s, err := New(cfg)
	require.NoError(err)
	require.NotNil(s.ingressLn)
	require.NotNil(s.deliv, "IsProvider should wire a delivery.Provider")

	s.Shutdown()
	// A second Shutdown must be a harmless no-op (haltOnce).
	s.Shutdown()
}

func TestServerGenerateOnlyStopsBeforeNetworking(t *testing.T) {
	require := require.New(t)
	cfg := loadTestConfig(t)
	cfg.Debug.GenerateOnly = true

	s, err := New(cfg)
	require.Nil(s)
	require.ErrorIs(err, ErrGenerateOnly)
}

func TestServerPersistsIdentityAcrossRestarts(t *testing.T) {
	require := require.New(t)
	cfg := loadTestConfig(t)

	s1, err := New(cfg)
	require.NoError(err)
	pub1 := s1.identityKey.PublicKey()
	s1.Shutdown()

	s2, err := New(cfg)
	require.NoError(err)
	defer s2.Shutdown()
	pub2 := s2.identityKey.PublicKey()

	require.Equal(pub1, pub2, "restarting the node must reload, not regenerate, its identity key")
}

func TestServerIngressAcceptsDatagrams(t *testing.T) {
	require := require.New(t)
	cfg := loadTestConfig(t)

	s, err := New(cfg)
	require.NoError(err)
	defer s.Shutdown()

	stats := s.ingressLn.Stats()
	require.Equal(cfg.Ingress.ChannelSize, stats.QueueCapacity)

	conn, err := net.Dial("udp", s.ingressLn.LocalAddrs()[0].String())
	require.NoError(err)
	defer conn.Close()

	_, err = conn.Write(make([]byte, 3))
	require.NoError(err)

	require.Eventually(func() bool {
		return s.ingressLn.Stats().DroppedOversize >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestServerSelectPathUsesRegisteredNodes(t *testing.T) {
	require := require.New(t)
	cfg := loadTestConfig(t)

	s, err := New(cfg)
	require.NoError(err)
	defer s.Shutdown()

	now := time.Now()
	regions := []registry.Region{registry.RegionNorthAmerica, registry.RegionEurope, registry.RegionAsia}
	for i := 0; i < 10; i++ {
		var id registry.NodeID
		id[0] = byte(i)
		s.RegistryEvent(registry.Event{Kind: registry.NodeAdded, Descriptor: registry.Descriptor{
			ID:          id,
			StakeWeight: uint64(i + 1),
			Region:      regions[i%len(regions)],
			LastSeen:    now,
		}})
	}

	path, err := s.SelectPath([]byte("integration-test-stream"), 1, 3)
	require.NoError(err)
	require.Len(path, 3)
}
