package sphinx

import (
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"

	"github.com/vx0net/mixnode/internal/bufpool"
)

// senderLayer constructs a wire-format Sphinx packet the way a sender
// would, for exactly one recipient node's public key, so that Process can
// peel it back off in a single hop. This mirrors SPEC_FULL.md §8's S1/S2
// scenarios.
func senderLayer(t *testing.T, nodePriv PrivateKey, cmd RoutingCommand, payloadPlaintext []byte) []byte {
	t.Helper()
	require := require.New(t)

	var wide [64]byte
	_, err := rand.Read(wide[:])
	require.NoError(err)
	r, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	require.NoError(err)

	ephemeral := new(edwards25519.Point).ScalarBaseMult(r)
	ephemeralBytes := ephemeral.Bytes()

	nodePub, err := new(edwards25519.Point).SetBytes(nodePriv.PublicKey())
	require.NoError(err)
	shared := new(edwards25519.Point).ScalarMult(r, nodePub)
	sharedBytes := shared.Bytes()

	keys, perr := deriveSubkeys(sharedBytes)
	require.False(perr.IsError())

	routingPT := make([]byte, RoutingRegionSize)
	switch cmd.Kind {
	case CommandDeliver:
		routingPT[0] = tagDeliver
	case CommandForward:
		routingPT[0] = tagForward
		copy(routingPT[1:1+NextHopIDSize], cmd.NextHop[:])
		binary.BigEndian.PutUint64(routingPT[1+NextHopIDSize:1+commandBodySize], cmd.Delay)
	}

	headerStream, perr := keystream(keys.header[:], labelHeaderStream, RoutingRegionSize)
	require.False(perr.IsError())
	routingCT := make([]byte, RoutingRegionSize)
	for i := range routingCT {
		routingCT[i] = routingPT[i] ^ headerStream[i]
	}

	require.LessOrEqual(len(payloadPlaintext), PayloadSize)
	payloadPT := make([]byte, PayloadSize)
	copy(payloadPT, payloadPlaintext)

	payloadStream, perr := keystream(keys.payload[:], labelPayloadStream, PayloadSize)
	require.False(perr.IsError())
	payloadCT := make([]byte, PayloadSize)
	for i := range payloadCT {
		payloadCT[i] = payloadPT[i] ^ payloadStream[i]
	}

	packet := make([]byte, PacketSize)
	packet[versionOffset] = Version
	copy(packet[ephemeralOffset:ephemeralOffset+EphemeralSize], ephemeralBytes)
	copy(packet[routingOffset:HeaderSize], routingCT)
	copy(packet[HeaderSize:], payloadCT)
	return packet
}

func newTestProcessor(t *testing.T) (*Processor, PrivateKey) {
	t.Helper()
	priv, err := NewPrivateKey()
	require.NoError(t, err)
	pool := bufpool.New(HeaderSize, 4)
	return NewProcessor(priv, time.Microsecond, pool), priv
}

func TestForwardRoundTrip(t *testing.T) {
	require := require.New(t)
	proc, priv := newTestProcessor(t)

	var nextHop [NextHopIDSize]byte
	copy(nextHop[:], []byte("next-hop-node-identifier-bytes.."))

	cmd := RoutingCommand{Kind: CommandForward, NextHop: nextHop, Delay: 123456}
	payload := []byte("forward payload bytes")
	packet := senderLayer(t, priv, cmd, payload)

	result, perr := proc.Process(packet)
	require.False(perr.IsError())
	require.Equal(CommandForward, result.Command.Kind)
	require.Equal(nextHop, result.Command.NextHop)
	require.Equal(uint64(123456), result.Command.Delay)
	require.Len(result.Header, HeaderSize)
	require.Len(result.Payload, PayloadSize)
	require.Equal(payload, result.Payload[:len(payload)])
}

func TestDeliverPath(t *testing.T) {
	require := require.New(t)
	proc, priv := newTestProcessor(t)

	cmd := RoutingCommand{Kind: CommandDeliver}
	payload := []byte("final plaintext message")
	packet := senderLayer(t, priv, cmd, payload)

	result, perr := proc.Process(packet)
	require.False(perr.IsError())
	require.Equal(CommandDeliver, result.Command.Kind)
	require.Nil(result.Header)
	require.Equal(payload, result.Payload[:len(payload)])
}

func TestMalformedVersionRejected(t *testing.T) {
	require := require.New(t)
	proc, priv := newTestProcessor(t)

	packet := senderLayer(t, priv, RoutingCommand{Kind: CommandDeliver}, []byte("x"))
	packet[versionOffset] = 0x02

	_, perr := proc.Process(packet)
	require.True(perr.IsError())
	require.Equal(ErrMalformedPacket, perr.Kind)
}

func TestWrongLengthRejected(t *testing.T) {
	require := require.New(t)
	proc, _ := newTestProcessor(t)

	_, perr := proc.Process(make([]byte, PacketSize-1))
	require.True(perr.IsError())
	require.Equal(ErrMalformedPacket, perr.Kind)
}

func TestConstantTimeFloorIsRespected(t *testing.T) {
	require := require.New(t)
	priv, err := NewPrivateKey()
	require.NoError(err)
	pool := bufpool.New(HeaderSize, 4)
	floor := 2 * time.Millisecond
	proc := NewProcessor(priv, floor, pool)

	packet := senderLayer(t, priv, RoutingCommand{Kind: CommandDeliver}, []byte("x"))
	badPacket := make([]byte, PacketSize)
	copy(badPacket, packet)
	badPacket[versionOffset] = 0x09

	for _, p := range [][]byte{packet, badPacket} {
		start := time.Now()
		proc.Process(p)
		elapsed := time.Since(start)
		require.GreaterOrEqual(elapsed, floor)
	}
}
