package sphinx

import (
	"encoding/binary"
	"time"

	"github.com/vx0net/mixnode/internal/bufpool"
	"github.com/vx0net/mixnode/internal/simd"
)

// DefaultFloor is the reference constant-time padding floor (SPEC_FULL.md
// §4.C), chosen to permit >=25k pps/core on the reference hardware.
const DefaultFloor = 39 * time.Microsecond

// Processor is the per-worker Sphinx engine. It holds the node's one
// long-lived piece of secret state (the private scalar) plus pre-allocated
// scratch buffers; there is no per-packet session state (SPEC_FULL.md
// §4.C "State machine"). A Processor must not be shared across worker
// goroutines - construct one per worker (SPEC_FULL.md §5).
type Processor struct {
	priv  PrivateKey
	floor time.Duration
	pool  *bufpool.Pool
}

// NewProcessor constructs a Processor for one worker. pool should be a
// worker-local bufpool.Pool sized at PacketSize, per SPEC_FULL.md §4.A.
func NewProcessor(priv PrivateKey, floor time.Duration, pool *bufpool.Pool) *Processor {
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Processor{priv: priv, floor: floor, pool: pool}
}

// Process implements SPEC_FULL.md §4.C's `process(packet) -> ProcessedPacket
// | ProcessingError`. packet must be exactly PacketSize bytes; the caller
// owns it and Process never retains a reference past return.
//
// The constant-time contract: total wall-clock work is padded to p.floor
// regardless of which branch below is taken or whether an error occurs.
// Branches on packet *content* (version, routing tag) are permitted per
// SPEC_FULL.md §4.C since that content is public as soon as the packet
// leaves the processor; no branch here inspects key material.
func (p *Processor) Process(packet []byte) (ProcessedPacket, ProcessingError) {
	start := time.Now()
	result, procErr := p.processInner(packet)
	padUntil(start, p.floor)
	result.ProcessingTime = uint64(time.Since(start).Nanoseconds())
	return result, procErr
}

func (p *Processor) processInner(packet []byte) (ProcessedPacket, ProcessingError) {
	if len(packet) != PacketSize {
		return ProcessedPacket{}, ProcessingError{Kind: ErrMalformedPacket}
	}
	if packet[versionOffset] != Version {
		return ProcessedPacket{}, ProcessingError{Kind: ErrMalformedPacket}
	}

	ephemeral := packet[ephemeralOffset : ephemeralOffset+EphemeralSize]
	routingCT := packet[routingOffset:HeaderSize]
	payloadCT := packet[HeaderSize:PacketSize]

	shared, perr := p.priv.sharedSecret(ephemeral)
	if perr.IsError() {
		return ProcessedPacket{}, perr
	}

	keys, perr := deriveSubkeys(shared)
	if perr.IsError() {
		return ProcessedPacket{}, perr
	}

	routingHandle := p.pool.Acquire()
	defer routingHandle.Release()
	routingBuf := routingHandle.Bytes()[:len(routingCT)]
	simd.Copy(routingBuf, routingCT)

	headerStream, perr := keystream(keys.header[:], labelHeaderStream, len(routingBuf))
	if perr.IsError() {
		return ProcessedPacket{}, perr
	}
	simd.XorInto(routingBuf, headerStream)

	cmd, remainder, perr := parseRoutingCommand(routingBuf)
	if perr.IsError() {
		return ProcessedPacket{}, perr
	}

	payloadHandle := p.pool.Acquire()
	defer payloadHandle.Release()
	payloadBuf := payloadHandle.Bytes()[:len(payloadCT)]
	simd.Copy(payloadBuf, payloadCT)

	payloadStream, perr := keystream(keys.payload[:], labelPayloadStream, len(payloadBuf))
	if perr.IsError() {
		return ProcessedPacket{}, perr
	}
	simd.XorInto(payloadBuf, payloadStream)

	out := ProcessedPacket{Command: cmd}
	outPayload := make([]byte, len(payloadBuf))
	simd.Copy(outPayload, payloadBuf)
	out.Payload = outPayload

	if cmd.Kind == CommandForward {
		outEphemeral, perr := blindEphemeral(ephemeral, keys.blinding[:])
		if perr.IsError() {
			return ProcessedPacket{}, perr
		}
		header := make([]byte, HeaderSize)
		header[versionOffset] = Version
		simd.Copy(header[ephemeralOffset:ephemeralOffset+EphemeralSize], outEphemeral)
		simd.Copy(header[routingOffset:], remainder)
		out.Header = header
	}

	return out, ProcessingError{}
}

// parseRoutingCommand implements SPEC_FULL.md §4.C step 5: the first
// decrypted byte is the command tag; for Forward, the next 32 bytes are
// the next-hop identifier and the next 8 bytes are the delay in
// microseconds. It returns the remaining bytes of the routing region,
// which (for Forward) are the next hop's still-encrypted layer, padded
// with fresh filler to keep the outgoing header exactly HeaderSize.
func parseRoutingCommand(routing []byte) (RoutingCommand, []byte, ProcessingError) {
	if len(routing) < 1 {
		return RoutingCommand{}, nil, ProcessingError{Kind: ErrMalformedPacket}
	}

	var cmd RoutingCommand
	switch routing[0] {
	case tagDeliver:
		cmd.Kind = CommandDeliver
		return cmd, nil, ProcessingError{}
	case tagForward:
		if len(routing) < 1+commandBodySize {
			return RoutingCommand{}, nil, ProcessingError{Kind: ErrMalformedPacket}
		}
		cmd.Kind = CommandForward
		copy(cmd.NextHop[:], routing[1:1+NextHopIDSize])
		cmd.Delay = binary.BigEndian.Uint64(routing[1+NextHopIDSize : 1+commandBodySize])

		consumed := 1 + commandBodySize
		carried := routing[consumed:]
		filler := make([]byte, consumed)
		remainder := make([]byte, 0, len(carried)+len(filler))
		remainder = append(remainder, carried...)
		remainder = append(remainder, filler...)
		return cmd, remainder, ProcessingError{}
	default:
		return RoutingCommand{}, nil, ProcessingError{Kind: ErrMalformedPacket}
	}
}

// padUntil busy-waits until at least floor has elapsed since start. A
// busy-wait, not time.Sleep, is used deliberately: commodity kernel timer
// granularity is coarser than the target floor (SPEC_FULL.md §9 Open
// Question 2), and the wait itself must not branch on secret material -
// it only reads the monotonic clock.
func padUntil(start time.Time, floor time.Duration) {
	for time.Since(start) < floor {
	}
}
