// Package pathsel implements the verifiable, stake-weighted,
// region-diverse path selection engine of SPEC_FULL.md §4.E.
package pathsel

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/vx0net/mixnode/internal/registry"
)

// NodeID aliases registry.NodeID so callers of this package need not
// import registry directly for the common case.
type NodeID = registry.NodeID

// ErrInsufficientCandidates is returned when fewer than the requested
// number of hops can be selected even after relaxing region diversity,
// per spec.md §4.E: "never return fewer than `length` hops - instead fail".
type ErrInsufficientCandidates struct {
	Requested int
	Selected  int
}

func (e ErrInsufficientCandidates) Error() string {
	return fmt.Sprintf("pathsel: insufficient candidates: requested %d, could only select %d", e.Requested, e.Selected)
}

// seedLabel is the domain-separation prefix of spec.md §4.E step 1.
var seedLabel = []byte("MIX_PATH_v1")

// DeriveSeed implements step 1: H("MIX_PATH_v1" || stream_id || epoch).
func DeriveSeed(streamID []byte, epoch uint64) [32]byte {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	data := make([]byte, 0, len(seedLabel)+len(streamID)+8)
	data = append(data, seedLabel...)
	data = append(data, streamID...)
	data = append(data, epochBytes[:]...)
	return blake2b.Sum256(data)
}

// Selector is the path-selection engine (spec.md §4.E). One Selector
// should be owned per worker (or fed a sharded cache), matching §5's
// "per-worker, no sharing" guidance for the VRF cache.
type Selector struct {
	vrfKey   VRFPrivateKey
	registry *registry.Registry
	cache    *lruCache
	now      func() time.Time
}

// NewSelector constructs a Selector. cacheCapacity <= 0 uses a default.
func NewSelector(vrfKey VRFPrivateKey, reg *registry.Registry, cacheCapacity int) *Selector {
	return &Selector{
		vrfKey:   vrfKey,
		registry: reg,
		cache:    newLRUCache(cacheCapacity),
		now:      time.Now,
	}
}

// VRFPublicKey exposes the selector's VRF public key so third parties can
// verify its selections, per spec.md §4.E "Verifiability".
func (s *Selector) VRFPublicKey() VRFPublicKey {
	return s.vrfKey.Public()
}

// SelectPath implements the `select_path(stream_id, epoch, length)`
// operation of spec.md §4.E.
func (s *Selector) SelectPath(streamID []byte, epoch uint64, length int) ([]NodeID, error) {
	seed := DeriveSeed(streamID, epoch)

	if cached, ok := s.cache.get(seed); ok {
		return cached, nil
	}

	candidates := s.registry.Active(s.now())
	path, err := selectFromCandidates(s.vrfKey, seed, candidates, length)
	if err != nil {
		return nil, err
	}

	s.cache.put(seed, path)
	return path, nil
}

// selectFromCandidates is the pure, order-independent core of step 3: for
// each hop position, derive a VRF selection integer, filter candidates,
// and pick one by stake-weighted cumulative selection. It is a free
// function (not a Selector method) so that unit tests can reproduce it
// deterministically without needing a Registry. It needs the private VRF
// key; holders of only the public key check each hop's proof with
// VerifyVRF.
func selectFromCandidates(vrfKey VRFPrivateKey, seed [32]byte, candidates []registry.Descriptor, length int) ([]NodeID, error) {
	pool := make([]registry.Descriptor, len(candidates))
	copy(pool, candidates)
	sort.Slice(pool, func(i, j int) bool { return lessNodeID(pool[i].ID, pool[j].ID) })

	selected := make([]NodeID, 0, length)
	selectedSet := make(map[NodeID]bool, length)
	usedRegions := make([]registry.Region, 0, length) // in selection order

	for i := 0; i < length; i++ {
		alpha := hopAlpha(seed, i)
		output, _ := vrfKey.Prove(alpha)
		selectionInt := binary.BigEndian.Uint64(output[0:8])

		candidate, ok := pickCandidate(pool, selectedSet, usedRegions, selectionInt)
		if !ok {
			return nil, ErrInsufficientCandidates{Requested: length, Selected: len(selected)}
		}

		selected = append(selected, candidate.ID)
		selectedSet[candidate.ID] = true
		usedRegions = append(usedRegions, candidate.Region)
	}

	return selected, nil
}

// hopAlpha builds the VRF input for hop i: seed || i (spec.md §4.E step
// 3a: "Sign seed || i").
func hopAlpha(seed [32]byte, i int) []byte {
	alpha := make([]byte, 0, 32+8)
	alpha = append(alpha, seed[:]...)
	var iBytes [8]byte
	binary.BigEndian.PutUint64(iBytes[:], uint64(i))
	alpha = append(alpha, iBytes[:]...)
	return alpha
}

// pickCandidate implements steps 3b-3c: region-diversity filtering (with
// relaxation from the oldest constraint when the filter is too strict),
// followed by stake-weighted cumulative selection over the stably sorted
// survivors.
func pickCandidate(pool []registry.Descriptor, selected map[NodeID]bool, usedRegions []registry.Region, selectionInt uint64) (registry.Descriptor, bool) {
	// relax == 0: full region diversity (exclude all usedRegions).
	// relax == len(usedRegions): no region constraint, only exclude
	// already-selected ids. Relaxation proceeds from the oldest
	// constraint, i.e. usedRegions[relax:] remains excluded.
	for relax := 0; relax <= len(usedRegions); relax++ {
		excluded := make(map[registry.Region]bool, len(usedRegions)-relax)
		for _, r := range usedRegions[relax:] {
			excluded[r] = true
		}

		var survivors []registry.Descriptor
		for _, d := range pool {
			if selected[d.ID] {
				continue
			}
			if excluded[d.Region] {
				continue
			}
			survivors = append(survivors, d)
		}

		if len(survivors) == 0 {
			continue
		}
		return weightedPick(survivors, selectionInt), true
	}
	return registry.Descriptor{}, false
}

// weightedPick implements step 3c: `selection_int mod total_stake` indexes
// into the cumulative-weight array over survivors, which are already in
// stable NodeID order (sorted upstream in selectFromCandidates and
// relaxation preserves that order). Falls back to uniform modulo selection
// when total stake is zero.
func weightedPick(survivors []registry.Descriptor, selectionInt uint64) registry.Descriptor {
	var total uint64
	for _, d := range survivors {
		total += d.StakeWeight
	}

	if total == 0 {
		return survivors[selectionInt%uint64(len(survivors))]
	}

	target := selectionInt % total
	var cumulative uint64
	for _, d := range survivors {
		cumulative += d.StakeWeight
		if target < cumulative {
			return d
		}
	}
	// Unreachable given the invariant target < total, but return the last
	// survivor rather than a zero value if floating state ever drifts.
	return survivors[len(survivors)-1]
}

func lessNodeID(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
