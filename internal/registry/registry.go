// Package registry implements the shared, read-mostly mix node descriptor
// registry of SPEC_FULL.md §3/§6/Module H. Updates arrive from a single
// discovery collaborator via Apply; readers take an atomically-swapped
// snapshot, matching the "RCU-style snapshot" guidance of spec.md §5.
package registry

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Region is a categorical label from a closed set (spec.md §3).
type Region string

const (
	RegionNorthAmerica Region = "north_america"
	RegionSouthAmerica Region = "south_america"
	RegionEurope       Region = "europe"
	RegionAfrica       Region = "africa"
	RegionAsia         Region = "asia"
	RegionOceania      Region = "oceania"
)

// NodeID is a 32-byte stable mix node identifier.
type NodeID [32]byte

// Descriptor is the mix node descriptor entry of spec.md §3.
type Descriptor struct {
	ID               NodeID
	PublicKey        [32]byte
	StakeWeight      uint64
	ReliabilityScore float64
	Region           Region
	LastSeen         time.Time
	Address          string
}

// EventKind distinguishes discovery events.
type EventKind uint8

const (
	NodeAdded EventKind = iota
	NodeUpdated
	NodeLost
)

// Event is one discovery-collaborator push (spec.md §6).
type Event struct {
	Kind       EventKind
	Descriptor Descriptor // zero value for NodeLost other than ID
	ID         NodeID
}

// DefaultActivityWindow is the default "last_seen within" window of
// spec.md §3.
const DefaultActivityWindow = 5 * time.Minute

type snapshot struct {
	byID   map[NodeID]Descriptor
	sorted []Descriptor // stable, sorted by NodeID, for §4.E's tie-break rule
}

func emptySnapshot() *snapshot {
	return &snapshot{byID: make(map[NodeID]Descriptor)}
}

// Registry is the shared, single-writer/many-reader node registry.
type Registry struct {
	current        atomic.Pointer[snapshot]
	activityWindow time.Duration
}

// New constructs an empty Registry.
func New(activityWindow time.Duration) *Registry {
	if activityWindow <= 0 {
		activityWindow = DefaultActivityWindow
	}
	r := &Registry{activityWindow: activityWindow}
	r.current.Store(emptySnapshot())
	return r
}

// Apply is the single-writer entrypoint: the discovery collaborator calls
// this for each NodeAdded/NodeUpdated/NodeLost event. It builds a new
// snapshot and atomically swaps it in; concurrent readers never observe a
// partially-updated map.
func (r *Registry) Apply(ev Event) {
	old := r.current.Load()
	next := &snapshot{byID: make(map[NodeID]Descriptor, len(old.byID)+1)}
	for k, v := range old.byID {
		next.byID[k] = v
	}

	switch ev.Kind {
	case NodeAdded, NodeUpdated:
		next.byID[ev.Descriptor.ID] = ev.Descriptor
	case NodeLost:
		delete(next.byID, ev.ID)
	}

	next.sorted = make([]Descriptor, 0, len(next.byID))
	for _, d := range next.byID {
		next.sorted = append(next.sorted, d)
	}
	sort.Slice(next.sorted, func(i, j int) bool {
		return lessNodeID(next.sorted[i].ID, next.sorted[j].ID)
	})

	r.current.Store(next)
}

func lessNodeID(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Active returns all descriptors whose LastSeen falls within the
// configured activity window of now, in stable NodeID order
// (spec.md §3 registry invariants, §4.E tie-break rule).
func (r *Registry) Active(now time.Time) []Descriptor {
	snap := r.current.Load()
	out := make([]Descriptor, 0, len(snap.sorted))
	for _, d := range snap.sorted {
		if now.Sub(d.LastSeen) <= r.activityWindow {
			out = append(out, d)
		}
	}
	return out
}

// Lookup returns the descriptor for id and whether it was present, active
// or not (used by egress address resolution, spec.md §6
// lookup_address).
func (r *Registry) Lookup(id NodeID) (Descriptor, bool) {
	snap := r.current.Load()
	d, ok := snap.byID[id]
	return d, ok
}

// Len reports the total number of tracked descriptors, active or not.
func (r *Registry) Len() int {
	return len(r.current.Load().byID)
}

var descriptorEncMode = func() cbor.EncMode {
	opts := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}
	mode, err := opts.EncMode()
	if err != nil {
		panic("registry: invalid cbor encode options: " + err.Error())
	}
	return mode
}()

var descriptorDecMode = func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("registry: invalid cbor decode options: " + err.Error())
	}
	return mode
}()

// EncodeDescriptor serializes a Descriptor to the CBOR wire format an
// external discovery collaborator (spec.md §6) uses to hand updates to
// Apply, matching the compact encoding `xendarboh-katzenpost`'s decoy
// snippet uses for its own descriptor-shaped payloads.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	return descriptorEncMode.Marshal(d)
}

// DecodeDescriptor is the receiving side of EncodeDescriptor.
func DecodeDescriptor(b []byte) (Descriptor, error) {
	var d Descriptor
	if err := descriptorDecMode.Unmarshal(b, &d); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
