package identity

import "facecast/internal/vecmatch"

// Policy holds the clustering constants.
type Policy struct {
	// TightTolerance is used to grow tentative clusters.
	TightTolerance float64
	// LooseTolerance is used against confirmed identities.
	LooseTolerance float64
	// PromoteSize is the tentative cluster size that triggers promotion.
	PromoteSize int
	// DecayEvery wipes the tentative tier after this many processed encodings.
	DecayEvery int
	// UnknownLabel is returned when no confirmed identity matches.
	UnknownLabel string
	// Dimension fixes the encoding length. 0 means "whatever the first encoding has".
	Dimension int
}

// DefaultPolicy returns the reference constants.
func DefaultPolicy() Policy {
	return Policy{
		TightTolerance: 0.2,
		LooseTolerance: 0.5,
		PromoteSize:    10,
		DecayEvery:     20,
		UnknownLabel:   "Unknown",
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TightTolerance <= 0 {
		p.TightTolerance = d.TightTolerance
	}
	if p.LooseTolerance <= 0 {
		p.LooseTolerance = d.LooseTolerance
	}
	if p.PromoteSize <= 0 {
		p.PromoteSize = d.PromoteSize
	}
	if p.DecayEvery <= 0 {
		p.DecayEvery = d.DecayEvery
	}
	if p.UnknownLabel == "" {
		p.UnknownLabel = d.UnknownLabel
	}
	return p
}

// NameResolver maps a confirmed identity key to a display name.
// A miss is not an error; the clusterer falls back to the decimal key.
type NameResolver interface {
	Name(id int) (string, bool)
}

// Result describes what one Process call did.
type Result struct {
	// Label is the display name for the encoding (name, decimal key, or UnknownLabel).
	Label string
	// IdentityID is the matched confirmed key, or -1.
	IdentityID int
	Known      bool

	// Promoted lists confirmed keys created by this call.
	Promoted []int
	// Duplicates counts full tentative clusters discarded because their
	// average already matched a confirmed identity.
	Duplicates int
	// Merged counts tentative clusters folded into another one.
	Merged int
	// Decayed is true when this call wiped the tentative tier.
	Decayed bool
}

// ClusterInfo is a read-only view of one tentative cluster.
type ClusterInfo struct {
	Key  int `json:"key"`
	Size int `json:"size"`
}

// Snapshot is a point-in-time view of the clusterer state.
type Snapshot struct {
	Tentative        []ClusterInfo `json:"tentative"`
	Confirmed        []int         `json:"confirmed"`
	Calls            int           `json:"calls"`
	NextTentativeKey int           `json:"next_tentative_key"`
	Dimension        int           `json:"dimension"`
}

type tentative struct {
	key     int
	members []vecmatch.Vector
}
