package identity

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"facecast/internal/vecmatch"
	logx "facecast/pkg/logx"
)

// Clusterer owns the tentative and confirmed tiers.
type Clusterer struct {
	mu sync.Mutex

	policy  Policy
	matcher vecmatch.Matcher
	names   NameResolver
	log     logx.Logger

	dim int

	// order keeps tentative keys in creation order; it defines "first match".
	order     []int
	tentative map[int]*tentative
	nextKey   int
	calls     int

	// confirmed[key] is the representative set of identity key.
	confirmed [][]vecmatch.Vector
}

// New returns an empty clusterer. A nil matcher defaults to vecmatch.Euclidean.
func New(policy Policy, matcher vecmatch.Matcher, names NameResolver, log logx.Logger) *Clusterer {
	if matcher == nil {
		matcher = vecmatch.Euclidean{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := policy.withDefaults()
	return &Clusterer{
		policy:    p,
		matcher:   matcher,
		names:     names,
		log:       log,
		dim:       p.Dimension,
		tentative: map[int]*tentative{},
	}
}

func (c *Clusterer) Policy() Policy { return c.policy }

// Process feeds one encoding through match, merge, promotion, decay and lookup.
func (c *Clusterer) Process(v vecmatch.Vector) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Result{IdentityID: -1}
	if err := c.checkDim(v); err != nil {
		return res, err
	}
	if err := c.matchTentative(v, &res); err != nil {
		return res, err
	}
	if err := c.promote(&res); err != nil {
		return res, err
	}
	c.decay(&res)
	if err := c.lookup(v, &res); err != nil {
		return res, err
	}
	c.logTentative()
	return res, nil
}

func (c *Clusterer) checkDim(v vecmatch.Vector) error {
	if len(v) == 0 {
		return fmt.Errorf("identity: empty encoding: %w", vecmatch.ErrDimensionMismatch)
	}
	if c.dim == 0 {
		c.dim = len(v)
		return nil
	}
	if len(v) != c.dim {
		return fmt.Errorf("identity: encoding has %d dimensions, clusterer uses %d: %w", len(v), c.dim, vecmatch.ErrDimensionMismatch)
	}
	return nil
}

func (c *Clusterer) matchTentative(v vecmatch.Vector, res *Result) error {
	var matched []int
	pending := 0
	for _, key := range c.order {
		cl := c.tentative[key]
		if len(cl.members) >= c.policy.PromoteSize {
			pending++
			continue
		}
		ok, err := c.matcher.Matches(cl.members, v, c.policy.TightTolerance)
		if err != nil {
			return fmt.Errorf("identity: tentative match: %w", err)
		}
		if ok {
			matched = append(matched, key)
		}
	}

	if len(matched) == 0 {
		if pending > 0 {
			return nil
		}
		key := c.nextKey
		c.nextKey++
		c.tentative[key] = &tentative{key: key, members: []vecmatch.Vector{v}}
		c.order = append(c.order, key)
		c.log.Debug("tentative cluster created", logx.Int("key", key))
		return nil
	}

	target := c.tentative[matched[0]]
	target.members = append(target.members, v)
	for _, key := range matched[1:] {
		src := c.tentative[key]
		target.members = append(target.members, src.members...)
		c.removeTentative(key)
		res.Merged++
		c.log.Debug("tentative clusters merged", logx.Int("into", target.key), logx.Int("from", key), logx.Int("size", len(target.members)))
	}
	return nil
}

func (c *Clusterer) promote(res *Result) error {
	var full []int
	for _, key := range c.order {
		if len(c.tentative[key].members) >= c.policy.PromoteSize {
			full = append(full, key)
		}
	}
	for _, key := range full {
		avg, err := vecmatch.Mean(c.tentative[key].members)
		if err != nil {
			return fmt.Errorf("identity: promote %d: %w", key, err)
		}
		c.removeTentative(key)

		dup, err := c.findConfirmed(avg)
		if err != nil {
			return fmt.Errorf("identity: promote %d: %w", key, err)
		}
		if dup >= 0 {
			res.Duplicates++
			c.log.Debug("full tentative cluster matches existing identity; discarded", logx.Int("key", key), logx.Int("identity", dup))
			continue
		}
		id := len(c.confirmed)
		c.confirmed = append(c.confirmed, []vecmatch.Vector{avg})
		res.Promoted = append(res.Promoted, id)
		c.log.Info("identity confirmed", logx.Int("identity", id), logx.Int("from_tentative", key))
	}
	return nil
}

func (c *Clusterer) decay(res *Result) {
	c.calls++
	if c.calls < c.policy.DecayEvery {
		return
	}
	dropped := len(c.order)
	c.tentative = map[int]*tentative{}
	c.order = nil
	c.calls = 0
	c.nextKey = 0
	res.Decayed = true
	c.log.Debug("tentative tier decayed", logx.Int("dropped", dropped))
}

func (c *Clusterer) lookup(v vecmatch.Vector, res *Result) error {
	id, err := c.findConfirmed(v)
	if err != nil {
		return fmt.Errorf("identity: lookup: %w", err)
	}
	if id < 0 {
		res.Label = c.policy.UnknownLabel
		return nil
	}
	res.IdentityID = id
	res.Known = true
	res.Label = c.label(id)
	return nil
}

// findConfirmed returns the first confirmed key matching v at the loose tolerance, or -1.
func (c *Clusterer) findConfirmed(v vecmatch.Vector) (int, error) {
	for id, reps := range c.confirmed {
		ok, err := c.matcher.Matches(reps, v, c.policy.LooseTolerance)
		if err != nil {
			return -1, err
		}
		if ok {
			return id, nil
		}
	}
	return -1, nil
}

func (c *Clusterer) label(id int) string {
	if c.names != nil {
		if name, ok := c.names.Name(id); ok && name != "" {
			return name
		}
	}
	return strconv.Itoa(id)
}

func (c *Clusterer) removeTentative(key int) {
	delete(c.tentative, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Clusterer) logTentative() {
	if !c.log.Enabled(logx.LevelDebug) {
		return
	}
	sizes := make([]int, 0, len(c.order))
	for _, key := range c.order {
		sizes = append(sizes, len(c.tentative[key].members))
	}
	c.log.Debug("tentative tier", logx.Ints("keys", append([]int(nil), c.order...)), logx.Ints("sizes", sizes))
}

// Label resolves the display name of a confirmed key without touching the tiers.
func (c *Clusterer) Label(id int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.confirmed) {
		return "", ErrUnknownIdentity
	}
	return c.label(id), nil
}

// Representative returns a copy of the averaged vector of a confirmed identity.
func (c *Clusterer) Representative(id int) (vecmatch.Vector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.confirmed) {
		return nil, false
	}
	return append(vecmatch.Vector(nil), c.confirmed[id][0]...), true
}

// Snapshot returns the tier sizes and counters.
func (c *Clusterer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Tentative:        make([]ClusterInfo, 0, len(c.order)),
		Confirmed:        make([]int, 0, len(c.confirmed)),
		Calls:            c.calls,
		NextTentativeKey: c.nextKey,
		Dimension:        c.dim,
	}
	for _, key := range c.order {
		snap.Tentative = append(snap.Tentative, ClusterInfo{Key: key, Size: len(c.tentative[key].members)})
	}
	for id := range c.confirmed {
		snap.Confirmed = append(snap.Confirmed, id)
	}
	return snap
}

// ErrUnknownIdentity is returned for keys that were never confirmed.
var ErrUnknownIdentity = errors.New("identity: unknown identity key")
