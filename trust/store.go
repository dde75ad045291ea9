package trust

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/veriseal-org/veriseal/keyvaluedb"
)

// DefaultDecayFactor attenuates ancestor contributions when the effective
// score is synchronized, an ancestor at depth d weighs decay^d against the
// entity's own base score at weight 1.
const DefaultDecayFactor = 0.5

var (
	ErrEntityNotFound   = errors.New("entity is not registered")
	ErrEntityRegistered = errors.New("entity is already registered")
)

type (
	// StoreOption is a configuration callback for NewAttributeStore.
	StoreOption func(*AttributeStore)

	/*
		AttributeStore holds the trust attributes of all known entities and
		their inheritance relationships.

		Entities live in an arena, a slice of nodes with an id to index map on
		the side, so inheritance edges are plain index links and cycle checks
		are cheap reachability walks. Edges are validated when they are added,
		the ancestry is a DAG at all times and traversals never have to watch
		for cycles.

		Every mutation is written to the backing store before it is applied to
		the arena. Safe for concurrent use.
	*/
	AttributeStore struct {
		mu    sync.RWMutex
		nodes []*entityNode
		index map[string]int
		db    keyvaluedb.KeyValueDB
		decay float64
	}

	entityNode struct {
		attr      *TrustAttribute
		parents   []int
		effective float64
	}

	// storedEntity is the persisted form of an arena node. Parent links are
	// stored as entity ids (the attribute's inheritance chain), indices are
	// rebuilt on load.
	storedEntity struct {
		Attribute      *TrustAttribute `json:"attribute" cbor:"attribute"`
		EffectiveScore float64         `json:"effective_score" cbor:"effective_score"`
	}
)

// WithDecayFactor overrides DefaultDecayFactor, factor must be in (0..1].
func WithDecayFactor(factor float64) StoreOption {
	return func(s *AttributeStore) { s.decay = factor }
}

func NewAttributeStore(db keyvaluedb.KeyValueDB, opts ...StoreOption) (*AttributeStore, error) {
	if db == nil {
		return nil, errors.New("attribute storage is nil")
	}
	s := &AttributeStore{
		index: map[string]int{},
		db:    db,
		decay: DefaultDecayFactor,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.decay <= 0 || s.decay > 1 {
		return nil, fmt.Errorf("invalid decay factor %v, must be in (0..1]", s.decay)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading trust attributes: %w", err)
	}
	return s, nil
}

// load rebuilds the arena from the backing store. Two passes, nodes first
// so parent links can be resolved regardless of key order.
func (s *AttributeStore) load() (rerr error) {
	it := s.db.First()
	defer func() { rerr = errors.Join(rerr, it.Close()) }()
	for ; it.Valid(); it.Next() {
		se := &storedEntity{}
		if err := it.Value(se); err != nil {
			return fmt.Errorf("reading entity %q: %w", it.Key(), err)
		}
		s.index[se.Attribute.EntityID] = len(s.nodes)
		s.nodes = append(s.nodes, &entityNode{attr: se.Attribute, effective: se.EffectiveScore})
	}
	for _, node := range s.nodes {
		for _, parentID := range node.attr.InheritanceChain {
			idx, ok := s.index[parentID]
			if !ok {
				return fmt.Errorf("entity %q inherits from unknown entity %q", node.attr.EntityID, parentID)
			}
			node.parents = append(node.parents, idx)
		}
	}
	return nil
}

/*
RegisterEntity adds a new entity to the store. All scores must be in [0..1]
and every entity named in the inheritance chain must already be registered.
An entity can't inherit from itself, that fails with CycleError. When no
verification status is set the entity starts out unverified.
*/
func (s *AttributeStore) RegisterEntity(attr *TrustAttribute) error {
	if attr == nil {
		return errors.New("attribute is nil")
	}
	if attr.EntityID == "" {
		return errors.New("entity id is empty")
	}
	if !validScore(attr.BaseScore) {
		return fmt.Errorf("base score %v of entity %q is outside [0..1]", attr.BaseScore, attr.EntityID)
	}
	for name, score := range attr.ContextScores {
		if !validScore(score) {
			return fmt.Errorf("score %v of context %q is outside [0..1]", score, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[attr.EntityID]; ok {
		return fmt.Errorf("entity %q: %w", attr.EntityID, ErrEntityRegistered)
	}
	parents := make([]int, 0, len(attr.InheritanceChain))
	for _, parentID := range attr.InheritanceChain {
		if parentID == attr.EntityID {
			return &CycleError{ParentID: parentID, ChildID: attr.EntityID}
		}
		idx, ok := s.index[parentID]
		if !ok {
			return fmt.Errorf("ancestor %q of entity %q: %w", parentID, attr.EntityID, ErrEntityNotFound)
		}
		if slices.Contains(parents, idx) {
			return fmt.Errorf("ancestor %q listed twice in the chain of entity %q", parentID, attr.EntityID)
		}
		parents = append(parents, idx)
	}

	node := &entityNode{attr: attr.Clone(), parents: parents, effective: attr.BaseScore}
	if node.attr.VerificationStatus == "" {
		node.attr.VerificationStatus = StatusUnverified
	}
	if err := s.persist(node); err != nil {
		return fmt.Errorf("persisting entity %q: %w", attr.EntityID, err)
	}
	s.index[node.attr.EntityID] = len(s.nodes)
	s.nodes = append(s.nodes, node)
	return nil
}

/*
RegisterInheritanceRelationship appends the parent to the child's
inheritance chain. Both entities must be registered and the edge must keep
the ancestry acyclic, an edge which would make the child its own ancestor
fails with CycleError and is not stored.
*/
func (s *AttributeStore) RegisterInheritanceRelationship(parentID, childID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parentIdx, ok := s.index[parentID]
	if !ok {
		return fmt.Errorf("parent %q: %w", parentID, ErrEntityNotFound)
	}
	childIdx, ok := s.index[childID]
	if !ok {
		return fmt.Errorf("child %q: %w", childID, ErrEntityNotFound)
	}
	if parentIdx == childIdx || s.reachable(parentIdx, childIdx) {
		return &CycleError{ParentID: parentID, ChildID: childID}
	}
	if slices.Contains(s.nodes[childIdx].parents, parentIdx) {
		return fmt.Errorf("entity %q already inherits from %q", childID, parentID)
	}

	child := s.nodes[childIdx]
	next := &entityNode{
		attr:      child.attr.Clone(),
		parents:   append(slices.Clone(child.parents), parentIdx),
		effective: child.effective,
	}
	next.attr.InheritanceChain = append(next.attr.InheritanceChain, parentID)
	if err := s.persist(next); err != nil {
		return fmt.Errorf("persisting entity %q: %w", childID, err)
	}
	s.nodes[childIdx] = next
	return nil
}

// reachable reports whether target can be reached from start by walking
// inheritance edges towards ancestors.
func (s *AttributeStore) reachable(start, target int) bool {
	seen := make(map[int]struct{}, len(s.nodes))
	stack := []int{start}
	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if idx == target {
			return true
		}
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		stack = append(stack, s.nodes[idx].parents...)
	}
	return false
}

/*
SynchronizeAttributes recomputes the entity's effective score from its
ancestry and stores it. The effective score is the weighted mean of the base
scores of the entity (weight 1) and its transitive ancestors, an ancestor at
depth d weighing decay^d. Shared ancestors count once at their shallowest
depth. The computation reads base scores only so it is idempotent, repeated
synchronization without upstream changes returns the same score.

Synchronizing an entity which inherits marks a still unverified entity as
inherited, an explicitly verified entity keeps its status.

Returns the new effective score.
*/
func (s *AttributeStore) SynchronizeAttributes(entityID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[entityID]
	if !ok {
		return 0, fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}
	node := s.nodes[idx]

	next := &entityNode{
		attr:      node.attr.Clone(),
		parents:   node.parents,
		effective: s.effectiveScore(idx),
	}
	if len(node.parents) > 0 && next.attr.VerificationStatus == StatusUnverified {
		next.attr.VerificationStatus = StatusInherited
	}
	if err := s.persist(next); err != nil {
		return 0, fmt.Errorf("persisting entity %q: %w", entityID, err)
	}
	s.nodes[idx] = next
	return next.effective, nil
}

// effectiveScore combines the entity's base score with the decayed base
// scores of its transitive ancestry, breadth first so every ancestor is
// counted at its shallowest depth.
func (s *AttributeStore) effectiveScore(idx int) float64 {
	type visit struct {
		idx   int
		depth int
	}
	scoreSum := s.nodes[idx].attr.BaseScore
	weightSum := 1.0
	seen := map[int]struct{}{idx: {}}
	queue := []visit{{idx: idx, depth: 0}}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, parent := range s.nodes[v.idx].parents {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			weight := math.Pow(s.decay, float64(v.depth+1))
			scoreSum += weight * s.nodes[parent].attr.BaseScore
			weightSum += weight
			queue = append(queue, visit{idx: parent, depth: v.depth + 1})
		}
	}
	return scoreSum / weightSum
}

// GetEffectiveScore returns the entity's stored effective score. Before the
// first synchronization that is the base score.
func (s *AttributeStore) GetEffectiveScore(entityID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[entityID]
	if !ok {
		return 0, fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}
	return s.nodes[idx].effective, nil
}

// GetContextScore returns the entity's score in the given context, the bool
// reports whether the entity carries the context at all.
func (s *AttributeStore) GetContextScore(entityID, context string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[entityID]
	if !ok {
		return 0, false, fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}
	score, ok := s.nodes[idx].attr.ContextScores[context]
	return score, ok, nil
}

// GetEntity returns a copy of the entity's trust attribute.
func (s *AttributeStore) GetEntity(entityID string) (*TrustAttribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[entityID]
	if !ok {
		return nil, fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}
	return s.nodes[idx].attr.Clone(), nil
}

// EntityIDs returns the ids of all registered entities in registration order.
func (s *AttributeStore) EntityIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.nodes))
	for i, node := range s.nodes {
		ids[i] = node.attr.EntityID
	}
	return ids
}

/*
Ancestry returns the transitive ancestor ids of the entity in breadth first
order and whether every one of them currently holds the verified status. An
entity without ancestors has a vacuously verified ancestry.
*/
func (s *AttributeStore) Ancestry(entityID string) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.index[entityID]
	if !ok {
		return nil, false, fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}

	ids := []string{}
	verified := true
	seen := map[int]struct{}{idx: {}}
	queue := []int{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, parent := range s.nodes[cur].parents {
			if _, ok := seen[parent]; ok {
				continue
			}
			seen[parent] = struct{}{}
			ids = append(ids, s.nodes[parent].attr.EntityID)
			verified = verified && s.nodes[parent].attr.VerificationStatus == StatusVerified
			queue = append(queue, parent)
		}
	}
	return ids, verified, nil
}

// SetVerificationStatus updates the entity's verification status.
func (s *AttributeStore) SetVerificationStatus(entityID string, status VerificationStatus) error {
	switch status {
	case StatusUnverified, StatusVerified, StatusInherited:
	default:
		return fmt.Errorf("unknown verification status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[entityID]
	if !ok {
		return fmt.Errorf("entity %q: %w", entityID, ErrEntityNotFound)
	}
	node := s.nodes[idx]
	next := &entityNode{attr: node.attr.Clone(), parents: node.parents, effective: node.effective}
	next.attr.VerificationStatus = status
	if err := s.persist(next); err != nil {
		return fmt.Errorf("persisting entity %q: %w", entityID, err)
	}
	s.nodes[idx] = next
	return nil
}

func (s *AttributeStore) persist(node *entityNode) error {
	return s.db.Write([]byte(node.attr.EntityID), &storedEntity{
		Attribute:      node.attr,
		EffectiveScore: node.effective,
	})
}
