package trust

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veriseal-org/veriseal/keyvaluedb/memorydb"
)

func testStore(t *testing.T, opts ...StoreOption) *AttributeStore {
	t.Helper()
	store, err := NewAttributeStore(memorydb.New(), opts...)
	require.NoError(t, err)
	return store
}

func registerEntity(t *testing.T, store *AttributeStore, attr *TrustAttribute) {
	t.Helper()
	require.NoError(t, store.RegisterEntity(attr))
}

func Test_NewAttributeStore(t *testing.T) {
	t.Run("nil storage", func(t *testing.T) {
		store, err := NewAttributeStore(nil)
		require.EqualError(t, err, "attribute storage is nil")
		require.Nil(t, store)
	})

	t.Run("invalid decay factor", func(t *testing.T) {
		for _, decay := range []float64{0, -0.5, 1.5} {
			store, err := NewAttributeStore(memorydb.New(), WithDecayFactor(decay))
			require.ErrorContains(t, err, "invalid decay factor")
			require.Nil(t, store)
		}
	})
}

func Test_AttributeStore_RegisterEntity(t *testing.T) {
	t.Run("input validation", func(t *testing.T) {
		store := testStore(t)
		require.EqualError(t, store.RegisterEntity(nil), "attribute is nil")
		require.EqualError(t, store.RegisterEntity(&TrustAttribute{}), "entity id is empty")
		require.EqualError(t, store.RegisterEntity(&TrustAttribute{EntityID: "e", BaseScore: 1.5}),
			`base score 1.5 of entity "e" is outside [0..1]`)
		require.EqualError(t, store.RegisterEntity(&TrustAttribute{EntityID: "e", BaseScore: -0.1}),
			`base score -0.1 of entity "e" is outside [0..1]`)
		require.EqualError(t,
			store.RegisterEntity(&TrustAttribute{EntityID: "e", BaseScore: 0.5, ContextScores: map[string]float64{"data": 1.2}}),
			`score 1.2 of context "data" is outside [0..1]`)
		require.Empty(t, store.EntityIDs())
	})

	t.Run("duplicate entity", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "e", BaseScore: 0.5})
		err := store.RegisterEntity(&TrustAttribute{EntityID: "e", BaseScore: 0.7})
		require.ErrorIs(t, err, ErrEntityRegistered)

		score, err := store.GetEffectiveScore("e")
		require.NoError(t, err)
		require.InDelta(t, 0.5, score, 0)
	})

	t.Run("chain must name registered entities", func(t *testing.T) {
		store := testStore(t)
		err := store.RegisterEntity(&TrustAttribute{EntityID: "child", BaseScore: 0.5, InheritanceChain: []string{"parent"}})
		require.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("self in chain is a cycle", func(t *testing.T) {
		store := testStore(t)
		err := store.RegisterEntity(&TrustAttribute{EntityID: "e", BaseScore: 0.5, InheritanceChain: []string{"e"}})
		cycleErr := &CycleError{}
		require.ErrorAs(t, err, &cycleErr)
		require.EqualError(t, err, `entity "e" can't inherit from itself`)
	})

	t.Run("duplicate ancestor in chain", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		err := store.RegisterEntity(&TrustAttribute{EntityID: "child", BaseScore: 0.5, InheritanceChain: []string{"parent", "parent"}})
		require.EqualError(t, err, `ancestor "parent" listed twice in the chain of entity "child"`)
	})

	t.Run("defaults", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "e", BaseScore: 0.5})

		attr, err := store.GetEntity("e")
		require.NoError(t, err)
		require.Equal(t, StatusUnverified, attr.VerificationStatus)

		score, err := store.GetEffectiveScore("e")
		require.NoError(t, err)
		require.InDelta(t, 0.5, score, 0, "effective score starts out as the base score")
	})

	t.Run("caller's attribute is copied", func(t *testing.T) {
		store := testStore(t)
		attr := &TrustAttribute{EntityID: "e", BaseScore: 0.5, ContextScores: map[string]float64{"data": 0.4}}
		registerEntity(t, store, attr)
		attr.ContextScores["data"] = 0.9

		score, ok, err := store.GetContextScore("e", "data")
		require.NoError(t, err)
		require.True(t, ok)
		require.InDelta(t, 0.4, score, 0)
	})
}

func Test_AttributeStore_RegisterInheritanceRelationship(t *testing.T) {
	t.Run("both entities must be registered", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "known", BaseScore: 0.5})
		require.ErrorIs(t, store.RegisterInheritanceRelationship("unknown", "known"), ErrEntityNotFound)
		require.ErrorIs(t, store.RegisterInheritanceRelationship("known", "unknown"), ErrEntityNotFound)
	})

	t.Run("appends parent to the child's chain", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8})
		require.NoError(t, store.RegisterInheritanceRelationship("parent", "child"))

		attr, err := store.GetEntity("child")
		require.NoError(t, err)
		require.Equal(t, []string{"parent"}, attr.InheritanceChain)
	})

	t.Run("duplicate edge", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8})
		require.NoError(t, store.RegisterInheritanceRelationship("parent", "child"))
		require.EqualError(t, store.RegisterInheritanceRelationship("parent", "child"),
			`entity "child" already inherits from "parent"`)
	})

	t.Run("cycles are refused at edge insertion", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "a", BaseScore: 0.5})
		registerEntity(t, store, &TrustAttribute{EntityID: "b", BaseScore: 0.5})
		registerEntity(t, store, &TrustAttribute{EntityID: "c", BaseScore: 0.5})
		require.NoError(t, store.RegisterInheritanceRelationship("a", "b"))
		require.NoError(t, store.RegisterInheritanceRelationship("b", "c"))

		cycleErr := &CycleError{}
		// direct self edge
		require.ErrorAs(t, store.RegisterInheritanceRelationship("a", "a"), &cycleErr)
		// c -> b -> a, closing a -> c would loop
		err := store.RegisterInheritanceRelationship("c", "a")
		require.ErrorAs(t, err, &cycleErr)
		require.EqualError(t, err, `inheritance from "c" to "a" would create a cycle`)

		// the failed edge left the chain alone
		attr, err := store.GetEntity("a")
		require.NoError(t, err)
		require.Empty(t, attr.InheritanceChain)
	})
}

func Test_AttributeStore_SynchronizeAttributes(t *testing.T) {
	t.Run("unknown entity", func(t *testing.T) {
		store := testStore(t)
		_, err := store.SynchronizeAttributes("unknown")
		require.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("no ancestors keeps the base score", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "e", BaseScore: 0.7})
		score, err := store.SynchronizeAttributes("e")
		require.NoError(t, err)
		require.InDelta(t, 0.7, score, 0)

		attr, err := store.GetEntity("e")
		require.NoError(t, err)
		require.Equal(t, StatusUnverified, attr.VerificationStatus, "no inheritance, status stays")
	})

	t.Run("ancestors attenuated by depth", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8, InheritanceChain: []string{"parent"}})
		registerEntity(t, store, &TrustAttribute{EntityID: "grandchild", BaseScore: 0.8, InheritanceChain: []string{"child"}})

		// (0.8 + 0.5*0.9) / 1.5
		score, err := store.SynchronizeAttributes("child")
		require.NoError(t, err)
		require.InDelta(t, 0.8333333333, score, 1e-9)

		// (0.8 + 0.5*0.8 + 0.25*0.9) / 1.75
		score, err = store.SynchronizeAttributes("grandchild")
		require.NoError(t, err)
		require.InDelta(t, 0.8142857143, score, 1e-9)

		got, err := store.GetEffectiveScore("grandchild")
		require.NoError(t, err)
		require.InDelta(t, score, got, 0)
	})

	t.Run("idempotent", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8, InheritanceChain: []string{"parent"}})

		first, err := store.SynchronizeAttributes("child")
		require.NoError(t, err)
		again, err := store.SynchronizeAttributes("child")
		require.NoError(t, err)
		require.InDelta(t, first, again, 0)
	})

	t.Run("shared ancestor counts once at the shallowest depth", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "a", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "b", BaseScore: 0.7, InheritanceChain: []string{"a"}})
		registerEntity(t, store, &TrustAttribute{EntityID: "c", BaseScore: 0.8, InheritanceChain: []string{"a"}})
		registerEntity(t, store, &TrustAttribute{EntityID: "d", BaseScore: 0.6, InheritanceChain: []string{"b", "c"}})

		// (0.6 + 0.5*0.7 + 0.5*0.8 + 0.25*0.9) / 2.25
		score, err := store.SynchronizeAttributes("d")
		require.NoError(t, err)
		require.InDelta(t, 0.7, score, 1e-9)
	})

	t.Run("inheriting entity is marked inherited", func(t *testing.T) {
		store := testStore(t)
		registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9})
		registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8, InheritanceChain: []string{"parent"}})
		registerEntity(t, store, &TrustAttribute{EntityID: "attested", BaseScore: 0.8, InheritanceChain: []string{"parent"}, VerificationStatus: StatusVerified})

		_, err := store.SynchronizeAttributes("child")
		require.NoError(t, err)
		attr, err := store.GetEntity("child")
		require.NoError(t, err)
		require.Equal(t, StatusInherited, attr.VerificationStatus)

		// explicitly verified entities keep their status
		_, err = store.SynchronizeAttributes("attested")
		require.NoError(t, err)
		attr, err = store.GetEntity("attested")
		require.NoError(t, err)
		require.Equal(t, StatusVerified, attr.VerificationStatus)
	})
}

func Test_AttributeStore_GetContextScore(t *testing.T) {
	store := testStore(t)
	registerEntity(t, store, &TrustAttribute{EntityID: "e", BaseScore: 0.5, ContextScores: map[string]float64{"data": 0.8}})

	_, _, err := store.GetContextScore("unknown", "data")
	require.ErrorIs(t, err, ErrEntityNotFound)

	score, ok, err := store.GetContextScore("e", "data")
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 0.8, score, 0)

	_, ok, err = store.GetContextScore("e", "identity")
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_AttributeStore_Ancestry(t *testing.T) {
	store := testStore(t)
	registerEntity(t, store, &TrustAttribute{EntityID: "parent", BaseScore: 0.9, VerificationStatus: StatusVerified})
	registerEntity(t, store, &TrustAttribute{EntityID: "child", BaseScore: 0.8, InheritanceChain: []string{"parent"}, VerificationStatus: StatusVerified})
	registerEntity(t, store, &TrustAttribute{EntityID: "grandchild", BaseScore: 0.8, InheritanceChain: []string{"child"}})

	_, _, err := store.Ancestry("unknown")
	require.ErrorIs(t, err, ErrEntityNotFound)

	chain, verified, err := store.Ancestry("grandchild")
	require.NoError(t, err)
	require.Equal(t, []string{"child", "parent"}, chain)
	require.True(t, verified)

	chain, verified, err = store.Ancestry("parent")
	require.NoError(t, err)
	require.Empty(t, chain)
	require.True(t, verified, "no ancestors, nothing can be broken")

	// a downgraded ancestor breaks the chain
	require.NoError(t, store.SetVerificationStatus("parent", StatusUnverified))
	_, verified, err = store.Ancestry("grandchild")
	require.NoError(t, err)
	require.False(t, verified)
}

func Test_AttributeStore_attributesSurviveRestart(t *testing.T) {
	db := memorydb.New()

	store, err := NewAttributeStore(db)
	require.NoError(t, err)
	require.NoError(t, store.RegisterEntity(&TrustAttribute{EntityID: "parent", BaseScore: 0.9, Tier: "gold"}))
	require.NoError(t, store.RegisterEntity(&TrustAttribute{EntityID: "child", BaseScore: 0.8}))
	require.NoError(t, store.RegisterInheritanceRelationship("parent", "child"))
	synced, err := store.SynchronizeAttributes("child")
	require.NoError(t, err)

	reloaded, err := NewAttributeStore(db)
	require.NoError(t, err)

	attr, err := reloaded.GetEntity("child")
	require.NoError(t, err)
	require.Equal(t, []string{"parent"}, attr.InheritanceChain)
	require.Equal(t, StatusInherited, attr.VerificationStatus)

	score, err := reloaded.GetEffectiveScore("child")
	require.NoError(t, err)
	require.InDelta(t, synced, score, 0)

	// the rebuilt arena enforces acyclicity just the same
	cycleErr := &CycleError{}
	require.ErrorAs(t, reloaded.RegisterInheritanceRelationship("child", "parent"), &cycleErr)
}
