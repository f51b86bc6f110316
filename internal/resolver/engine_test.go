package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/grants"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
)

type fixture struct {
	nodes   map[hierarchy.NodeRef]hierarchy.Node
	grants  []grants.Grant
	users   map[int64]struct{}
	roles   map[[2]int64]struct{}
	structs *directory.Tree
	members map[int64][]directory.StructureMember
}

func newFixture() *fixture {
	return &fixture{
		nodes:   make(map[hierarchy.NodeRef]hierarchy.Node),
		users:   map[int64]struct{}{userU: {}},
		roles:   make(map[[2]int64]struct{}),
		members: make(map[int64][]directory.StructureMember),
	}
}

func (f *fixture) GetNode(ctx context.Context, ref hierarchy.NodeRef) (hierarchy.Node, error) {
	if n, ok := f.nodes[ref]; ok {
		return n, nil
	}
	return hierarchy.Node{}, hierarchy.ErrNodeNotFound
}

func (f *fixture) AncestorChain(ctx context.Context, ref hierarchy.NodeRef) ([]hierarchy.Node, error) {
	node, err := f.GetNode(ctx, ref)
	if err != nil {
		return nil, err
	}
	chain := []hierarchy.Node{node}
	for chain[len(chain)-1].Parent != nil {
		parent, err := f.GetNode(ctx, *chain[len(chain)-1].Parent)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
	}
	return chain, nil
}

func (f *fixture) ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]grants.Grant, error) {
	var out []grants.Grant
	for _, ref := range refs {
		for _, g := range f.grants {
			if g.Node == ref && g.ActiveAt(asOf) {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (f *fixture) UserExists(ctx context.Context, userID int64) (bool, error) {
	_, ok := f.users[userID]
	return ok, nil
}

func (f *fixture) IsMember(ctx context.Context, userID int64, p directory.PrincipalRef, includeChildren bool, asOf time.Time) (bool, error) {
	switch p.Kind {
	case directory.PrincipalUser:
		return p.ID == userID, nil
	case directory.PrincipalRole:
		_, ok := f.roles[[2]int64{userID, p.ID}]
		return ok, nil
	case directory.PrincipalStructure:
		active := make(map[int64]struct{})
		for _, m := range f.members[userID] {
			if m.ActiveAt(asOf) {
				active[m.StructureID] = struct{}{}
			}
		}
		if _, ok := active[p.ID]; ok {
			return true, nil
		}
		if includeChildren && f.structs != nil {
			for _, id := range f.structs.DescendantIDs(p.ID) {
				if _, ok := active[id]; ok {
					return true, nil
				}
			}
		}
		return false, nil
	}
	return false, nil
}

const (
	userU       = int64(7)
	roleRecords = int64(3)
)

var (
	cabinetC = hierarchy.NodeRef{Kind: hierarchy.NodeKindCabinet, ID: 1}
	folderF  = hierarchy.NodeRef{Kind: hierarchy.NodeKindFolder, ID: 10}
	docD     = hierarchy.NodeRef{Kind: hierarchy.NodeKindDocument, ID: 100}
)

func (f *fixture) addNode(ref hierarchy.NodeRef, parent *hierarchy.NodeRef, breakInheritance bool) {
	f.nodes[ref] = hierarchy.Node{Ref: ref, Parent: parent, BreakInheritance: breakInheritance}
}

func (f *fixture) addGrant(node hierarchy.NodeRef, p directory.PrincipalRef, level grants.Level, opts ...func(*grants.Grant)) grants.Grant {
	g := grants.Grant{
		ID:        uuid.New(),
		Node:      node,
		Principal: p,
		Level:     level,
		CreatedAt: time.Now().Add(-time.Duration(len(f.grants)) * time.Minute),
	}
	for _, opt := range opts {
		opt(&g)
	}
	f.grants = append(f.grants, g)
	return g
}

func role(id int64) directory.PrincipalRef {
	return directory.PrincipalRef{Kind: directory.PrincipalRole, ID: id}
}

func user(id int64) directory.PrincipalRef {
	return directory.PrincipalRef{Kind: directory.PrincipalUser, ID: id}
}

func structure(id int64) directory.PrincipalRef {
	return directory.PrincipalRef{Kind: directory.PrincipalStructure, ID: id}
}

// Cabinet grant to a role the user holds reaches a child folder with the
// source attributed to the cabinet.
func TestResolveInheritsRoleGrantFromCabinet(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.roles[[2]int64{userU, roleRecords}] = struct{}{}
	f.addGrant(cabinetC, role(roleRecords), grants.LevelRead|grants.LevelWrite)

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead|grants.LevelWrite, decision.Level)
	require.Len(t, decision.Sources, 2)
	for _, src := range decision.Sources {
		require.Equal(t, cabinetC, src.Node)
	}
}

// Same layout with the folder breaking inheritance resolves to zero.
func TestResolveBreakInheritanceCutsAncestors(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, true)
	f.roles[[2]int64{userU, roleRecords}] = struct{}{}
	f.addGrant(cabinetC, role(roleRecords), grants.LevelRead|grants.LevelWrite)

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 0, decision.Level)
	require.Empty(t, decision.Sources)
}

// A breaking node's own grants still apply, and the cut protects descendants.
func TestResolveBreakingNodeKeepsOwnGrants(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, true)
	f.addNode(docD, &folderF, false)
	f.addGrant(cabinetC, user(userU), grants.LevelAdmin)
	f.addGrant(folderF, user(userU), grants.LevelRead)

	engine := NewEngine(f, f, f, nil)

	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)

	// The document inherits from the breaking folder but not from above it.
	decision, err = engine.Resolve(context.Background(), userU, docD, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)
}

// Document under folder under cabinet: inherited bits OR with the direct
// grant on the document.
func TestResolveAggregatesAcrossChain(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addNode(docD, &folderF, false)
	f.roles[[2]int64{userU, roleRecords}] = struct{}{}
	f.addGrant(cabinetC, role(roleRecords), grants.LevelRead|grants.LevelWrite)
	direct := f.addGrant(docD, user(userU), grants.LevelDelete)

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, docD, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead|grants.LevelWrite|grants.LevelDelete, decision.Level)

	byBit := make(map[grants.Level]Source)
	for _, src := range decision.Sources {
		byBit[src.Bit] = src
	}
	require.Equal(t, docD, byBit[grants.LevelDelete].Node)
	require.Equal(t, direct.ID, byBit[grants.LevelDelete].GrantID)
	require.Equal(t, cabinetC, byBit[grants.LevelRead].Node)
}

// Nearest node wins source attribution when two grants supply the same bit.
func TestResolveSourceAttributionPrefersNearestNode(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addGrant(cabinetC, user(userU), grants.LevelRead)
	near := f.addGrant(folderF, user(userU), grants.LevelRead)

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)
	require.Len(t, decision.Sources, 1)
	require.Equal(t, near.ID, decision.Sources[0].GrantID)
	require.Equal(t, folderF, decision.Sources[0].Node)
}

func TestResolveExpiredGrantContributesNothing(t *testing.T) {
	f := newFixture()
	f.addNode(folderF, nil, false)
	expiry := time.Now().Add(-time.Hour)
	f.addGrant(folderF, user(userU), grants.LevelRead|grants.LevelWrite, func(g *grants.Grant) {
		g.ExpiresAt = &expiry
	})

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 0, decision.Level)

	// Asked about a time before the expiry, the grant counts.
	decision, err = engine.Resolve(context.Background(), userU, folderF, expiry.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead|grants.LevelWrite, decision.Level)
}

func TestResolveStructureDescendantExpansion(t *testing.T) {
	f := newFixture()
	f.addNode(folderF, nil, false)
	parent := int64(1)
	f.structs = directory.NewTree([]directory.Structure{
		{ID: 1},
		{ID: 2, ParentID: &parent},
	})
	f.members[userU] = []directory.StructureMember{
		{UserID: userU, StructureID: 2, StartDate: time.Now().AddDate(-1, 0, 0)},
	}
	f.addGrant(folderF, structure(1), grants.LevelRead, func(g *grants.Grant) {
		g.IncludeChildStructures = true
	})

	engine := NewEngine(f, f, f, nil)
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)

	// Without the child flag the descendant membership does not match.
	f.grants[0].IncludeChildStructures = false
	decision, err = engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.EqualValues(t, 0, decision.Level)
}

func TestResolveUnknownUserAndNode(t *testing.T) {
	f := newFixture()
	f.addNode(folderF, nil, false)
	engine := NewEngine(f, f, f, nil)

	_, err := engine.Resolve(context.Background(), 999, folderF, time.Time{})
	require.ErrorIs(t, err, directory.ErrUserNotFound)

	_, err = engine.Resolve(context.Background(), userU, hierarchy.NodeRef{Kind: hierarchy.NodeKindFolder, ID: 404}, time.Time{})
	require.ErrorIs(t, err, hierarchy.ErrNodeNotFound)
}

func TestResolveAddingGrantNeverLowersLevel(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addGrant(folderF, user(userU), grants.LevelRead)

	engine := NewEngine(f, f, f, nil)
	before, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)

	f.addGrant(cabinetC, user(userU), grants.LevelWrite)
	after, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, before.Level, before.Level&after.Level)
}

func TestHasPermission(t *testing.T) {
	f := newFixture()
	f.addNode(folderF, nil, false)
	f.addGrant(folderF, user(userU), grants.LevelRead|grants.LevelWrite)

	engine := NewEngine(f, f, f, nil)

	ok, err := engine.HasPermission(context.Background(), userU, folderF, grants.LevelRead, time.Time{})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.HasPermission(context.Background(), userU, folderF, grants.LevelRead|grants.LevelDelete, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)

	// Admin never implies the other bits.
	f.grants[0].Level = grants.LevelAdmin
	ok, err = engine.HasPermission(context.Background(), userU, folderF, grants.LevelRead, time.Time{})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListEffectivePermissions(t *testing.T) {
	f := newFixture()
	f.addNode(cabinetC, nil, false)
	f.addNode(folderF, &cabinetC, false)
	f.addGrant(cabinetC, role(roleRecords), grants.LevelRead)
	f.addGrant(folderF, user(userU), grants.LevelWrite)

	engine := NewEngine(f, f, f, nil)
	listing, err := engine.ListEffectivePermissions(context.Background(), folderF)
	require.NoError(t, err)
	require.Len(t, listing, 2)

	byPrincipal := make(map[directory.PrincipalRef]EffectivePermission)
	for _, entry := range listing {
		byPrincipal[entry.Principal] = entry
	}
	require.True(t, byPrincipal[role(roleRecords)].IsInherited)
	require.Equal(t, grants.LevelRead, byPrincipal[role(roleRecords)].Level)
	require.False(t, byPrincipal[user(userU)].IsInherited)
}

func TestResolveUsesCacheUntilInvalidated(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client, time.Minute)

	f := newFixture()
	f.addNode(folderF, nil, false)
	f.addGrant(folderF, user(userU), grants.LevelRead)

	engine := NewEngine(f, f, f, cache)

	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)

	// A stale read after a source change proves the hit came from cache.
	f.grants[0].Level = grants.LevelRead | grants.LevelWrite
	decision, err = engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)

	require.NoError(t, cache.Invalidate(context.Background()))
	decision, err = engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead|grants.LevelWrite, decision.Level)

	// Historical queries bypass the cache entirely.
	decision, err = engine.Resolve(context.Background(), userU, folderF, time.Now().Add(-time.Hour))
	require.NoError(t, err)
}

// hookedGrantSource runs a callback once, after the grants have been listed
// but before the engine stores the decision.
type hookedGrantSource struct {
	inner GrantSource
	hook  func()
}

func (s *hookedGrantSource) ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]grants.Grant, error) {
	out, err := s.inner.ListNonExpired(ctx, refs, asOf)
	if s.hook != nil {
		s.hook()
		s.hook = nil
	}
	return out, err
}

// A grant mutation that commits and invalidates while a resolution is in
// flight must not be overwritten by that resolution's write-back: the stale
// decision lands in the orphaned version namespace and the next resolve
// recomputes.
func TestResolveInvalidationDuringResolveIsNotLost(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewCache(client, time.Minute)

	f := newFixture()
	f.addNode(folderF, nil, false)
	f.addGrant(folderF, user(userU), grants.LevelRead)

	source := &hookedGrantSource{inner: f, hook: func() {
		f.grants[0].Level = grants.LevelRead | grants.LevelWrite
		require.NoError(t, cache.Invalidate(context.Background()))
	}}
	engine := NewEngine(f, source, f, cache)

	// The in-flight resolution still sees the pre-mutation grants.
	decision, err := engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead, decision.Level)

	decision, err = engine.Resolve(context.Background(), userU, folderF, time.Time{})
	require.NoError(t, err)
	require.Equal(t, grants.LevelRead|grants.LevelWrite, decision.Level)
}
