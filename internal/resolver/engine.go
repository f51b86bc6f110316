// Package resolver computes effective permissions: the bitwise OR of every
// non-expired grant on the inheritance-relevant chain whose principal the user
// belongs to. Resolution is a pure read; "forbidden" is always the caller's
// decision, never an error from here.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/archivio-dms/archivio-dms/internal/directory"
	"github.com/archivio-dms/archivio-dms/internal/grants"
	"github.com/archivio-dms/archivio-dms/internal/hierarchy"
)

// NodeSource provides hierarchy lookups.
type NodeSource interface {
	GetNode(ctx context.Context, ref hierarchy.NodeRef) (hierarchy.Node, error)
	AncestorChain(ctx context.Context, ref hierarchy.NodeRef) ([]hierarchy.Node, error)
}

// GrantSource provides the non-expired grants bound to a set of nodes.
type GrantSource interface {
	ListNonExpired(ctx context.Context, refs []hierarchy.NodeRef, asOf time.Time) ([]grants.Grant, error)
}

// MembershipSource answers principal membership questions.
type MembershipSource interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	IsMember(ctx context.Context, userID int64, principal directory.PrincipalRef, includeChildren bool, asOf time.Time) (bool, error)
}

// Source attributes one set bit of a decision to the grant that first
// contributed it, scanning the chain nearest-node-first. Display and audit
// only; it never affects the bitmask.
type Source struct {
	Node      hierarchy.NodeRef      `json:"node"`
	Principal directory.PrincipalRef `json:"principal"`
	Bit       grants.Level           `json:"bit"`
	GrantID   uuid.UUID              `json:"grant_id"`
}

// Decision is the outcome of a resolution.
type Decision struct {
	Level   grants.Level `json:"level"`
	Sources []Source     `json:"sources,omitempty"`
}

// EffectivePermission is one row of the access-review listing for a node.
type EffectivePermission struct {
	Principal   directory.PrincipalRef `json:"principal"`
	Level       grants.Level           `json:"level"`
	IsInherited bool                   `json:"is_inherited"`
}

// Engine wires the three read sources together. It holds no mutable state;
// concurrent resolutions are independent.
type Engine struct {
	nodes     NodeSource
	grants    GrantSource
	directory MembershipSource
	cache     *Cache
}

// NewEngine builds an Engine. cache may be nil.
func NewEngine(nodes NodeSource, grantSource GrantSource, dir MembershipSource, cache *Cache) *Engine {
	return &Engine{nodes: nodes, grants: grantSource, directory: dir, cache: cache}
}

// Resolve computes the effective level userID holds on the node at asOf (zero
// asOf means now). Unknown users and nodes fail with a not-found error; a node
// with no matching grants anywhere on its chain resolves to level zero.
func (e *Engine) Resolve(ctx context.Context, userID int64, ref hierarchy.NodeRef, asOf time.Time) (Decision, error) {
	cacheable := asOf.IsZero()
	if cacheable {
		asOf = time.Now().UTC()
	}

	exists, err := e.directory.UserExists(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	if !exists {
		return Decision{}, fmt.Errorf("%w: user %d", directory.ErrUserNotFound, userID)
	}

	// The version is captured before any grant read: an invalidation racing
	// the computation then bumps past it, and the Set below writes into an
	// orphaned namespace instead of resurrecting a stale decision.
	var cacheVersion int64
	if cacheable {
		cacheVersion = e.cache.Version(ctx)
		if decision, ok := e.cache.Get(ctx, cacheVersion, userID, ref); ok {
			return decision, nil
		}
	}

	chain, err := e.inheritanceChain(ctx, ref)
	if err != nil {
		return Decision{}, err
	}

	refs := make([]hierarchy.NodeRef, len(chain))
	for i, node := range chain {
		refs[i] = node.Ref
	}
	chainGrants, err := e.grants.ListNonExpired(ctx, refs, asOf)
	if err != nil {
		return Decision{}, err
	}

	byNode := make(map[hierarchy.NodeRef][]grants.Grant, len(chain))
	for _, g := range chainGrants {
		byNode[g.Node] = append(byNode[g.Node], g)
	}
	// Grants within a node are scanned in creation order, ties broken by id,
	// so source attribution is deterministic.
	for _, group := range byNode {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID.String() < group[j].ID.String()
		})
	}

	var decision Decision
	attributed := make(map[grants.Level]Source, 4)
	for _, node := range chain {
		for _, g := range byNode[node.Ref] {
			member, err := e.directory.IsMember(ctx, userID, g.Principal, g.IncludeChildStructures, asOf)
			if err != nil {
				return Decision{}, err
			}
			if !member {
				continue
			}
			decision.Level |= g.Level
			for _, bit := range g.Level.Bits() {
				if _, ok := attributed[bit]; !ok {
					attributed[bit] = Source{Node: g.Node, Principal: g.Principal, Bit: bit, GrantID: g.ID}
				}
			}
		}
	}
	for _, bit := range decision.Level.Bits() {
		decision.Sources = append(decision.Sources, attributed[bit])
	}

	if cacheable {
		e.cache.Set(ctx, cacheVersion, userID, ref, decision)
	}
	return decision, nil
}

// HasPermission reports whether the user holds every bit of required on the
// node.
func (e *Engine) HasPermission(ctx context.Context, userID int64, ref hierarchy.NodeRef, required grants.Level, asOf time.Time) (bool, error) {
	decision, err := e.Resolve(ctx, userID, ref, asOf)
	if err != nil {
		return false, err
	}
	return decision.Level.Has(required), nil
}

// ListEffectivePermissions aggregates, per principal, the level reaching the
// node through its inheritance chain. IsInherited is true when no grant on the
// node itself contributes for that principal.
func (e *Engine) ListEffectivePermissions(ctx context.Context, ref hierarchy.NodeRef) ([]EffectivePermission, error) {
	chain, err := e.inheritanceChain(ctx, ref)
	if err != nil {
		return nil, err
	}

	refs := make([]hierarchy.NodeRef, len(chain))
	for i, node := range chain {
		refs[i] = node.Ref
	}
	chainGrants, err := e.grants.ListNonExpired(ctx, refs, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	type acc struct {
		level grants.Level
		local bool
	}
	perPrincipal := make(map[directory.PrincipalRef]*acc)
	for _, g := range chainGrants {
		entry, ok := perPrincipal[g.Principal]
		if !ok {
			entry = &acc{}
			perPrincipal[g.Principal] = entry
		}
		entry.level |= g.Level
		if g.Node == ref {
			entry.local = true
		}
	}

	out := make([]EffectivePermission, 0, len(perPrincipal))
	for principal, entry := range perPrincipal {
		out = append(out, EffectivePermission{
			Principal:   principal,
			Level:       entry.level,
			IsInherited: !entry.local,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal.Kind != out[j].Principal.Kind {
			return out[i].Principal.Kind < out[j].Principal.Kind
		}
		return out[i].Principal.ID < out[j].Principal.ID
	})
	return out, nil
}

// inheritanceChain returns the target node and the ancestors whose grants can
// reach it: the walk stops once a node carries the break-inheritance flag,
// keeping that node (its own grants still apply) and dropping everything
// above. A cabinet's flag is naturally a no-op.
func (e *Engine) inheritanceChain(ctx context.Context, ref hierarchy.NodeRef) ([]hierarchy.Node, error) {
	chain, err := e.nodes.AncestorChain(ctx, ref)
	if err != nil {
		return nil, err
	}
	for i, node := range chain {
		if node.BreakInheritance {
			return chain[:i+1], nil
		}
	}
	return chain, nil
}
