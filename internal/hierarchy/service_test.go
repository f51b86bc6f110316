package hierarchy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	nodes map[NodeRef]Node
}

func newMemoryRepo(nodes ...Node) *memoryRepo {
	repo := &memoryRepo{nodes: make(map[NodeRef]Node)}
	for _, n := range nodes {
		repo.nodes[n.Ref] = n
	}
	return repo
}

func (r *memoryRepo) GetNode(ctx context.Context, ref NodeRef) (Node, error) {
	if n, ok := r.nodes[ref]; ok {
		return n, nil
	}
	return Node{}, ErrNodeNotFound
}

func ref(kind NodeKind, id int64) NodeRef {
	return NodeRef{Kind: kind, ID: id}
}

func TestAncestorChain(t *testing.T) {
	cabinet := Node{Ref: ref(NodeKindCabinet, 1), Name: "Records"}
	folder := Node{Ref: ref(NodeKindFolder, 10), Parent: &cabinet.Ref}
	doc := Node{Ref: ref(NodeKindDocument, 100), Parent: &folder.Ref}
	svc := NewService(newMemoryRepo(cabinet, folder, doc), 0)

	chain, err := svc.AncestorChain(context.Background(), doc.Ref)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, doc.Ref, chain[0].Ref)
	require.Equal(t, folder.Ref, chain[1].Ref)
	require.Equal(t, cabinet.Ref, chain[2].Ref)
}

func TestAncestorChainCabinetIsItsOwnChain(t *testing.T) {
	cabinet := Node{Ref: ref(NodeKindCabinet, 1)}
	svc := NewService(newMemoryRepo(cabinet), 0)

	chain, err := svc.AncestorChain(context.Background(), cabinet.Ref)
	require.NoError(t, err)
	require.Len(t, chain, 1)
}

func TestAncestorChainUnknownNode(t *testing.T) {
	svc := NewService(newMemoryRepo(), 0)
	_, err := svc.AncestorChain(context.Background(), ref(NodeKindFolder, 99))
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestAncestorChainDepthBound(t *testing.T) {
	// Two folders pointing at each other; the bound must stop the walk.
	a := Node{Ref: ref(NodeKindFolder, 1), Parent: &NodeRef{Kind: NodeKindFolder, ID: 2}}
	b := Node{Ref: ref(NodeKindFolder, 2), Parent: &NodeRef{Kind: NodeKindFolder, ID: 1}}
	svc := NewService(newMemoryRepo(a, b), 4)

	_, err := svc.AncestorChain(context.Background(), a.Ref)
	require.ErrorIs(t, err, ErrTooDeep)
}

func TestParseNodeKind(t *testing.T) {
	kind, err := ParseNodeKind("folder")
	require.NoError(t, err)
	require.Equal(t, NodeKindFolder, kind)

	_, err = ParseNodeKind("drawer")
	require.Error(t, err)
}
