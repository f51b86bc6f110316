// Package hierarchy exposes a read-only view of the cabinet/folder/document
// tree. All three levels share one tagged node reference so chain walking is
// written once.
package hierarchy

import (
	"fmt"

	"github.com/archivio-dms/archivio-dms/internal/shared"
)

// NodeKind tags the three repository levels.
type NodeKind string

const (
	// NodeKindCabinet is a root-level container; it never has a parent.
	NodeKindCabinet NodeKind = "cabinet"
	// NodeKindFolder sits under a cabinet or another folder.
	NodeKindFolder NodeKind = "folder"
	// NodeKindDocument is a leaf under a folder.
	NodeKindDocument NodeKind = "document"
)

// ParseNodeKind validates a kind received from the outside.
func ParseNodeKind(s string) (NodeKind, error) {
	switch NodeKind(s) {
	case NodeKindCabinet, NodeKindFolder, NodeKindDocument:
		return NodeKind(s), nil
	}
	return "", fmt.Errorf("hierarchy: node kind %q %w", s, shared.ErrValidation)
}

// NodeRef identifies a node by kind and id.
type NodeRef struct {
	Kind NodeKind `json:"kind"`
	ID   int64    `json:"id"`
}

// String renders the reference for log output and cache keys.
func (r NodeRef) String() string {
	return fmt.Sprintf("%s/%d", r.Kind, r.ID)
}

// Node is a single entry in the repository tree. Parent is nil for cabinets.
type Node struct {
	Ref              NodeRef
	Name             string
	Parent           *NodeRef
	BreakInheritance bool
}

// Package errors.
var (
	ErrNodeNotFound = fmt.Errorf("hierarchy: node %w", shared.ErrNotFound)
	ErrTooDeep      = fmt.Errorf("hierarchy: %w", shared.ErrHierarchyTooDeep)
)
