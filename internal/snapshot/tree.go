package snapshot

import "sort"

// Tree groups vmid's snapshots into a forest by parent id. Roots have no
// parent; a node is "current" iff no other snapshot names it as parent.
// Siblings are ordered by creation time ascending.
func (m *Manager) Tree(vmid int) []*SnapshotTreeNode {
	snaps := m.List(vmid)

	hasChild := make(map[string]bool, len(snaps))
	nodes := make(map[string]*SnapshotTreeNode, len(snaps))
	for _, s := range snaps {
		nodes[s.ID] = &SnapshotTreeNode{Snapshot: s}
		if s.ParentID != "" {
			hasChild[s.ParentID] = true
		}
	}

	var roots []*SnapshotTreeNode
	for _, s := range snaps {
		node := nodes[s.ID]
		node.IsCurrent = !hasChild[s.ID]
		if s.ParentID == "" {
			roots = append(roots, node)
			continue
		}
		parent, ok := nodes[s.ParentID]
		if !ok {
			// Parent missing from this VM's index (shouldn't happen given
			// the invariant parent.vm == self.vm); treat as a root rather
			// than dropping it.
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*SnapshotTreeNode) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Snapshot.CreatedAt.Before(nodes[j].Snapshot.CreatedAt)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
