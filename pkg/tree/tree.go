// Package tree provides utilities for working with path-keyed node trees.
package tree

import (
	"strings"

	"github.com/fruitsalade/dashboard/pkg/models"
)

// CountNodes counts all materialized nodes in a forest.
func CountNodes(roots []*models.TreeNode) int {
	count := 0
	for _, root := range roots {
		if root == nil {
			continue
		}
		count += 1 + CountNodes(root.Children)
	}
	return count
}

// BuildChildPath constructs a child path from parent + name. Paths are
// relative to the working directory root, so the top level has an empty
// parent.
func BuildChildPath(parentPath, name string) string {
	parentPath = strings.TrimSuffix(parentPath, "/")
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}

// Depth returns the nesting depth of a path (0 for top-level entries).
func Depth(path string) int {
	path = strings.Trim(path, "/")
	if path == "" {
		return 0
	}
	return strings.Count(path, "/")
}

// Flatten returns all materialized nodes in a flat map keyed by path.
func Flatten(roots []*models.TreeNode) map[string]*models.TreeNode {
	result := make(map[string]*models.TreeNode)
	for _, root := range roots {
		if root != nil {
			flattenRecursive(root, result)
		}
	}
	return result
}

func flattenRecursive(node *models.TreeNode, result map[string]*models.TreeNode) {
	result[node.Path] = node
	for _, child := range node.Children {
		flattenRecursive(child, result)
	}
}
