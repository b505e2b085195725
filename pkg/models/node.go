// Package models contains data types shared across the dashboard packages.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// UnmarshalJSON accepts the kind spellings used by the upstream service.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "file":
		*k = KindFile
	case "directory", "dir", "folder":
		*k = KindDirectory
	default:
		return fmt.Errorf("unknown node kind %q", s)
	}
	return nil
}

// TreeNode is a file or directory in the upstream working directory.
//
// A directory's Children is nil until it has been loaded; once loaded it is
// a non-nil (possibly empty) slice. Path is the node's identity.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Kind     Kind        `json:"kind"`
	Children []*TreeNode `json:"children,omitempty"`
	Loaded   bool        `json:"loaded"`
}

// IsDir reports whether the node is a directory.
func (n *TreeNode) IsDir() bool {
	return n.Kind == KindDirectory
}

// Clone returns a deep copy of the node, preserving the nil/empty
// distinction of Children.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Children != nil {
		c.Children = make([]*TreeNode, len(n.Children))
		for i, child := range n.Children {
			c.Children[i] = child.Clone()
		}
	}
	return &c
}
