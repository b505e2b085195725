package models

import (
	"encoding/json"
	"testing"
)

func TestKindUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{`"file"`, KindFile, false},
		{`"File"`, KindFile, false},
		{`"directory"`, KindDirectory, false},
		{`"dir"`, KindDirectory, false},
		{`"symlink"`, "", true},
	}

	for _, tt := range tests {
		var k Kind
		err := json.Unmarshal([]byte(tt.in), &k)
		if (err != nil) != tt.wantErr {
			t.Errorf("Unmarshal(%s) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if k != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, k, tt.want)
		}
	}
}

func TestCloneKeepsNilChildren(t *testing.T) {
	n := &TreeNode{
		Name: "src", Path: "src", Kind: KindDirectory, Loaded: true,
		Children: []*TreeNode{
			{Name: "lib", Path: "src/lib", Kind: KindDirectory},
			{Name: "empty", Path: "src/empty", Kind: KindDirectory, Loaded: true, Children: []*TreeNode{}},
		},
	}

	c := n.Clone()
	if c == n || c.Children[0] == n.Children[0] {
		t.Fatal("Clone must not share nodes")
	}
	if c.Children[0].Children != nil {
		t.Error("unloaded child should keep nil Children")
	}
	if c.Children[1].Children == nil {
		t.Error("loaded empty child should keep non-nil Children")
	}

	c.Children[0].Name = "changed"
	if n.Children[0].Name != "lib" {
		t.Error("mutating the clone changed the original")
	}
}
