package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/dashboard/internal/config"
	"github.com/fruitsalade/dashboard/internal/lazytree"
	"github.com/fruitsalade/dashboard/internal/logging"
	"github.com/fruitsalade/dashboard/internal/panels"
	"github.com/fruitsalade/dashboard/pkg/client"
	"github.com/fruitsalade/dashboard/pkg/models"
)

func newTreeCmd(cfg *config.Config) *cobra.Command {
	var (
		expand []string
		format string
	)

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the upstream working directory tree",
		Long: `Mount the working directory tree once, expand the given directories
and print what a view would show.

Examples:
  dashboard tree
  dashboard tree --expand src --expand src/components
  dashboard tree --format yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch format {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unknown format %q (text, json, yaml)", format)
			}

			c := client.New(client.Config{
				BaseURL:     cfg.UpstreamURL,
				Timeout:     cfg.RequestTimeout,
				RetryPolicy: cfg.Retry.Policy(),
				AuthToken:   cfg.AuthToken,
				Logger:      logging.Named("client"),
			})
			m := lazytree.New(c, lazytree.Options{
				Logger:               logging.Named("lazytree"),
				MaxConcurrentFetches: cfg.MaxConcurrentFetches,
			})
			defer m.Close()

			if err := loadTree(cmd.Context(), m, expand); err != nil {
				return err
			}
			return writeTree(cmd.OutOrStdout(), m, format)
		},
	}
	cmd.Flags().StringArrayVar(&expand, "expand", nil, "directory to expand (repeatable, parents first)")
	cmd.Flags().StringVarP(&format, "format", "o", "text", "output format (text, json, yaml)")
	return cmd
}

// loadTree mounts m and expands paths in order, waiting for each load so
// that nested paths can be found.
func loadTree(ctx context.Context, m *lazytree.Manager, paths []string) error {
	if err := m.Mount(ctx); err != nil {
		return fmt.Errorf("load tree: %w", err)
	}
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if err := m.Expand(p); err != nil {
			return fmt.Errorf("expand %s: %w", p, err)
		}
		m.Wait()
		if err := m.Err(p); err != nil {
			return fmt.Errorf("expand %s: %w", p, err)
		}
	}
	return nil
}

// yamlNode is the YAML form of the visible tree.
type yamlNode struct {
	Name     string      `yaml:"name"`
	Path     string      `yaml:"path"`
	Kind     models.Kind `yaml:"kind"`
	Expanded bool        `yaml:"expanded,omitempty"`
	Children []yamlNode  `yaml:"children,omitempty"`
}

func writeTree(w io.Writer, m *lazytree.Manager, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(panels.Rows(m.Visible()))

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(visibleNodes(m, m.Roots())); err != nil {
			return err
		}
		return enc.Close()

	default:
		for _, r := range m.Visible() {
			marker := "  "
			if r.Kind == models.KindDirectory {
				marker = "+ "
				if r.Expanded {
					marker = "- "
				}
			}
			line := strings.Repeat("  ", r.Depth) + marker + r.Name
			if r.Kind == models.KindDirectory {
				line += "/"
			}
			if r.Err != nil {
				line += "  (error: " + r.Err.Error() + ")"
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	}
}

func visibleNodes(m *lazytree.Manager, nodes []*models.TreeNode) []yamlNode {
	out := make([]yamlNode, 0, len(nodes))
	for _, n := range nodes {
		y := yamlNode{Name: n.Name, Path: n.Path, Kind: n.Kind}
		if n.IsDir() && m.IsExpanded(n.Path) {
			y.Expanded = true
			y.Children = visibleNodes(m, n.Children)
		}
		out = append(out, y)
	}
	return out
}
