// Package docsindex validates documentation index pages. An index page
// advertises the project's source folders; these checks keep the page
// consistent with what it claims to list.
package docsindex

import (
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"swebox/internal/logging"
)

// Item is one listed folder with its link target.
type Item struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Shape describes what an index page must list.
type Shape struct {
	// Core folders, expected in the first bullet list.
	Core []string
	// Subfolders, expected in the second bullet list.
	Subfolders []string
}

// DefaultShape is the expected layout of the source index page.
func DefaultShape() Shape {
	return Shape{
		Core:       []string{"agent", "environment"},
		Subfolders: []string{"scripts", "config", "trajectories", "evaluation"},
	}
}

// Report is the result of checking one page.
type Report struct {
	Path string `json:"path,omitempty"`

	// HasWarningAdmonition is true when the page carries an incompleteness
	// warning (mkdocs "!!! warning" or a quoted Warning block).
	HasWarningAdmonition bool `json:"has_warning_admonition"`

	CoreItems      []Item `json:"core_items"`
	SubfolderItems []Item `json:"subfolder_items"`

	Problems []string `json:"problems,omitempty"`
}

// OK reports whether the page passed all checks.
func (r *Report) OK() bool { return len(r.Problems) == 0 }

// CheckFile checks the markdown file at path against shape.
func CheckFile(path string, shape Shape) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index page: %w", err)
	}
	report := Check(data, shape)
	report.Path = path

	if report.OK() {
		logging.Docs("Index page %s: ok", path)
	} else {
		logging.Docs("Index page %s: %d problem(s)", path, len(report.Problems))
	}
	return report, nil
}

// Check parses source as markdown and validates it against shape.
func Check(source []byte, shape Shape) *Report {
	report := &Report{}

	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(source))

	var lists [][]Item
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Paragraph:
			if isWarningAdmonition(node, source) {
				report.HasWarningAdmonition = true
			}
		case *ast.Blockquote:
			if strings.Contains(strings.ToLower(nodeText(node, source)), "warning") {
				report.HasWarningAdmonition = true
			}
		case *ast.List:
			lists = append(lists, listItems(node, source))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	if len(lists) > 0 {
		report.CoreItems = lists[0]
	}
	if len(lists) > 1 {
		report.SubfolderItems = lists[1]
	}

	report.Problems = diagnose(report, shape)
	return report
}

// isWarningAdmonition recognizes the mkdocs-material admonition syntax,
// which plain markdown parsers see as a paragraph starting with "!!!".
func isWarningAdmonition(p *ast.Paragraph, source []byte) bool {
	t := strings.ToLower(strings.TrimSpace(nodeText(p, source)))
	return strings.HasPrefix(t, "!!! warning") || strings.HasPrefix(t, "!!! danger")
}

// listItems extracts each bullet's name and first link target.
func listItems(list *ast.List, source []byte) []Item {
	var items []Item
	for li := list.FirstChild(); li != nil; li = li.NextSibling() {
		item := Item{Name: itemName(li, source)}
		ast.Walk(li, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if !entering {
				return ast.WalkContinue, nil
			}
			switch l := n.(type) {
			case *ast.Link:
				if item.Link == "" {
					item.Link = string(l.Destination)
				}
			case *ast.AutoLink:
				if item.Link == "" {
					item.Link = string(l.URL(source))
				}
			}
			return ast.WalkContinue, nil
		})
		items = append(items, item)
	}
	return items
}

// itemName derives the folder name from a bullet's text. Bullets look like
// "agent: the agent module" or "`scripts/` - helper scripts"; the name is
// the first word, stripped of markup and trailing slashes.
func itemName(li ast.Node, source []byte) string {
	t := strings.TrimSpace(nodeText(li, source))
	if i := strings.IndexAny(t, ":- \n"); i > 0 {
		t = t[:i]
	}
	t = strings.Trim(t, "`*_")
	return strings.TrimSuffix(t, "/")
}

// nodeText returns the concatenated text content of a node's subtree.
func nodeText(n ast.Node, source []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
				if t.SoftLineBreak() || t.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return sb.String()
}

// diagnose compares what the page lists against what shape requires.
func diagnose(r *Report, shape Shape) []string {
	var problems []string

	if !r.HasWarningAdmonition {
		problems = append(problems, "missing incompleteness warning admonition")
	}

	problems = append(problems, diagnoseList("core", r.CoreItems, shape.Core)...)
	problems = append(problems, diagnoseList("subfolder", r.SubfolderItems, shape.Subfolders)...)

	return problems
}

func diagnoseList(label string, items []Item, expected []string) []string {
	var problems []string

	if len(items) != len(expected) {
		problems = append(problems, fmt.Sprintf(
			"expected %d %s item(s), found %d", len(expected), label, len(items)))
	}

	byName := make(map[string]Item, len(items))
	for _, item := range items {
		byName[strings.ToLower(item.Name)] = item
	}

	for _, want := range expected {
		item, ok := byName[strings.ToLower(want)]
		if !ok {
			problems = append(problems, fmt.Sprintf("%s item %q is not listed", label, want))
			continue
		}
		if strings.TrimSpace(item.Link) == "" {
			problems = append(problems, fmt.Sprintf("%s item %q has no link target", label, want))
		}
	}

	return problems
}
