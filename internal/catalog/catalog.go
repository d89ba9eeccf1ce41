// Package catalog holds the reference descriptions of the eye conditions the
// detection model can report.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"unicode"

	goyaml "gopkg.in/yaml.v3"

	"github.com/example/deepsight/internal/pagination"
)

//go:embed conditions.yaml
var defaultConditions []byte

// Condition describes one diagnosable condition.
type Condition struct {
	Slug           string   `yaml:"slug" json:"slug"`
	Name           string   `yaml:"name" json:"name"`
	Aliases        []string `yaml:"aliases" json:"aliases,omitempty"`
	Severity       string   `yaml:"severity" json:"severity"`
	Summary        string   `yaml:"summary" json:"summary"`
	Symptoms       []string `yaml:"symptoms" json:"symptoms"`
	Recommendation string   `yaml:"recommendation" json:"recommendation"`
}

type document struct {
	Conditions []Condition `yaml:"conditions"`
}

// Catalog is an immutable, ordered set of conditions.
type Catalog struct {
	conditions []Condition
	bySlug     map[string]int
	byLabel    map[string]int
}

// Default returns the catalogue compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultConditions)
}

// Load reads a catalogue from path, or the default one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes a YAML catalogue.
func Parse(raw []byte) (*Catalog, error) {
	var doc document
	if err := goyaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := &Catalog{
		conditions: doc.Conditions,
		bySlug:     make(map[string]int, len(doc.Conditions)),
		byLabel:    make(map[string]int),
	}
	for i, cond := range doc.Conditions {
		if cond.Slug == "" || cond.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: slug and name are required", i)
		}
		if _, dup := c.bySlug[cond.Slug]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate slug %q", i, cond.Slug)
		}
		c.bySlug[cond.Slug] = i
		for _, label := range append([]string{cond.Slug, cond.Name}, cond.Aliases...) {
			c.byLabel[normalize(label)] = i
		}
	}
	return c, nil
}

// Len returns the number of conditions.
func (c *Catalog) Len() int {
	return len(c.conditions)
}

// Get returns the condition with the given slug.
func (c *Catalog) Get(slug string) (Condition, bool) {
	i, ok := c.bySlug[slug]
	if !ok {
		return Condition{}, false
	}
	return c.conditions[i], true
}

// Lookup resolves a class label from the model, ignoring case, spacing and
// punctuation: "Crossed_Eyes" and "crossed eyes" match the same entry.
func (c *Catalog) Lookup(class string) (Condition, bool) {
	i, ok := c.byLabel[normalize(class)]
	if !ok {
		return Condition{}, false
	}
	return c.conditions[i], true
}

// Page returns one page of conditions in catalogue order.
func (c *Catalog) Page(page, perPage int) ([]Condition, pagination.Window) {
	window := pagination.Paginate(len(c.conditions), page, perPage)
	start, end := window.Bounds()
	out := make([]Condition, end-start)
	copy(out, c.conditions[start:end])
	return out, window
}

func normalize(label string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(label) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
