// Package catalog resolves user supplied villager names to the internal
// identities the console understands.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

//go:embed villagers.yaml
var defaultCatalog []byte

// Villager is one catalog entry.
type Villager struct {
	Key         string `yaml:"key" json:"key"`
	Name        string `yaml:"name" json:"name"`
	Species     string `yaml:"species" json:"species,omitempty"`
	Unadoptable bool   `yaml:"unadoptable" json:"unadoptable,omitempty"`
}

type file struct {
	Villagers []Villager `yaml:"villagers"`
}

// Catalog is an immutable name index.
type Catalog struct {
	byKey  map[string]Villager
	byName map[string]Villager
	names  []string
}

// New indexes entries. Keys and display names must be unique, ignoring case.
func New(entries []Villager) (*Catalog, error) {
	c := &Catalog{
		byKey:  make(map[string]Villager, len(entries)),
		byName: make(map[string]Villager, len(entries)),
	}
	for _, v := range entries {
		if v.Key == "" || v.Name == "" {
			return nil, fmt.Errorf("catalog entry %+v needs a key and a name", v)
		}
		k, n := strings.ToLower(v.Key), strings.ToLower(v.Name)
		if _, dup := c.byKey[k]; dup {
			return nil, fmt.Errorf("duplicate catalog key %q", v.Key)
		}
		if _, dup := c.byName[n]; dup {
			return nil, fmt.Errorf("duplicate catalog name %q", v.Name)
		}
		c.byKey[k] = v
		c.byName[n] = v
		c.names = append(c.names, v.Name)
	}
	sort.Strings(c.names)
	return c, nil
}

// Parse reads a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(f.Villagers)
}

// Load reads a YAML catalog from path. An empty path loads the built-in
// catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := Parse(defaultCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve maps name to a villager. The internal key is tried first, then
// the display name, both ignoring case.
func (c *Catalog) Resolve(name string) (Villager, error) {
	q := strings.ToLower(strings.TrimSpace(name))
	if v, ok := c.byKey[q]; ok {
		return v, nil
	}
	if v, ok := c.byName[q]; ok {
		return v, nil
	}
	err := errors.InvalidIdentity.Explain("%s is not a valid internal villager name.", name)
	if s := c.Suggest(name); s != "" {
		err = errors.InvalidIdentity.Explain("%s is not a valid internal villager name. Did you mean %s?", name, s)
	}
	return Villager{}, err
}

// Suggest returns the closest display name, or "" when nothing is close.
func (c *Catalog) Suggest(name string) string {
	q := strings.ToLower(strings.TrimSpace(name))
	if q == "" {
		return ""
	}
	best, bestDist := "", -1
	for _, n := range c.names {
		d := levenshtein.ComputeDistance(q, strings.ToLower(n))
		if bestDist < 0 || d < bestDist {
			best, bestDist = n, d
		}
	}
	// Allow roughly one typo per three characters.
	if bestDist < 0 || bestDist > len(q)/3+1 {
		return ""
	}
	return best
}

// Len returns the number of villagers.
func (c *Catalog) Len() int { return len(c.byKey) }

// Names returns the display names in alphabetical order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}

// UnadoptableNote is appended to injection replies for villagers that can
// be visited but not adopted.
const UnadoptableNote = " Please note that you will not be able to adopt this villager."
