// Package project resolves origin locators to project names from a JSON
// mapping file. The map is read-only for the pipeline.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Map holds the origin → project mapping.
type Map struct {
	origins map[string]string
}

// NewMap builds a Map from an in-memory mapping, normalizing origins.
func NewMap(origins map[string]string) *Map {
	m := &Map{origins: make(map[string]string, len(origins))}
	for origin, name := range origins {
		m.origins[normalize(origin)] = name
	}
	return m
}

// LoadFile reads a JSON file of the form {"origin": "project", ...}.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading projects file %s: %w", path, err)
	}
	var origins map[string]string
	if err := json.Unmarshal(data, &origins); err != nil {
		return nil, fmt.Errorf("parsing projects file %s: %w", path, err)
	}
	return NewMap(origins), nil
}

// Lookup returns the project for an origin. Unmatched origins report false;
// the pipeline records those documents with an explicit nil project.
func (m *Map) Lookup(origin string) (string, bool) {
	name, ok := m.origins[normalize(origin)]
	return name, ok
}

// Len returns the number of mapped origins.
func (m *Map) Len() int {
	return len(m.origins)
}

func normalize(origin string) string {
	return strings.TrimRight(strings.TrimSpace(origin), "/")
}
