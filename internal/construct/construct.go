// Package construct describes the psychological constructs items are
// written for.
package construct

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Dimension is one facet of a construct.
type Dimension struct {
	Name               string   `json:"name" validate:"required"`
	Definition         string   `json:"definition" validate:"required"`
	ExampleItems       []string `json:"example_items,omitempty"`
	OrbitingDimensions []string `json:"orbiting_dimensions,omitempty"`
}

// Construct is the entity being measured.
type Construct struct {
	Name       string      `json:"name" validate:"required"`
	Definition string      `json:"definition" validate:"required"`
	Dimensions []Dimension `json:"dimensions,omitempty" validate:"dive"`
}

// Validate checks required fields and that orbiting references resolve.
func (c *Construct) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("construct name is required"))
	}
	if strings.TrimSpace(c.Definition) == "" {
		errs = append(errs, errors.New("construct definition is required"))
	}
	for _, d := range c.Dimensions {
		if d.Name == "" || d.Definition == "" {
			errs = append(errs, fmt.Errorf("dimension %q: name and definition are required", d.Name))
			continue
		}
		for _, orb := range d.OrbitingDimensions {
			if c.Dimension(orb) == nil {
				errs = append(errs, fmt.Errorf("dimension %q: unknown orbiting dimension %q", d.Name, orb))
			}
		}
	}
	return errors.Join(errs...)
}

// Dimension returns the named dimension, or nil.
func (c *Construct) Dimension(name string) *Dimension {
	for i := range c.Dimensions {
		if c.Dimensions[i].Name == name {
			return &c.Dimensions[i]
		}
	}
	return nil
}

// Fingerprint is the hex SHA-256 of the construct's canonical JSON. Two
// constructs with the same content share research caches and item history.
func (c *Construct) Fingerprint() string {
	canon := *c
	canon.Dimensions = append([]Dimension(nil), c.Dimensions...)
	sort.SliceStable(canon.Dimensions, func(i, j int) bool {
		return canon.Dimensions[i].Name < canon.Dimensions[j].Name
	})
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DimensionBlocks renders one TARGET block per dimension with its orbiting
// dimensions, as the content reviewer expects.
func (c *Construct) DimensionBlocks() string {
	if len(c.Dimensions) == 0 {
		return fmt.Sprintf("TARGET: %s\nDefinition: %s\n", c.Name, c.Definition)
	}
	var b strings.Builder
	for i, d := range c.Dimensions {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "TARGET: %s\nDefinition: %s\n", d.Name, d.Definition)
		for n, orb := range d.OrbitingDimensions {
			if od := c.Dimension(orb); od != nil {
				fmt.Fprintf(&b, "ORBITING %d: %s\nDefinition: %s\n", n+1, od.Name, od.Definition)
			}
		}
	}
	return b.String()
}
