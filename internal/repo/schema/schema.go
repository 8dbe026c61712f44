// Package schema declares the closed set of entity kinds the repository
// versioned tree is built from: each kind names its fields and the kinds
// it may be attached under. The set is static for a running server; it is
// either the built-in default below or loaded from a yaml document.
package schema

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Well-known kind names referenced by the engine itself.
const (
	KindLicense        = "license"
	KindGroup          = "group"
	KindUser           = "user"
	KindRole           = "role"
	KindPermissionRole = "permissionrole"
	KindGroupLink      = "grouplink"
	KindDevice         = "device"
)

// RootParent is the pseudo parent kind meaning "direct child of the
// commit root".
const RootParent = ""

// Kind describes one entity kind.
type Kind struct {
	Name    string   `yaml:"name"`
	Fields  []string `yaml:"fields"`
	Parents []string `yaml:"parents"`
}

// HasField reports whether the kind declares the named field.
func (k *Kind) HasField(name string) bool {
	for _, f := range k.Fields {
		if f == name {
			return true
		}
	}
	return false
}

// AllowsParent reports whether the kind may be attached under parentKind.
// RootParent means the commit root.
func (k *Kind) AllowsParent(parentKind string) bool {
	for _, p := range k.Parents {
		if p == parentKind {
			return true
		}
	}
	return false
}

// Schema is the closed declaration of entity kinds.
type Schema struct {
	kinds map[string]*Kind
}

// New builds a schema from kind declarations.
func New(kinds []Kind) (*Schema, error) {
	s := &Schema{kinds: make(map[string]*Kind, len(kinds))}
	for i := range kinds {
		k := kinds[i]
		if k.Name == "" {
			return nil, fmt.Errorf("schema: kind with empty name")
		}
		if _, dup := s.kinds[k.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate kind %q", k.Name)
		}
		s.kinds[k.Name] = &k
	}
	for _, k := range s.kinds {
		for _, p := range k.Parents {
			if p == RootParent {
				continue
			}
			if _, ok := s.kinds[p]; !ok {
				return nil, fmt.Errorf("schema: kind %q allows unknown parent %q", k.Name, p)
			}
		}
	}
	return s, nil
}

// Kind returns the declaration for name, or nil if undeclared.
func (s *Schema) Kind(name string) *Kind {
	return s.kinds[name]
}

// KindNames returns all declared kind names in sorted order. The order is
// load-bearing: bootstrap role generation iterates it and must be
// deterministic.
func (s *Schema) KindNames() []string {
	names := make([]string, 0, len(s.kinds))
	for name := range s.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the built-in fleet-management schema.
func Default() *Schema {
	s, err := New([]Kind{
		{
			Name:    KindGroup,
			Fields:  []string{"title"},
			Parents: []string{RootParent, KindGroup},
		},
		{
			Name:    KindLicense,
			Fields:  []string{"title", "rootgroup"},
			Parents: []string{KindGroup},
		},
		{
			Name:    KindUser,
			Fields:  []string{"login", "welcome_name", "email", "phone", "enabled", "srid"},
			Parents: []string{KindLicense},
		},
		{
			Name:    KindRole,
			Fields:  []string{"name"},
			Parents: []string{KindGroup},
		},
		{
			Name:    KindPermissionRole,
			Fields:  []string{"kind", "mask"},
			Parents: []string{KindRole},
		},
		{
			Name:    KindGroupLink,
			Fields:  []string{"sgid"},
			Parents: []string{KindUser},
		},
		{
			Name:    KindDevice,
			Fields:  []string{"title", "deviceident", "friendsstatus", "phone", "model"},
			Parents: []string{KindGroup},
		},
	})
	if err != nil {
		panic(err) // built-in declaration is static
	}
	return s
}

// LoadFile parses a schema from a yaml document of the form:
//
//	kinds:
//	  - name: group
//	    fields: [title]
//	    parents: ["", group]
func LoadFile(path string) (*Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var doc struct {
		Kinds []Kind `yaml:"kinds"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	if len(doc.Kinds) == 0 {
		return nil, fmt.Errorf("schema file %s declares no kinds", path)
	}
	return New(doc.Kinds)
}
