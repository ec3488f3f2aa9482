// Package flowdef models the declarative collection document: the
// functions of a collection with their produced tables, consumed table
// references and trigger tables.
package flowdef

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	APIVersionV1   = "v1"
	KindCollection = "Collection"
)

// Definition models the root collection document.
type Definition struct {
	APIVersion string     `yaml:"apiVersion" json:"apiVersion"`
	Kind       string     `yaml:"kind" json:"kind"`
	Metadata   Metadata   `yaml:"metadata" json:"metadata"`
	Functions  []Function `yaml:"functions" json:"functions"`
}

// Metadata contains descriptive data for the collection.
type Metadata struct {
	Name        string            `yaml:"name" json:"name"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// Function declares one data function. Dependencies use table
// references with optional relative versions: "table", "table@HEAD^",
// "table@HEAD~2". Functions must be declared after the functions
// producing their non-self dependency tables.
type Function struct {
	Name         string       `yaml:"name" json:"name"`
	Tables       []string     `yaml:"tables" json:"tables"`
	Dependencies []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	TriggerBy    []string     `yaml:"triggerBy,omitempty" json:"triggerBy,omitempty"`
}

// Dependency declares one consumed table reference.
type Dependency struct {
	Table    string `yaml:"table" json:"table"`
	Optional bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Parse decodes a YAML collection document.
func Parse(data []byte) (*Definition, error) {
	definition := &Definition{}
	if err := yaml.Unmarshal(data, definition); err != nil {
		return nil, fmt.Errorf("failed to parse collection definition: %w", err)
	}

	if err := definition.Validate(); err != nil {
		return nil, err
	}

	return definition, nil
}

// Validate checks structural correctness: versions and kinds, unique
// names, well-formed references, declared trigger tables.
func (d *Definition) Validate() error {
	if d.APIVersion != APIVersionV1 {
		return fmt.Errorf("unsupported apiVersion: %v", d.APIVersion)
	}
	if d.Kind != KindCollection {
		return fmt.Errorf("unsupported kind: %v", d.Kind)
	}
	if strings.TrimSpace(d.Metadata.Name) == "" {
		return fmt.Errorf("collection name is required")
	}
	if len(d.Functions) == 0 {
		return fmt.Errorf("collection %v declares no functions", d.Metadata.Name)
	}

	functions := make(map[string]struct{}, len(d.Functions))
	tables := make(map[string]string, len(d.Functions))

	for _, fn := range d.Functions {
		if strings.TrimSpace(fn.Name) == "" {
			return fmt.Errorf("collection %v declares an unnamed function", d.Metadata.Name)
		}
		if _, ok := functions[fn.Name]; ok {
			return fmt.Errorf("duplicate function: %v", fn.Name)
		}
		functions[fn.Name] = struct{}{}

		for _, table := range fn.Tables {
			if strings.TrimSpace(table) == "" {
				return fmt.Errorf("function %v declares an unnamed table", fn.Name)
			}
			if producer, ok := tables[table]; ok {
				return fmt.Errorf("table %v is produced by both %v and %v", table, producer, fn.Name)
			}
			tables[table] = fn.Name
		}

		for _, dep := range fn.Dependencies {
			if _, _, err := SplitRef(dep.Table); err != nil {
				return fmt.Errorf("function %v: %w", fn.Name, err)
			}
		}

		for _, trigger := range fn.TriggerBy {
			if strings.Contains(trigger, "@") {
				return fmt.Errorf("function %v: trigger reference %v must not carry a version", fn.Name, trigger)
			}
		}
	}

	return nil
}

// SplitRef splits "table@ref" into table name and version reference.
// A bare table name references HEAD.
func SplitRef(ref string) (string, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("empty table reference")
	}

	parts := strings.SplitN(ref, "@", 2)
	if strings.TrimSpace(parts[0]) == "" {
		return "", "", fmt.Errorf("invalid table reference: %v", ref)
	}

	if len(parts) == 1 {
		return parts[0], "HEAD", nil
	}
	if strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("invalid table reference: %v", ref)
	}

	return parts[0], parts[1], nil
}
