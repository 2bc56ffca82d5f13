package schema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type modelFile struct {
	Tables []tableYAML `yaml:"tables"`
}

type tableYAML struct {
	Name        string       `yaml:"name"`
	Columns     []columnYAML `yaml:"columns"`
	PrimaryKeys []string     `yaml:"primary_key"`
	Unique      [][]string   `yaml:"unique"`
	Indexes     []indexYAML  `yaml:"indexes"`
}

type columnYAML struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	Length     int     `yaml:"length"`
	Nullable   *bool   `yaml:"nullable"`
	Default    *string `yaml:"default"`
	PrimaryKey bool    `yaml:"primary_key"`
	Unique     bool    `yaml:"unique"`
}

type indexYAML struct {
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique"`
}

// LoadModel reads a declared model file and registers every table into a
// fresh Registry. The file is the CLI's way of performing the model
// construction an embedding application would otherwise do in code.
func LoadModel(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return ParseModel(data)
}

// ParseModel builds a Registry from raw model YAML.
func ParseModel(data []byte) (*Registry, error) {
	var file modelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	if len(file.Tables) == 0 {
		return nil, fmt.Errorf("model file declares no tables")
	}

	registry := NewRegistry()
	for _, t := range file.Tables {
		spec, err := t.toSpec()
		if err != nil {
			return nil, err
		}
		if err := registry.Register(spec); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (t tableYAML) toSpec() (TableSpec, error) {
	spec := TableSpec{
		Name:        t.Name,
		PrimaryKeys: t.PrimaryKeys,
		Unique:      t.Unique,
	}
	for _, c := range t.Columns {
		kind, err := ParseTypeKind(c.Type)
		if err != nil {
			return TableSpec{}, fmt.Errorf("table %q column %q: %w", t.Name, c.Name, err)
		}
		col := ColumnSpec{
			Name:       c.Name,
			Type:       LogicalType{Kind: kind, Length: c.Length},
			Nullable:   true,
			Default:    c.Default,
			PrimaryKey: c.PrimaryKey,
			Unique:     c.Unique,
		}
		if c.Nullable != nil {
			col.Nullable = *c.Nullable
		}
		if col.PrimaryKey {
			col.Nullable = false
		}
		spec.Columns = append(spec.Columns, col)
	}
	for _, i := range t.Indexes {
		spec.Indexes = append(spec.Indexes, IndexSpec{Columns: i.Columns, Unique: i.Unique})
	}
	return spec, nil
}
