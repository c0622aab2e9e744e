package schema

import (
	"fmt"
	"io"
	"os"

	"github.com/quarrydb/quarry"
	"gopkg.in/yaml.v3"
)

// mappingFile is the YAML representation of a set of table mappings.
type mappingFile struct {
	Tables []*tableSpec `yaml:"tables"`
}

type tableSpec struct {
	Name          string      `yaml:"name"`
	Columns       []*colSpec  `yaml:"columns"`
	Relationships []*relSpec  `yaml:"relationships,omitempty"`
}

type colSpec struct {
	Name          string `yaml:"name"`
	Attr          string `yaml:"attr,omitempty"`
	PrimaryKey    bool   `yaml:"primary_key,omitempty"`
	AutoIncrement bool   `yaml:"auto_increment,omitempty"`
	Nullable      bool   `yaml:"nullable,omitempty"`
	Default       string `yaml:"default,omitempty"` // "uuid" is the only built-in generator.
}

type relSpec struct {
	Attr             string   `yaml:"attr"`
	Kind             string   `yaml:"kind"`
	Target           string   `yaml:"target"`
	ForeignKey       string   `yaml:"foreign_key,omitempty"`
	Required         bool     `yaml:"required,omitempty"`
	Cascade          []string `yaml:"cascade,omitempty"`
	JoinTable        string   `yaml:"join_table,omitempty"`
	JoinColumn       string   `yaml:"join_column,omitempty"`
	JoinTargetColumn string   `yaml:"join_target_column,omitempty"`
}

// Load reads table mappings from the given YAML document. Every table
// is validated and all failures are reported together, so a broken
// mapping file surfaces each problem in one pass.
//
// Example document:
//
//	tables:
//	  - name: users
//	    columns:
//	      - {name: id, primary_key: true, auto_increment: true}
//	      - {name: name}
//	    relationships:
//	      - {attr: Posts, kind: one_to_many, target: posts,
//	         foreign_key: author_id, cascade: [save-update, delete]}
func Load(r io.Reader) ([]*Table, error) {
	var f mappingFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("schema: decode mapping: %w", err)
	}
	tables := make([]*Table, 0, len(f.Tables))
	var errs []error
	for _, ts := range f.Tables {
		t, err := ts.table()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		tables = append(tables, t)
	}
	if err := quarry.NewAggregateError(errs...); err != nil {
		return nil, err
	}
	return tables, nil
}

// LoadFile reads table mappings from the YAML file at the given path.
func LoadFile(path string) ([]*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("schema: open mapping file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

func (ts *tableSpec) table() (*Table, error) {
	t := NewTable(ts.Name)
	for _, cs := range ts.Columns {
		c := &Column{
			Name:          cs.Name,
			Attr:          cs.Attr,
			PrimaryKey:    cs.PrimaryKey,
			AutoIncrement: cs.AutoIncrement,
			Nullable:      cs.Nullable,
		}
		switch cs.Default {
		case "":
		case "uuid":
			c.Default = UUIDColumn(cs.Name).Default
		default:
			return nil, fmt.Errorf("schema: table %q column %q: unknown default generator %q", ts.Name, cs.Name, cs.Default)
		}
		t.Columns = append(t.Columns, c)
	}
	for _, rs := range ts.Relationships {
		r := &Relationship{
			Attr:             rs.Attr,
			Target:           rs.Target,
			ForeignKey:       rs.ForeignKey,
			Required:         rs.Required,
			JoinTable:        rs.JoinTable,
			JoinColumn:       rs.JoinColumn,
			JoinTargetColumn: rs.JoinTargetColumn,
		}
		switch rs.Kind {
		case "many_to_one":
			r.Kind = ManyToOne
		case "one_to_many":
			r.Kind = OneToMany
		case "many_to_many":
			r.Kind = ManyToMany
		default:
			return nil, fmt.Errorf("schema: table %q relationship %q: unknown kind %q", ts.Name, rs.Attr, rs.Kind)
		}
		for _, cs := range rs.Cascade {
			switch cs {
			case "save-update":
				r.Cascade |= CascadeSaveUpdate
			case "delete":
				r.Cascade |= CascadeDelete
			case "delete-orphan":
				r.Cascade |= CascadeDeleteOrphan
			case "all":
				r.Cascade |= CascadeAll
			default:
				return nil, fmt.Errorf("schema: table %q relationship %q: unknown cascade rule %q", ts.Name, rs.Attr, cs)
			}
		}
		t.Relationships = append(t.Relationships, r)
	}
	return t, nil
}
