package dataset

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TableRef addresses a warehouse table. Group is the ClickHouse database.
type TableRef struct {
	Group string
	Table string
}

func (r TableRef) String() string {
	return r.Group + "." + r.Table
}

type SourceMode string

const (
	SourceFull       SourceMode = "full"
	SourceDateWindow SourceMode = "date_window"
)

// Source describes how rows are fetched. A date window covers the last
// WindowDays days up to and including today.
type Source struct {
	Mode       SourceMode `yaml:"mode"`
	DateColumn string     `yaml:"date_column"`
	WindowDays int        `yaml:"window_days"`
}

type SortKey struct {
	Column     string `yaml:"column"`
	Descending bool   `yaml:"descending"`
}

// CachePolicy is either "forever" or a Go duration string in YAML.
type CachePolicy struct {
	Forever bool
	TTL     time.Duration
}

func (p *CachePolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "forever" {
		*p = CachePolicy{Forever: true}
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid cache policy %q: %w", s, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid cache policy %q: ttl must be positive", s)
	}
	*p = CachePolicy{TTL: d}
	return nil
}

func (p CachePolicy) String() string {
	if p.Forever {
		return "forever"
	}
	return p.TTL.String()
}

// RegionEnrichment splits a "<province> <city>" text column into two columns
// and looks up coordinates for the pair.
type RegionEnrichment struct {
	SourceColumn   string            `yaml:"source_column"`
	ProvinceColumn string            `yaml:"province_column"`
	CityColumn     string            `yaml:"city_column"`
	LatColumn      string            `yaml:"lat_column"`
	LongColumn     string            `yaml:"long_column"`
	Renames        map[string]string `yaml:"renames"`
}

type Recency struct {
	Column string `yaml:"column"`
	Days   int    `yaml:"days"`
}

// KeywordRank orders rows by the first keyword, in list order, that the
// column contains. Rows matching none go last.
type KeywordRank struct {
	Column   string   `yaml:"column"`
	Keywords []string `yaml:"keywords"`
}

type Definition struct {
	Key           string            `yaml:"key"`
	Title         string            `yaml:"title"`
	Group         string            `yaml:"group"`
	Table         string            `yaml:"table"`
	Internal      bool              `yaml:"internal"`
	Source        Source            `yaml:"source"`
	Columns       []Column          `yaml:"columns"`
	SortKeys      []SortKey         `yaml:"sort"`
	GroupKeys     []string          `yaml:"group_keys"`
	FilterColumn  string            `yaml:"filter_column"`
	Cache         CachePolicy       `yaml:"cache"`
	Editable      bool              `yaml:"editable"`
	DeletedColumn string            `yaml:"deleted_column"`
	IDColumn      string            `yaml:"id_column"`
	Regions       *RegionEnrichment `yaml:"regions"`
	Recency       *Recency          `yaml:"recency"`
	KeywordRank   *KeywordRank      `yaml:"keyword_rank"`
}

func (d *Definition) Ref() TableRef {
	return TableRef{Group: d.Group, Table: d.Table}
}

func (d *Definition) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// GroupSortKeys returns the upload grouping keys as ascending sort keys.
func (d *Definition) GroupSortKeys() []SortKey {
	keys := make([]SortKey, len(d.GroupKeys))
	for i, k := range d.GroupKeys {
		keys[i] = SortKey{Column: k}
	}
	return keys
}

// Validate checks the definition is self-consistent and fills defaults.
func (d *Definition) Validate() error {
	if d.Key == "" {
		return errors.New("key is required")
	}
	if d.Group == "" || d.Table == "" {
		return errors.New("group and table are required")
	}
	if d.Title == "" {
		d.Title = d.Key
	}
	if d.Source.Mode == "" {
		d.Source.Mode = SourceFull
	}
	if len(d.Columns) == 0 {
		return errors.New("at least one column is required")
	}
	seen := make(map[string]struct{}, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" {
			return errors.New("column name is required")
		}
		if !c.Type.Valid() {
			return fmt.Errorf("column %q: invalid type %q", c.Name, c.Type)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}

	switch d.Source.Mode {
	case SourceFull:
	case SourceDateWindow:
		if d.Source.DateColumn == "" {
			return errors.New("date window source requires date_column")
		}
		if d.Source.WindowDays < 0 {
			return errors.New("window_days must not be negative")
		}
	default:
		return fmt.Errorf("invalid source mode %q", d.Source.Mode)
	}

	for _, k := range d.SortKeys {
		if _, ok := seen[k.Column]; !ok {
			return fmt.Errorf("sort key %q is not a view column", k.Column)
		}
	}
	for _, k := range d.GroupKeys {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("group key %q is not a view column", k)
		}
	}
	if d.FilterColumn != "" {
		if _, ok := seen[d.FilterColumn]; !ok {
			return fmt.Errorf("filter column %q is not a view column", d.FilterColumn)
		}
	}
	if !d.Cache.Forever && d.Cache.TTL <= 0 {
		return errors.New("cache policy is required")
	}

	if d.Editable {
		c, ok := d.Column(d.DeletedColumn)
		if !ok || c.Type != TypeBool {
			return fmt.Errorf("deleted column %q must be a bool view column", d.DeletedColumn)
		}
		if d.IDColumn == "" {
			return errors.New("editable dataset requires id_column")
		}
		if _, ok := seen[d.IDColumn]; ok {
			return fmt.Errorf("id column %q must not be a view column", d.IDColumn)
		}
	}

	if r := d.Regions; r != nil {
		want := map[string]ColumnType{
			r.SourceColumn:   TypeText,
			r.ProvinceColumn: TypeText,
			r.CityColumn:     TypeText,
			r.LatColumn:      TypeNumber,
			r.LongColumn:     TypeNumber,
		}
		for name, typ := range want {
			c, ok := d.Column(name)
			if !ok || c.Type != typ {
				return fmt.Errorf("region column %q must be a %s view column", name, typ)
			}
		}
	}
	if r := d.Recency; r != nil {
		c, ok := d.Column(r.Column)
		if !ok || c.Type != TypeDate {
			return fmt.Errorf("recency column %q must be a date view column", r.Column)
		}
		if r.Days < 0 {
			return errors.New("recency days must not be negative")
		}
	}
	if k := d.KeywordRank; k != nil {
		if _, ok := seen[k.Column]; !ok {
			return fmt.Errorf("keyword rank column %q is not a view column", k.Column)
		}
		if len(k.Keywords) == 0 {
			return errors.New("keyword rank requires keywords")
		}
	}
	return nil
}
