package regions

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Table maps "<province>/<city>" keys to coordinates. A province-level
// entry has an empty city part ("서울특별시/").
type Table struct {
	entries map[string]Coordinates
}

func Key(province, city string) string {
	return strings.TrimSpace(province) + "/" + strings.TrimSpace(city)
}

func Parse(data []byte) (*Table, error) {
	entries := make(map[string]Coordinates)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse region coordinates: %w", err)
	}
	for k := range entries {
		if !strings.Contains(k, "/") {
			return nil, fmt.Errorf("invalid region key %q: expected <province>/<city>", k)
		}
	}
	return &Table{entries: entries}, nil
}

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region coordinates: %w", err)
	}
	return Parse(data)
}

func (t *Table) Lookup(province, city string) (lat, long float64, ok bool) {
	if t == nil {
		return 0, 0, false
	}
	c, ok := t.entries[Key(province, city)]
	return c.Lat, c.Long, ok
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
