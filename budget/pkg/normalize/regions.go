package normalize

import (
	"strings"

	"github.com/kkwann/midoproject2/budget/pkg/dataset"
)

// enrichRegion splits the source column into province and city, renaming
// legacy province names, and fills coordinates when lookup knows the pair.
func enrichRegion(values map[string]any, r *dataset.RegionEnrichment, lookup RegionLookup) {
	src, _ := values[r.SourceColumn].(string)
	fields := strings.Fields(src)

	var province, city any
	if len(fields) > 0 {
		if renamed, ok := r.Renames[fields[0]]; ok {
			fields[0] = renamed
		}
		values[r.SourceColumn] = strings.Join(fields, " ")
		province = fields[0]
		// Only the second field is the city; district names are dropped.
		if len(fields) > 1 {
			city = fields[1]
		}
	}
	values[r.ProvinceColumn] = province
	values[r.CityColumn] = city
	values[r.LatColumn] = nil
	values[r.LongColumn] = nil

	if lookup == nil || province == nil {
		return
	}
	c, _ := city.(string)
	if lat, long, ok := lookup.Lookup(province.(string), c); ok {
		values[r.LatColumn] = lat
		values[r.LongColumn] = long
	}
}
