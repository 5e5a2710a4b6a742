package ingest

import (
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
)

// PreferredColumns is the column prefix of a normalized dataset. Columns
// that exist appear in this order, followed by every other column in the
// order it was first seen.
var PreferredColumns = []string{
	"nom",
	"code",
	"codesPostaux",
	"codeDepartement",
	"departement_nom",
	"codeRegion",
	"region_nom",
	"population",
	"surface",
	"longitude",
	"latitude",
	"contour_geojson",
}

// Normalize flattens raw API records into a table:
//
//   - centre.coordinates[0] and [1] become longitude and latitude
//   - departement.nom and region.nom become departement_nom and region_nom
//   - contour is kept as an opaque object in contour_geojson
//
// The source columns are dropped. Missing or malformed nested fields yield
// nulls. An empty input yields an empty table with no columns.
func Normalize(records []dataset.Value) (*dataset.Table, error) {
	if len(records) == 0 {
		return dataset.Empty(), nil
	}

	table, err := dataset.FromRecords(records)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "API records are not objects")
	}

	derived := []struct {
		name   string
		source string
		fn     func(dataset.Value) dataset.Value
	}{
		{"longitude", "centre", coordinate(0)},
		{"latitude", "centre", coordinate(1)},
		{"departement_nom", "departement", field("nom")},
		{"region_nom", "region", field("nom")},
		{"contour_geojson", "contour", object},
	}

	for _, d := range derived {
		values := make([]dataset.Value, table.NumRows())
		if src, ok := table.Column(d.source); ok {
			for i, v := range src.Values {
				values[i] = d.fn(v)
			}
		}
		if table, err = table.WithColumn(dataset.Column{Name: d.name, Values: values}); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to add derived column")
		}
	}

	return table.Drop("centre", "departement", "region", "contour").Reorder(PreferredColumns), nil
}

func coordinate(idx int) func(dataset.Value) dataset.Value {
	return func(v dataset.Value) dataset.Value {
		coords, ok := v.Get("coordinates")
		if !ok || coords.Kind() != dataset.KindList {
			return dataset.Null()
		}
		c, ok := coords.Index(idx)
		if !ok {
			return dataset.Null()
		}
		return c
	}
}

func field(name string) func(dataset.Value) dataset.Value {
	return func(v dataset.Value) dataset.Value {
		if f, ok := v.Get(name); ok {
			return f
		}
		return dataset.Null()
	}
}

func object(v dataset.Value) dataset.Value {
	if v.Kind() == dataset.KindMap {
		return v
	}
	return dataset.Null()
}
