package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/compression"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/loader"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/objectstore"
)

// TablePreparer produces the named datasets a load run writes.
type TablePreparer interface {
	Prepare(ctx context.Context) ([]loader.Named, error)
}

// TableName derives a table name from an object or file path: the base name
// without its compression and format extensions.
func TableName(p string) string {
	base := path.Base(filepath.ToSlash(p))
	_, base = compression.FromPath(base)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

// ObjectStoreTables prepares every tabular object under Prefix.
type ObjectStoreTables struct {
	Client objectstore.Client
	Prefix string
	Limit  int
	Logger *zap.Logger
}

// Prepare fetches and decodes the objects, naming each table after its path.
func (o ObjectStoreTables) Prepare(ctx context.Context) ([]loader.Named, error) {
	result, err := objectstore.FetchDatasets(ctx, o.Client, objectstore.FetchOptions{
		TabularPrefix: o.Prefix,
		Limit:         o.Limit,
		Logger:        o.Logger,
	})
	if err != nil {
		return nil, err
	}

	named := make([]loader.Named, 0, len(result.Tables))
	for _, obj := range result.Tables {
		named = append(named, loader.Named{Table: TableName(obj.Path), Data: obj.Table})
	}
	return named, checkUnique(named)
}

// LocalTables prepares every tabular file directly inside Dir.
type LocalTables struct {
	Dir    string
	Logger *zap.Logger
}

// Prepare decodes the files of Dir in name order. Files whose extension is
// not a tabular format are skipped.
func (l LocalTables) Prepare(ctx context.Context) ([]loader.Named, error) {
	log := logger.OrGlobal(l.Logger)
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read directory").WithDetail("dir", l.Dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var named []loader.Named
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() {
			continue
		}
		file := filepath.Join(l.Dir, e.Name())
		body, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read "+file).WithDetail("file", file)
		}

		alg, base := compression.FromPath(e.Name())
		if alg != compression.None {
			comp, err := compression.NewCompressor(alg, compression.Default)
			if err != nil {
				return nil, err
			}
			if body, err = comp.Decompress(body); err != nil {
				return nil, err
			}
		}

		table, ok, err := objectstore.DecodeTabular(base, body)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to decode "+file).WithDetail("file", file)
		}
		if !ok {
			log.Debug("skipping non tabular file", zap.String("file", file))
			continue
		}
		named = append(named, loader.Named{Table: TableName(e.Name()), Data: table})
	}
	return named, checkUnique(named)
}

func checkUnique(named []loader.Named) error {
	seen := make(map[string]bool, len(named))
	for _, n := range named {
		if seen[n.Table] {
			return errors.Newf(errors.ErrorTypeValidation, "more than one source maps to table %q", n.Table).
				WithDetail("table", n.Table)
		}
		seen[n.Table] = true
	}
	return nil
}
