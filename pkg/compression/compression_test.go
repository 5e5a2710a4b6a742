package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/ferry/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"nom":"Laon","code":"02408"},`, 500))

	for _, alg := range []Algorithm{None, Gzip, Snappy, S2, LZ4, Zstd} {
		for _, level := range []Level{Fastest, Default, Best} {
			t.Run(string(alg), func(t *testing.T) {
				c, err := NewCompressor(alg, level)
				require.NoError(t, err)
				assert.Equal(t, alg, c.Algorithm())

				compressed, err := c.Compress(payload)
				require.NoError(t, err)
				if alg != None {
					assert.Less(t, len(compressed), len(payload))
				}

				out, err := c.Decompress(compressed)
				require.NoError(t, err)
				assert.Equal(t, payload, out)

				var stream, back bytes.Buffer
				require.NoError(t, c.CompressStream(&stream, bytes.NewReader(payload)))
				require.NoError(t, c.DecompressStream(&back, &stream))
				assert.Equal(t, payload, back.Bytes())
			})
		}
	}
}

func TestDecompress_Corrupt(t *testing.T) {
	for _, alg := range []Algorithm{Gzip, Zstd, LZ4} {
		c, err := NewCompressor(alg, Default)
		require.NoError(t, err)

		_, err = c.Decompress([]byte("definitely not compressed"))
		require.Error(t, err, alg)
		assert.True(t, errors.IsType(err, errors.ErrorTypeData), alg)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"", None, false},
		{"none", None, false},
		{" GZIP ", Gzip, false},
		{"zstd", Zstd, false},
		{"brotli", "", true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFromPath(t *testing.T) {
	tests := []struct {
		path     string
		wantAlg  Algorithm
		wantBase string
	}{
		{"geo/communes.json.gz", Gzip, "geo/communes.json"},
		{"sql-bis/dim.parquet.ZST", Zstd, "sql-bis/dim.parquet"},
		{"raw/a.csv.lz4", LZ4, "raw/a.csv"},
		{"raw/a.csv", None, "raw/a.csv"},
	}
	for _, tt := range tests {
		alg, base := FromPath(tt.path)
		assert.Equal(t, tt.wantAlg, alg, tt.path)
		assert.Equal(t, tt.wantBase, base, tt.path)
	}
}

func TestExtensionAndEncoding(t *testing.T) {
	assert.Equal(t, ".gz", Gzip.Extension())
	assert.Equal(t, "", None.Extension())
	assert.Equal(t, "gzip", Gzip.ContentEncoding())
	assert.Equal(t, "", None.ContentEncoding())
	assert.Equal(t, "lz4", LZ4.ContentEncoding())
}
