// Package compression compresses object bodies on upload and decompresses
// them on fetch. The algorithm is carried by the object path extension
// (.gz, .zst, .sz, .s2, .lz4) so a fetched object can always be decoded
// without extra metadata.
package compression

import (
	"bytes"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/ajitpratap0/ferry/pkg/errors"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents framed s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

// Level represents compression level.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Best maximizes compression ratio.
	Best Level = 9
)

var extensions = map[Algorithm]string{
	Gzip:   ".gz",
	Zstd:   ".zst",
	Snappy: ".sz",
	S2:     ".s2",
	LZ4:    ".lz4",
}

// Compressor compresses and decompresses whole payloads or streams.
// Implementations are safe for concurrent use.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	CompressStream(dst io.Writer, src io.Reader) error
	DecompressStream(dst io.Writer, src io.Reader) error
	Algorithm() Algorithm
}

// Parse validates an algorithm name. The empty string means None.
func Parse(name string) (Algorithm, error) {
	a := Algorithm(strings.ToLower(strings.TrimSpace(name)))
	if a == "" {
		return None, nil
	}
	if a == None {
		return a, nil
	}
	if _, ok := extensions[a]; !ok {
		return "", errors.Newf(errors.ErrorTypeValidation, "unsupported compression algorithm: %s", name)
	}
	return a, nil
}

// Extension returns the file extension for a, or "" for None.
func (a Algorithm) Extension() string {
	return extensions[a]
}

// ContentEncoding returns the HTTP Content-Encoding value for a, or "".
func (a Algorithm) ContentEncoding() string {
	switch a {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case None:
		return ""
	default:
		return string(a)
	}
}

// FromPath detects the algorithm from p's extension and returns p without
// it. Paths without a known extension yield None and p unchanged.
func FromPath(p string) (Algorithm, string) {
	ext := strings.ToLower(path.Ext(p))
	for a, e := range extensions {
		if e == ext {
			return a, p[:len(p)-len(ext)]
		}
	}
	return None, p
}

// NewCompressor creates a compressor for algorithm at level.
func NewCompressor(algorithm Algorithm, level Level) (Compressor, error) {
	switch algorithm {
	case None, "":
		return noneCompressor{}, nil
	case Gzip:
		return newGzipCompressor(level), nil
	case Snappy:
		return snappyCompressor{}, nil
	case S2:
		return s2Compressor{}, nil
	case LZ4:
		return lz4Compressor{level: level}, nil
	case Zstd:
		return newZstdCompressor(level)
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "unsupported compression algorithm: %s", algorithm)
	}
}

// compressAll runs a stream compressor into a byte slice.
func compressAll(c Compressor, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressStream(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressAll(c Compressor, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.DecompressStream(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func wrapErr(err error, a Algorithm, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.ErrorTypeData, string(a)+" "+op+" failed").
		WithDetail("algorithm", string(a))
}

// noneCompressor passes data through.
type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (noneCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Algorithm() Algorithm                   { return None }

func (noneCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func (noneCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

// gzipCompressor pools writers per level.
type gzipCompressor struct {
	writerPool sync.Pool
}

func newGzipCompressor(level Level) *gzipCompressor {
	gl := gzip.DefaultCompression
	switch level {
	case Fastest:
		gl = gzip.BestSpeed
	case Best:
		gl = gzip.BestCompression
	}
	gc := &gzipCompressor{}
	gc.writerPool.New = func() interface{} {
		w, _ := gzip.NewWriterLevel(nil, gl)
		return w
	}
	return gc
}

func (gc *gzipCompressor) Algorithm() Algorithm { return Gzip }

func (gc *gzipCompressor) Compress(data []byte) ([]byte, error) { return compressAll(gc, data) }

func (gc *gzipCompressor) Decompress(data []byte) ([]byte, error) { return decompressAll(gc, data) }

func (gc *gzipCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := gc.writerPool.Get().(*gzip.Writer)
	defer gc.writerPool.Put(w)
	w.Reset(dst)

	if _, err := io.Copy(w, src); err != nil {
		return wrapErr(err, Gzip, "compress")
	}
	return wrapErr(w.Close(), Gzip, "compress")
}

func (gc *gzipCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	r, err := gzip.NewReader(src)
	if err != nil {
		return wrapErr(err, Gzip, "decompress")
	}
	defer r.Close()

	_, err = io.Copy(dst, r)
	return wrapErr(err, Gzip, "decompress")
}

// snappyCompressor uses the framed format so objects are valid .sz files.
type snappyCompressor struct{}

func (snappyCompressor) Algorithm() Algorithm { return Snappy }

func (sc snappyCompressor) Compress(data []byte) ([]byte, error) { return compressAll(sc, data) }

func (sc snappyCompressor) Decompress(data []byte) ([]byte, error) { return decompressAll(sc, data) }

func (snappyCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := snappy.NewBufferedWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		return wrapErr(err, Snappy, "compress")
	}
	return wrapErr(w.Close(), Snappy, "compress")
}

func (snappyCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, snappy.NewReader(src))
	return wrapErr(err, Snappy, "decompress")
}

// s2Compressor uses the s2 stream format.
type s2Compressor struct{}

func (s2Compressor) Algorithm() Algorithm { return S2 }

func (sc s2Compressor) Compress(data []byte) ([]byte, error) { return compressAll(sc, data) }

func (sc s2Compressor) Decompress(data []byte) ([]byte, error) { return decompressAll(sc, data) }

func (s2Compressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := s2.NewWriter(dst)
	if _, err := io.Copy(w, src); err != nil {
		return wrapErr(err, S2, "compress")
	}
	return wrapErr(w.Close(), S2, "compress")
}

func (s2Compressor) DecompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, s2.NewReader(src))
	return wrapErr(err, S2, "decompress")
}

// lz4Compressor uses the lz4 frame format.
type lz4Compressor struct {
	level Level
}

func (lz4Compressor) Algorithm() Algorithm { return LZ4 }

func (lc lz4Compressor) Compress(data []byte) ([]byte, error) { return compressAll(lc, data) }

func (lc lz4Compressor) Decompress(data []byte) ([]byte, error) { return decompressAll(lc, data) }

func (lc lz4Compressor) CompressStream(dst io.Writer, src io.Reader) error {
	w := lz4.NewWriter(dst)
	level := lz4.Fast
	switch lc.level {
	case Best:
		level = lz4.Level9
	case Default:
		level = lz4.Level5
	}
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return wrapErr(err, LZ4, "compress")
	}
	if _, err := io.Copy(w, src); err != nil {
		return wrapErr(err, LZ4, "compress")
	}
	return wrapErr(w.Close(), LZ4, "compress")
}

func (lz4Compressor) DecompressStream(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, lz4.NewReader(src))
	return wrapErr(err, LZ4, "decompress")
}

// zstdCompressor shares one encoder and one decoder; both are safe for
// concurrent EncodeAll/DecodeAll calls.
type zstdCompressor struct {
	level   zstd.EncoderLevel
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level Level) (*zstdCompressor, error) {
	zl := zstd.SpeedDefault
	switch level {
	case Fastest:
		zl = zstd.SpeedFastest
	case Best:
		zl = zstd.SpeedBestCompression
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zl))
	if err != nil {
		return nil, wrapErr(err, Zstd, "init")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, wrapErr(err, Zstd, "init")
	}
	return &zstdCompressor{level: zl, encoder: enc, decoder: dec}, nil
}

func (zc *zstdCompressor) Algorithm() Algorithm { return Zstd }

func (zc *zstdCompressor) Compress(data []byte) ([]byte, error) {
	return zc.encoder.EncodeAll(data, nil), nil
}

func (zc *zstdCompressor) Decompress(data []byte) ([]byte, error) {
	out, err := zc.decoder.DecodeAll(data, nil)
	return out, wrapErr(err, Zstd, "decompress")
}

func (zc *zstdCompressor) CompressStream(dst io.Writer, src io.Reader) error {
	w, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zc.level))
	if err != nil {
		return wrapErr(err, Zstd, "compress")
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = w.Close()
		return wrapErr(err, Zstd, "compress")
	}
	return wrapErr(w.Close(), Zstd, "compress")
}

func (zc *zstdCompressor) DecompressStream(dst io.Writer, src io.Reader) error {
	r, err := zstd.NewReader(src)
	if err != nil {
		return wrapErr(err, Zstd, "decompress")
	}
	defer r.Close()
	_, err = io.Copy(dst, r)
	return wrapErr(err, Zstd, "decompress")
}
