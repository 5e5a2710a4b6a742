package objectstore

import (
	"context"

	"github.com/ajitpratap0/ferry/pkg/compression"
)

// UploadCompressed compresses body with alg, appends the algorithm's
// extension to path and uploads it with the matching Content-Encoding.
// It returns the final object path.
func UploadCompressed(ctx context.Context, c Client, path string, body []byte, contentType string, alg compression.Algorithm) (string, error) {
	if alg == compression.None || alg == "" {
		return path, c.Upload(ctx, path, body, contentType)
	}

	comp, err := compression.NewCompressor(alg, compression.Default)
	if err != nil {
		return "", err
	}
	packed, err := comp.Compress(body)
	if err != nil {
		return "", err
	}

	final := path + alg.Extension()
	if err := c.Upload(ctx, final, packed, contentType, WithContentEncoding(alg.ContentEncoding())); err != nil {
		return "", err
	}
	return final, nil
}

// FetchDecompressed fetches path and decompresses it when its extension
// names a compression algorithm. The second result is path without that
// extension, which callers use to detect the payload format.
func FetchDecompressed(ctx context.Context, c Client, path string) ([]byte, string, error) {
	body, err := c.Fetch(ctx, path)
	if err != nil {
		return nil, "", err
	}

	alg, base := compression.FromPath(path)
	if alg == compression.None {
		return body, path, nil
	}

	comp, err := compression.NewCompressor(alg, compression.Default)
	if err != nil {
		return nil, "", err
	}
	plain, err := comp.Decompress(body)
	if err != nil {
		return nil, "", err
	}
	return plain, base, nil
}
