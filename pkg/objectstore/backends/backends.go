// Package backends links every object store backend into the binary.
package backends

import (
	// registered through init
	_ "github.com/ajitpratap0/ferry/pkg/objectstore/azureblob"
	_ "github.com/ajitpratap0/ferry/pkg/objectstore/gcs"
	_ "github.com/ajitpratap0/ferry/pkg/objectstore/local"
	_ "github.com/ajitpratap0/ferry/pkg/objectstore/s3"
)
