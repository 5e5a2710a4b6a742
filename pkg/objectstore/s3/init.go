package s3

import "github.com/ajitpratap0/ferry/pkg/objectstore"

// Name is the backend name used in storage configuration.
const Name = "s3"

func init() {
	_ = objectstore.Register(Name, New)
}
