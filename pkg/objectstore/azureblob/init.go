package azureblob

import "github.com/ajitpratap0/ferry/pkg/objectstore"

// Name is the backend name used in storage configuration.
const Name = "azureblob"

func init() {
	_ = objectstore.Register(Name, New)
}
