package persistence

import (
	"context"

	"github.com/vaultmesh/envelopecrypt"
)

// LoaderFunc is an adapter to allow the use of ordinary functions as Loaders.
// If f is a function with the appropriate signature, LoaderFunc(f) is an envelopecrypt.Loader that calls f.
type LoaderFunc func(ctx context.Context, key interface{}) (*envelopecrypt.DataRowRecord, error)

// Load calls f(ctx, key).
func (f LoaderFunc) Load(ctx context.Context, key interface{}) (*envelopecrypt.DataRowRecord, error) {
	return f(ctx, key)
}

// StorerFunc is an adapter to allow the use of ordinary functions as Storers.
// If f is a function with the appropriate signature, StorerFunc(f) is an envelopecrypt.Storer that calls f.
type StorerFunc func(ctx context.Context, d envelopecrypt.DataRowRecord) (interface{}, error)

// Store calls f(ctx, d).
func (f StorerFunc) Store(ctx context.Context, d envelopecrypt.DataRowRecord) (interface{}, error) {
	return f(ctx, d)
}
