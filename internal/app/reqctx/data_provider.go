package reqctx

import "context"

// DataProvider defines a typed data fetching contract.
// Useful for pre-registering known per-request data sources.
type DataProvider interface {
	// Key returns the slot name the result is memoized under.
	Key() string

	// Fetch retrieves the data.
	Fetch(ctx context.Context) (any, error)
}

// GetOrFetchProvider is a convenience method for DataProvider types.
func (inst *Instance) GetOrFetchProvider(ctx context.Context, provider DataProvider) (any, error) {
	return inst.GetOrFetch(ctx, provider.Key(), provider.Fetch)
}
