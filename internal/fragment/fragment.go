// Package fragment defines the client interface to the external knowledge
// store. The engine treats the store as a black box addressed by key or tag;
// everything else (authoring, indexing, search) lives upstream.
package fragment

import (
	"context"
)

// Fragment is a discrete unit of content addressable by key. It is the unit
// of caching and of token-budget accounting.
type Fragment struct {
	Key        string   `json:"key"`
	Domain     string   `json:"domain"`
	Version    string   `json:"version"`
	Content    []byte   `json:"content"`
	TokenCount int      `json:"token_count"`
	Relevance  float64  `json:"relevance"`
	Tags       []string `json:"tags,omitempty"`
}

// CacheKey derives the cache key for a fragment identity within a domain
// at a given content version. Bumping the version guarantees republished
// content never aliases a stale cached copy.
func CacheKey(key, domain, version string) string {
	return key + ":" + domain + ":" + version
}

// Store is the interface to the external fragment source.
type Store interface {
	FetchFragment(ctx context.Context, key string) (*Fragment, error)
	FetchByTags(ctx context.Context, tags []string) ([]*Fragment, error)
}
