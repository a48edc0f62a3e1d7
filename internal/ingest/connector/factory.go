package connector

import (
	"fmt"
	"strings"
	"sync"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{fetchers: make(map[string]Fetcher)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with built-in connectors.
func DefaultFactory() Factory {
	return NewFactory(
		WithFetcher(NewIMAPFetcher(), "imap", "imaps"),
		WithFetcher(NewPOP3Fetcher(), "pop3", "pop3s"),
	)
}

// WithFetcher registers a fetcher for the provided mailbox kinds.
func WithFetcher(fetcher Fetcher, kinds ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || fetcher == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, kind := range kinds {
			key := strings.ToLower(strings.TrimSpace(kind))
			if key == "" {
				continue
			}
			f.fetchers[key] = fetcher
		}
	}
}

func (f *simpleFactory) FetcherFor(kind string) (Fetcher, error) {
	key := strings.ToLower(strings.TrimSpace(kind))
	f.mu.RLock()
	fetcher, ok := f.fetchers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for mailbox kind %s", kind)
	}
	return fetcher, nil
}
