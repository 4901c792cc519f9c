package channel

import (
	"fmt"
	"strings"
	"sync"

	"github.com/deskhub-io/deskhub/internal/models"
)

// Factory resolves the adapter implementation for a channel.
type Factory interface {
	FetcherFor(ch models.Channel) (Fetcher, error)
	NormalizerFor(provider models.Provider) (Normalizer, error)
}

// FactoryOption customizes an adapter factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu          sync.RWMutex
	fetchers    map[string]Fetcher
	normalizers map[string]Normalizer
}

// NewFactory builds an adapter factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{
		fetchers:    make(map[string]Fetcher),
		normalizers: make(map[string]Normalizer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// WithFetcher registers a fetcher for the provided providers.
func WithFetcher(fetcher Fetcher, providers ...models.Provider) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || fetcher == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range providers {
			key := normalizeProvider(p)
			if key == "" {
				continue
			}
			f.fetchers[key] = fetcher
		}
	}
}

// WithNormalizer registers a webhook normalizer for the provided providers.
func WithNormalizer(normalizer Normalizer, providers ...models.Provider) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || normalizer == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, p := range providers {
			key := normalizeProvider(p)
			if key == "" {
				continue
			}
			f.normalizers[key] = normalizer
		}
	}
}

func (f *simpleFactory) FetcherFor(ch models.Channel) (Fetcher, error) {
	key := normalizeProvider(ch.Provider)
	f.mu.RLock()
	fetcher, ok := f.fetchers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no fetcher registered for provider %s", ch.Provider)
	}
	return fetcher, nil
}

func (f *simpleFactory) NormalizerFor(provider models.Provider) (Normalizer, error) {
	key := normalizeProvider(provider)
	f.mu.RLock()
	normalizer, ok := f.normalizers[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no normalizer registered for provider %s", provider)
	}
	return normalizer, nil
}

func normalizeProvider(p models.Provider) string {
	return strings.ToLower(strings.TrimSpace(string(p)))
}
