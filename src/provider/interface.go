// Package provider defines the interface between the download engine and the
// CI backends that serve build history.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ajaymathur/build-stats/src/contracts"
)

// Page is one slice of a repository's build history, already normalized to
// the canonical record shape. Records carry numbers greater than the cursor
// they were requested after; HasMore reports whether newer builds exist
// beyond the page.
type Page struct {
	Records []contracts.Record
	HasMore bool
}

// Provider fetches build history pages for one repository on one CI backend.
type Provider interface {
	// Name returns the provider name (e.g. "travis", "bitbucket").
	Name() string

	// FetchPage returns the next page of builds with numbers greater than
	// after. Passing after=0 starts from the beginning of history.
	FetchPage(ctx context.Context, after int) (Page, error)
}

// Planner is implemented by providers that can predict page boundaries up
// front, which lets the downloader request pages speculatively in parallel.
// Providers without this capability are paged strictly sequentially.
type Planner interface {
	// PlanPages returns the page cursors (each an "after" value) that
	// together cover every build with a number greater than after.
	PlanPages(ctx context.Context, after int) ([]int, error)
}

// Factory builds a provider for a repository, forwarding the caller-supplied
// credential token. An empty token means anonymous access.
type Factory func(repo contracts.Repo, token string) Provider

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider implementation available under a host name.
// Provider packages call this from init.
func Register(host string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[host] = factory
}

// ForRepo returns the provider registered for the repository's host.
func ForRepo(repo contracts.Repo, token string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[repo.Host]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (known hosts: %v)", ErrProviderUnknown, repo.Host, Hosts())
	}
	return factory(repo, token), nil
}

// Hosts lists the registered provider host names, sorted.
func Hosts() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	hosts := make([]string, 0, len(registry))
	for host := range registry {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts
}
