package travis

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/provider"
)

// PageSize is the number of builds per Travis API page.
const PageSize = 25

func init() {
	provider.Register("travis", func(repo contracts.Repo, token string) provider.Provider {
		return NewProvider(repo, token)
	})
}

// Provider implements provider.Provider for Travis CI. Build numbers on
// Travis are contiguous, so the latest build number is enough to predict
// every page boundary; Provider therefore also implements provider.Planner.
type Provider struct {
	client *Client

	mu     sync.Mutex
	latest int
	known  bool
}

// NewProvider creates a Travis provider for a repository.
func NewProvider(repo contracts.Repo, token string) *Provider {
	return &Provider{
		client: NewClient(repo.Owner, repo.Name, token),
	}
}

// Name returns "travis".
func (p *Provider) Name() string {
	return "travis"
}

func (p *Provider) latestNumber(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.known {
		return p.latest, nil
	}
	latest, err := p.client.LastBuildNumber(ctx)
	if err != nil {
		return 0, err
	}
	p.latest = latest
	p.known = true
	return latest, nil
}

// FetchPage returns builds numbered in (after, after+PageSize].
func (p *Provider) FetchPage(ctx context.Context, after int) (provider.Page, error) {
	latest, err := p.latestNumber(ctx)
	if err != nil {
		return provider.Page{}, err
	}
	if after >= latest {
		return provider.Page{}, nil
	}

	// Travis pages downward from after_number, so requesting one past the
	// window's upper bound yields exactly the window when numbers are
	// contiguous.
	builds, err := p.client.GetBuilds(ctx, after+PageSize+1)
	if err != nil {
		return provider.Page{}, err
	}

	records := make([]contracts.Record, 0, len(builds))
	for _, b := range builds {
		record, ok := toRecord(b)
		if !ok || record.Number <= after {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })

	return provider.Page{
		Records: records,
		HasMore: after+PageSize < latest,
	}, nil
}

// PlanPages predicts every page cursor covering builds newer than after.
func (p *Provider) PlanPages(ctx context.Context, after int) ([]int, error) {
	latest, err := p.latestNumber(ctx)
	if err != nil {
		return nil, err
	}

	var cursors []int
	for cursor := after; cursor < latest; cursor += PageSize {
		cursors = append(cursors, cursor)
	}
	return cursors, nil
}

// toRecord normalizes a Travis build. Builds with an unparseable number are
// dropped rather than guessed at.
func toRecord(b Build) (contracts.Record, bool) {
	number, err := strconv.Atoi(b.Number)
	if err != nil {
		return contracts.Record{}, false
	}

	record := contracts.Record{
		Number: number,
		Branch: b.Branch,
		Result: normalizeResult(b.State, b.Result),
	}
	if b.StartedAt != nil {
		record.StartedAt = *b.StartedAt
	}
	if b.FinishedAt != nil {
		record.FinishedAt = *b.FinishedAt
	}
	return record, true
}

// normalizeResult maps Travis build states onto the canonical result
// vocabulary. Both the legacy numeric result field and the newer state
// strings are handled; unrecognized states pass through verbatim.
func normalizeResult(state string, result *int) contracts.Result {
	switch state {
	case "passed":
		return contracts.ResultSuccessful
	case "failed":
		return contracts.ResultFailed
	case "errored":
		return contracts.ResultErrored
	case "canceled":
		return contracts.ResultCanceled
	case "created", "queued", "received":
		return contracts.ResultPending
	case "started":
		return contracts.ResultRunning
	case "finished":
		switch {
		case result == nil:
			return contracts.ResultErrored
		case *result == 0:
			return contracts.ResultSuccessful
		default:
			return contracts.ResultFailed
		}
	}
	return contracts.Result(state)
}
