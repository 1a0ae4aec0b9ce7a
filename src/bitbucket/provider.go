package bitbucket

import (
	"context"
	"sort"

	"github.com/ajaymathur/build-stats/src/contracts"
	"github.com/ajaymathur/build-stats/src/provider"
)

func init() {
	provider.Register("bitbucket", func(repo contracts.Repo, token string) provider.Provider {
		return NewProvider(repo, token)
	})
}

// Provider implements provider.Provider for Bitbucket Pipelines. Page
// boundaries are only known from each response's metadata, so paging is
// sequential; Provider deliberately does not implement provider.Planner.
type Provider struct {
	client *Client
}

// NewProvider creates a Bitbucket provider for a repository.
func NewProvider(repo contracts.Repo, token string) *Provider {
	return &Provider{
		client: NewClient(repo.Owner, repo.Name, token),
	}
}

// Name returns "bitbucket".
func (p *Provider) Name() string {
	return "bitbucket"
}

// FetchPage returns the next page of pipelines with build numbers greater
// than after. Pipelines are listed oldest first, and build numbers are
// contiguous, so the API page holding the first wanted build is after/PageLen
// (1-based).
func (p *Provider) FetchPage(ctx context.Context, after int) (provider.Page, error) {
	pageNum := after/PageLen + 1

	resp, err := p.client.GetPipelines(ctx, pageNum)
	if err != nil {
		return provider.Page{}, err
	}

	records := make([]contracts.Record, 0, len(resp.Values))
	for _, pl := range resp.Values {
		if pl.BuildNumber <= after {
			continue
		}
		records = append(records, toRecord(pl))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Number < records[j].Number })

	return provider.Page{
		Records: records,
		HasMore: pageNum*PageLen < resp.Size,
	}, nil
}

// toRecord normalizes a Bitbucket pipeline into the canonical record shape.
func toRecord(pl Pipeline) contracts.Record {
	record := contracts.Record{
		Number: pl.BuildNumber,
		Branch: pl.Target.RefName,
		Result: normalizeResult(pl.State.Name, pl.State.Result.Name),
	}
	if pl.CreatedOn != nil {
		record.StartedAt = *pl.CreatedOn
	}
	if pl.CompletedOn != nil {
		record.FinishedAt = *pl.CompletedOn
	}
	return record
}

// normalizeResult maps Bitbucket pipeline states onto the canonical result
// vocabulary. SUCCESSFUL and FAILED already match; unrecognized results pass
// through verbatim.
func normalizeResult(state, result string) contracts.Result {
	switch state {
	case "PENDING":
		return contracts.ResultPending
	case "IN_PROGRESS":
		return contracts.ResultRunning
	}
	switch result {
	case "ERROR":
		return contracts.ResultErrored
	case "STOPPED":
		return contracts.ResultCanceled
	case "":
		return contracts.Result(state)
	}
	return contracts.Result(result)
}
