// Package bitbucket provides a client for the Bitbucket Pipelines API.
package bitbucket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ajaymathur/build-stats/src/provider"
)

const (
	// APIBaseURL is the base URL for the Bitbucket 2.0 API.
	APIBaseURL = "https://api.bitbucket.org/2.0"

	// PageLen is the number of pipelines requested per API page.
	PageLen = 100
)

// Client is a Bitbucket Pipelines API client for one repository.
type Client struct {
	owner      string
	repo       string
	apiToken   string
	httpClient *http.Client
	baseURL    string
}

// Pipeline is one pipeline run as reported by the Bitbucket API.
type Pipeline struct {
	BuildNumber int `json:"build_number"`
	State       struct {
		Name   string `json:"name"`
		Result struct {
			Name string `json:"name"`
		} `json:"result"`
	} `json:"state"`
	Target struct {
		RefName string `json:"ref_name"`
	} `json:"target"`
	CreatedOn   *time.Time `json:"created_on"`
	CompletedOn *time.Time `json:"completed_on"`
}

// PipelinesPage is the paginated response envelope for the pipelines listing.
type PipelinesPage struct {
	Page    int        `json:"page"`
	PageLen int        `json:"pagelen"`
	Size    int        `json:"size"`
	Values  []Pipeline `json:"values"`
}

// NewClient creates a Bitbucket client. An empty token means anonymous
// access, which works for public repositories.
func NewClient(owner, repo, apiToken string) *Client {
	return &Client{
		owner:    owner,
		repo:     repo,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: APIBaseURL,
	}
}

// GetPipelines fetches one page of pipelines, oldest first. Pages are
// 1-based.
func (c *Client) GetPipelines(ctx context.Context, page int) (*PipelinesPage, error) {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("pagelen", strconv.Itoa(PageLen))
	query.Set("sort", "created_on")

	u := fmt.Sprintf("%s/repositories/%s/%s/pipelines/?%s", c.baseURL, c.owner, c.repo, query.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &provider.StatusError{Provider: "bitbucket", Status: resp.StatusCode, Body: string(body)}
	}

	var result PipelinesPage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}
