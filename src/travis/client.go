// Package travis provides a client for the Travis CI API.
package travis

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
	// APIBaseURL is the base URL for the Travis CI API.
	APIBaseURL = "https://api.travis-ci.org"
)

// Client is a Travis CI API client for one repository.
type Client struct {
	owner      string
	repo       string
	apiToken   string
	httpClient *http.Client
	baseURL    string
}

// RepoInfo is the repository summary returned by the Travis API.
type RepoInfo struct {
	ID              int    `json:"id"`
	Slug            string `json:"slug"`
	LastBuildNumber string `json:"last_build_number"`
}

// Build is one build as reported by the Travis API. Number is a string on
// the wire; Result is 0 for a passing build and nonzero otherwise, and is
// absent for errored or unfinished builds.
type Build struct {
	ID         int        `json:"id"`
	Number     string     `json:"number"`
	State      string     `json:"state"`
	Result     *int       `json:"result"`
	Branch     string     `json:"branch"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// NewClient creates a Travis CI client. An empty token means anonymous
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

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "token "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &provider.StatusError{Provider: "travis", Status: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetRepo fetches the repository summary, including the latest build number.
func (c *Client) GetRepo(ctx context.Context) (*RepoInfo, error) {
	var info RepoInfo
	path := fmt.Sprintf("/repos/%s/%s", c.owner, c.repo)
	if err := c.get(ctx, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LastBuildNumber fetches the number of the repository's most recent build.
// A repository with no builds yet reports 0.
func (c *Client) LastBuildNumber(ctx context.Context) (int, error) {
	info, err := c.GetRepo(ctx)
	if err != nil {
		return 0, err
	}
	if info.LastBuildNumber == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(info.LastBuildNumber)
	if err != nil {
		return 0, fmt.Errorf("unexpected last_build_number %q: %w", info.LastBuildNumber, err)
	}
	return n, nil
}

// GetBuilds fetches one API page of builds. Travis returns builds in
// descending number order, starting immediately below beforeNumber; pass 0
// to start from the most recent build.
func (c *Client) GetBuilds(ctx context.Context, beforeNumber int) ([]Build, error) {
	query := url.Values{}
	if beforeNumber > 0 {
		query.Set("after_number", strconv.Itoa(beforeNumber))
	}

	var builds []Build
	path := fmt.Sprintf("/repos/%s/%s/builds", c.owner, c.repo)
	if err := c.get(ctx, path, query, &builds); err != nil {
		return nil, err
	}
	return builds, nil
}
