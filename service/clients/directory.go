// Package clients holds HTTP adapters for the remote services the realtime
// engine depends on: the membership directory and the activity service.
// Every adapter runs its calls through a circuit breaker so a dead
// collaborator fails fast instead of tying up connection workers.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/internal/resilience"
	"github.com/taskhive/service-realtime/service/business"
)

const (
	defaultRequestTimeout = 5 * time.Second
	maxResponseBytes      = 1 << 20 // 1 MiB
)

// DirectoryClient resolves team membership over the directory service HTTP API.
// Implements business.MembershipDirectory.
type DirectoryClient struct {
	baseURL string
	httpCli *http.Client
	breaker *resilience.CircuitBreaker
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(ctx context.Context, baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: defaultRequestTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:          "membership-directory",
			OnStateChange: logBreakerTransition(ctx),
		}),
	}
}

// TeamsFor returns the IDs of every team the user belongs to.
func (c *DirectoryClient) TeamsFor(ctx context.Context, userID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/teams", c.baseURL, url.PathEscape(userID))

	var result struct {
		TeamIDs []string `json:"team_ids"`
	}
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return nil, fmt.Errorf("directory teams lookup: %w", err)
	}
	return result.TeamIDs, nil
}

// IsMember reports whether the user currently belongs to the team.
func (c *DirectoryClient) IsMember(ctx context.Context, userID, teamID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1/teams/%s/members/%s",
		c.baseURL, url.PathEscape(teamID), url.PathEscape(userID))

	var result struct {
		Member bool `json:"member"`
	}

	err := c.breaker.Execute(func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if reqErr != nil {
			return reqErr
		}

		resp, doErr := c.httpCli.Do(req)
		if doErr != nil {
			return doErr
		}
		defer func() { _ = resp.Body.Close() }()

		switch resp.StatusCode {
		case http.StatusOK:
			return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result)
		case http.StatusNotFound:
			// Not a member; the lookup itself succeeded.
			result.Member = false
			return nil
		default:
			return fmt.Errorf("directory returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		return false, fmt.Errorf("directory membership check: %w", err)
	}

	return result.Member, nil
}

func (c *DirectoryClient) getJSON(ctx context.Context, endpoint string, out any) error {
	return c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}

		resp, err := c.httpCli.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out)
	})
}

func logBreakerTransition(ctx context.Context) func(name string, from, to resilience.State) {
	return func(name string, from, to resilience.State) {
		util.Log(ctx).WithFields(map[string]any{
			"breaker": name,
			"from":    from.String(),
			"to":      to.String(),
		}).Warn("circuit breaker state changed")
	}
}

// Compile-time interface check.
var _ business.MembershipDirectory = (*DirectoryClient)(nil)
