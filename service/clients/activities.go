package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/taskhive/service-realtime/internal/resilience"
	"github.com/taskhive/service-realtime/service/business"
)

// ActivityClient fetches authorized activity feed slices from the activity
// service. Implements business.ActivityResolver.
type ActivityClient struct {
	baseURL string
	httpCli *http.Client
	breaker *resilience.CircuitBreaker
}

// NewActivityClient creates an activity client for the given base URL.
func NewActivityClient(ctx context.Context, baseURL string) *ActivityClient {
	return &ActivityClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpCli: &http.Client{Timeout: defaultRequestTimeout},
		breaker: resilience.NewCircuitBreaker(resilience.Settings{
			Name:          "activity-service",
			OnStateChange: logBreakerTransition(ctx),
		}),
	}
}

// VisibleActivities returns the activity records the user is authorized to
// see, already filtered and bounded by the activity service.
func (c *ActivityClient) VisibleActivities(
	ctx context.Context,
	userID string,
	filters business.ActivityFilters,
) ([]json.RawMessage, error) {
	query := url.Values{}
	query.Set("user_id", userID)
	query.Set("limit", strconv.Itoa(filters.Limit))
	if filters.TeamID != "" {
		query.Set("team_id", filters.TeamID)
	}
	if filters.ActorID != "" {
		query.Set("actor_id", filters.ActorID)
	}
	if filters.Since > 0 {
		query.Set("since", strconv.FormatInt(filters.Since, 10))
	}

	endpoint := fmt.Sprintf("%s/v1/activities?%s", c.baseURL, query.Encode())

	var result struct {
		Activities []json.RawMessage `json:"activities"`
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

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("activity service returned status %d", resp.StatusCode)
		}

		return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result)
	})
	if err != nil {
		return nil, fmt.Errorf("activity feed lookup: %w", err)
	}

	return result.Activities, nil
}

// Compile-time interface check.
var _ business.ActivityResolver = (*ActivityClient)(nil)
