// Package tracker is a typed GraphQL client against the external ticket
// system, with the status-code retry classification and rate-limit header
// monitoring the corpus's HTTP clients apply, an LRU cache of workflow
// states keyed by team, and an OpenTelemetry span per outbound request.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/emily-flambe/orca-sub001/internal/logging"
)

// ErrAuth signals a 401/403 response; callers must never retry this.
type ErrAuth struct {
	StatusCode int
	Body       string
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("tracker: auth error (status %d): %s", e.StatusCode, e.Body)
}

// ErrGraphQL wraps one or more GraphQL-level errors returned alongside a
// 200 response.
type ErrGraphQL struct {
	Messages []string
}

func (e *ErrGraphQL) Error() string {
	return fmt.Sprintf("tracker: graphql error: %v", e.Messages)
}

// WorkflowState is one named state in a team's workflow.
type WorkflowState struct {
	ID   string
	Type string
}

// Issue is the subset of tracker issue fields Orca consumes.
type Issue struct {
	ID               string
	Title            string
	Description      string
	ProjectID        string
	TeamID           string
	StateName        string
	Relations        []RelationLink
	InverseRelations []RelationLink
}

// RelationLink is one typed dependency link as the tracker reports it.
type RelationLink struct {
	Type   string
	TaskID string
}

// ProjectMetadata describes a tracker project.
type ProjectMetadata struct {
	Description string
	TeamIDs     []string
}

const (
	graphQLPageSize          = 25
	rateLimitWarnThreshold   = 500
	rateLimitHeaderName      = "X-RateLimit-Requests-Remaining"
)

// Client issues GraphQL requests against the tracker API.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
	tracer     trace.Tracer

	stateCache *lru.Cache[string, map[string]WorkflowState]
}

// Config configures a Client.
type Config struct {
	Endpoint      string
	APIKey        string
	HTTPClient    *http.Client
	Logger        logging.Logger
	CacheSize     int // number of teams to cache; defaults to 32
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = 32
	}
	cache, err := lru.New[string, map[string]WorkflowState](size)
	if err != nil {
		return nil, fmt.Errorf("tracker: create state cache: %w", err)
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		logger:     logging.OrNop(cfg.Logger),
		tracer:     otel.Tracer("orca/tracker"),
		stateCache: cache,
	}, nil
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// do executes one GraphQL request, applying the retry/backoff/auth
// classification policy, and unmarshals the "data" field into out.
func (c *Client) do(ctx context.Context, operation, query string, variables map[string]interface{}, out interface{}) error {
	ctx, span := c.tracer.Start(ctx, "tracker."+operation, trace.WithAttributes(attribute.String("graphql.operation", operation)))
	defer span.End()

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("tracker: marshal request: %w", err)
	}

	var lastErr error
	backoffs := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.send(ctx, body)
		if err != nil {
			lastErr = err
			c.logger.Warn("tracker: %s: network failure on attempt %d: %v", operation, attempt+1, err)
			if attempt < len(backoffs) {
				if !sleepOrDone(ctx, backoffs[attempt]) {
					span.SetStatus(codes.Error, "context canceled")
					return ctx.Err()
				}
			}
			continue
		}

		err = c.handleResponse(resp, out)
		if err == nil {
			return nil
		}

		var authErr *ErrAuth
		if isAuthErr(err, &authErr) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "auth error")
			return err
		}

		if isTransientStatus(err) {
			lastErr = err
			c.logger.Warn("tracker: %s: transient failure on attempt %d: %v", operation, attempt+1, err)
			if attempt < len(backoffs) {
				if !sleepOrDone(ctx, backoffs[attempt]) {
					span.SetStatus(codes.Error, "context canceled")
					return ctx.Err()
				}
			}
			continue
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "retries exhausted")
	return lastErr
}

func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)
	return c.httpClient.Do(req)
}

// transientStatusError marks a non-2xx response classified as retryable.
type transientStatusError struct {
	statusCode int
	body       string
}

func (e *transientStatusError) Error() string {
	return fmt.Sprintf("tracker: transient status %d: %s", e.statusCode, e.body)
}

func (c *Client) handleResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	c.checkRateLimit(resp)

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("tracker: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ErrAuth{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	case resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusInternalServerError ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusServiceUnavailable:
		return &transientStatusError{statusCode: resp.StatusCode, body: string(bodyBytes)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("tracker: unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(bodyBytes, &gqlResp); err != nil {
		return fmt.Errorf("tracker: unmarshal response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		messages := make([]string, len(gqlResp.Errors))
		for i, e := range gqlResp.Errors {
			messages[i] = e.Message
		}
		return &ErrGraphQL{Messages: messages}
	}
	if out != nil && gqlResp.Data != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("tracker: unmarshal data: %w", err)
		}
	}
	return nil
}

func (c *Client) checkRateLimit(resp *http.Response) {
	raw := resp.Header.Get(rateLimitHeaderName)
	if raw == "" {
		return
	}
	remaining, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	if remaining < rateLimitWarnThreshold {
		c.logger.Warn("tracker: rate limit low, %d requests remaining", remaining)
	}
}

func isTransientStatus(err error) bool {
	_, ok := err.(*transientStatusError)
	return ok
}

func isAuthErr(err error, target **ErrAuth) bool {
	ae, ok := err.(*ErrAuth)
	if !ok {
		return false
	}
	*target = ae
	return true
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// --- Typed operations ---

// IssuePage is one page of a paginated issue fetch.
type IssuePage struct {
	Issues     []Issue
	HasNext    bool
	NextCursor string
}

const fetchIssuesQuery = `query($projectId: String!, $first: Int!, $after: String) {
  issues(projectId: $projectId, first: $first, after: $after) {
    nodes {
      id title description projectId teamId stateName
      relations { type taskId }
      inverseRelations { type taskId }
    }
    pageInfo { hasNextPage endCursor }
  }
}`

// FetchIssuesPage fetches one page of issues for a project.
func (c *Client) FetchIssuesPage(ctx context.Context, projectID, after string) (*IssuePage, error) {
	var data struct {
		Issues struct {
			Nodes    []Issue `json:"nodes"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"issues"`
	}
	vars := map[string]interface{}{"projectId": projectID, "first": graphQLPageSize}
	if after != "" {
		vars["after"] = after
	}
	if err := c.do(ctx, "fetchIssuesPage", fetchIssuesQuery, vars, &data); err != nil {
		return nil, err
	}
	return &IssuePage{
		Issues:     data.Issues.Nodes,
		HasNext:    data.Issues.PageInfo.HasNextPage,
		NextCursor: data.Issues.PageInfo.EndCursor,
	}, nil
}

// FetchAllIssues drains every page for projectID.
func (c *Client) FetchAllIssues(ctx context.Context, projectID string) ([]Issue, error) {
	var all []Issue
	after := ""
	for {
		page, err := c.FetchIssuesPage(ctx, projectID, after)
		if err != nil {
			return all, err
		}
		all = append(all, page.Issues...)
		if !page.HasNext {
			break
		}
		after = page.NextCursor
	}
	return all, nil
}

const fetchProjectQuery = `query($projectId: String!) {
  project(id: $projectId) { description teamIds }
}`

// FetchProjectMetadata fetches a project's description and team ids.
func (c *Client) FetchProjectMetadata(ctx context.Context, projectID string) (*ProjectMetadata, error) {
	var data struct {
		Project struct {
			Description string   `json:"description"`
			TeamIDs     []string `json:"teamIds"`
		} `json:"project"`
	}
	if err := c.do(ctx, "fetchProjectMetadata", fetchProjectQuery, map[string]interface{}{"projectId": projectID}, &data); err != nil {
		return nil, err
	}
	return &ProjectMetadata{Description: data.Project.Description, TeamIDs: data.Project.TeamIDs}, nil
}

const fetchWorkflowStatesQuery = `query($teamIds: [String!]!) {
  workflowStates(teamIds: $teamIds) { teamId name id type }
}`

// WorkflowStates returns name -> {id,type} for the given teams, using the
// LRU cache when possible. Last-team-wins on name conflicts across teams.
func (c *Client) WorkflowStates(ctx context.Context, teamIDs []string) (map[string]WorkflowState, error) {
	merged := make(map[string]WorkflowState)
	var uncached []string
	for _, teamID := range teamIDs {
		if cached, ok := c.stateCache.Get(teamID); ok {
			for name, state := range cached {
				merged[name] = state
			}
			continue
		}
		uncached = append(uncached, teamID)
	}
	if len(uncached) == 0 {
		return merged, nil
	}

	var data struct {
		WorkflowStates []struct {
			TeamID string `json:"teamId"`
			Name   string `json:"name"`
			ID     string `json:"id"`
			Type   string `json:"type"`
		} `json:"workflowStates"`
	}
	if err := c.do(ctx, "fetchWorkflowStates", fetchWorkflowStatesQuery, map[string]interface{}{"teamIds": uncached}, &data); err != nil {
		return merged, err
	}

	perTeam := make(map[string]map[string]WorkflowState)
	for _, s := range data.WorkflowStates {
		if perTeam[s.TeamID] == nil {
			perTeam[s.TeamID] = make(map[string]WorkflowState)
		}
		perTeam[s.TeamID][s.Name] = WorkflowState{ID: s.ID, Type: s.Type}
	}
	for teamID, states := range perTeam {
		c.stateCache.Add(teamID, states)
		for name, state := range states {
			merged[name] = state
		}
	}
	return merged, nil
}

// InvalidateWorkflowStateCache wholesale-purges the cache. Called at the
// start of every full sync so a tracker-side state rename is picked up
// within one cycle.
func (c *Client) InvalidateWorkflowStateCache() {
	c.stateCache.Purge()
}

const updateIssueStateMutation = `mutation($issueId: String!, $stateId: String!) {
  issueUpdate(id: $issueId, input: { stateId: $stateId }) { success }
}`

// UpdateIssueState moves an issue to a new workflow state.
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) error {
	return c.do(ctx, "updateIssueState", updateIssueStateMutation, map[string]interface{}{
		"issueId": issueID,
		"stateId": stateID,
	}, nil)
}

const createCommentMutation = `mutation($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) { success }
}`

// CreateComment adds a comment to an issue.
func (c *Client) CreateComment(ctx context.Context, issueID, body string) error {
	return c.do(ctx, "createComment", createCommentMutation, map[string]interface{}{
		"issueId": issueID,
		"body":    body,
	}, nil)
}

const createAttachmentMutation = `mutation($issueId: String!, $title: String!, $url: String!) {
  attachmentCreate(input: { issueId: $issueId, title: $title, url: $url }) { success }
}`

// CreateAttachment attaches a URL to an issue.
func (c *Client) CreateAttachment(ctx context.Context, issueID, title, url string) error {
	return c.do(ctx, "createAttachment", createAttachmentMutation, map[string]interface{}{
		"issueId": issueID,
		"title":   title,
		"url":     url,
	}, nil)
}
