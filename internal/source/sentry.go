package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"releasewatch/services/monitor/internal/store"
)

const (
	errorLevelQuery  = "level:[error,fatal]"
	releasePageSize  = 100
	releaseMaxPages  = 10
	errorBodyLimit   = 512
	defaultRateLimit = 2
)

var linkCursorRegex = regexp.MustCompile(`cursor="?([^";>]+)"?`)

type SentryOptions struct {
	APIBase           string
	AuthToken         string
	OrgSlug           string
	Environment       string
	ProjectIDs        map[store.Platform]string
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// SentryClient aggregates crash windows through the organization events
// (Discover) endpoint.
type SentryClient struct {
	apiBase     string
	authToken   string
	orgSlug     string
	environment string
	projectIDs  map[store.Platform]string
	limiter     *rate.Limiter
	client      *http.Client
}

func NewSentryClient(opts SentryOptions) (*SentryClient, error) {
	if strings.TrimSpace(opts.AuthToken) == "" || strings.TrimSpace(opts.OrgSlug) == "" {
		return nil, fmt.Errorf("sentry auth token and org slug are required")
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRateLimit
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	projects := make(map[store.Platform]string, len(opts.ProjectIDs))
	for platform, projectID := range opts.ProjectIDs {
		if trimmed := strings.TrimSpace(projectID); trimmed != "" {
			projects[platform] = trimmed
		}
	}

	return &SentryClient{
		apiBase:     strings.TrimRight(opts.APIBase, "/"),
		authToken:   strings.TrimSpace(opts.AuthToken),
		orgSlug:     strings.TrimSpace(opts.OrgSlug),
		environment: strings.TrimSpace(opts.Environment),
		projectIDs:  projects,
		limiter:     rate.NewLimiter(rate.Limit(rps), 1),
		client:      client,
	}, nil
}

func (c *SentryClient) AggregateWindow(
	ctx context.Context,
	platform store.Platform,
	release string,
	start, end time.Time,
) (Aggregation, error) {
	projectID, err := c.projectFor(platform)
	if err != nil {
		return Aggregation{}, err
	}

	base := url.Values{}
	base.Set("project", projectID)
	base.Set("start", start.UTC().Format(time.RFC3339Nano))
	base.Set("end", end.UTC().Format(time.RFC3339Nano))
	base.Set("query", c.eventQuery(release))

	aggregateParams := cloneValues(base)
	aggregateParams["field"] = []string{"count()", "count_unique(issue)", "count_unique(user)"}
	aggregateParams.Set("referrer", "api.release.monitor.agg")

	aggregateRows, err := c.discover(ctx, aggregateParams)
	if err != nil {
		return Aggregation{}, fmt.Errorf("window aggregates: %w", err)
	}

	aggregation := Aggregation{TopIssues: []store.TopIssue{}}
	if len(aggregateRows) > 0 {
		row := aggregateRows[0]
		aggregation.EventsCount = intField(row, "count()")
		aggregation.IssuesCount = intField(row, "count_unique(issue)")
		aggregation.UsersCount = intField(row, "count_unique(user)")
	}
	if aggregation.EventsCount == 0 {
		return aggregation, nil
	}

	topParams := cloneValues(base)
	topParams["field"] = []string{"issue.id", "issue", "title", "count()", "count_unique(user)"}
	topParams.Set("orderby", "-count()")
	topParams.Set("per_page", strconv.Itoa(TopIssueLimit))
	topParams.Set("referrer", "api.release.monitor.top")

	topRows, err := c.discover(ctx, topParams)
	if err != nil {
		return Aggregation{}, fmt.Errorf("window top issues: %w", err)
	}

	issues := make([]store.TopIssue, 0, len(topRows))
	for _, row := range topRows {
		issues = append(issues, store.TopIssue{
			IssueID:    stringField(row, "issue.id"),
			Title:      RedactIssueTitle(stringField(row, "title")),
			EventCount: intField(row, "count()"),
			UserCount:  intField(row, "count_unique(user)"),
		})
	}
	aggregation.TopIssues = RankTopIssues(issues)
	return aggregation, nil
}

// ResolveRelease picks the newest build of baseRelease, e.g. "5.12.0+431"
// over "5.12.0+402".
func (c *SentryClient) ResolveRelease(ctx context.Context, platform store.Platform, baseRelease string) (string, error) {
	projectID, err := c.projectFor(platform)
	if err != nil {
		return "", err
	}

	baseRelease = strings.TrimSpace(baseRelease)
	best := ""
	bestBuild := -1
	cursor := ""
	for page := 0; page < releaseMaxPages; page++ {
		params := url.Values{}
		params.Set("project", projectID)
		params.Set("per_page", strconv.Itoa(releasePageSize))
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		releases := []sentryRelease{}
		header, err := c.get(ctx, "/organizations/"+url.PathEscape(c.orgSlug)+"/releases/", params, &releases)
		if err != nil {
			return "", fmt.Errorf("list releases: %w", err)
		}

		for _, release := range releases {
			for _, candidate := range []string{release.Version, release.ShortVersion} {
				build, ok := matchBuild(candidate, baseRelease)
				if ok && build > bestBuild {
					best = strings.TrimSpace(candidate)
					bestBuild = build
				}
			}
		}

		cursor = nextCursor(header.Get("Link"))
		if cursor == "" || len(releases) == 0 {
			break
		}
	}

	if best == "" {
		return "", ErrReleaseNotFound
	}
	log.Debug().Str("base_release", baseRelease).Str("matched_release", best).Msg("[Sentry] Resolved release")
	return best, nil
}

type sentryRelease struct {
	Version      string `json:"version"`
	ShortVersion string `json:"shortVersion"`
}

// matchBuild accepts "base", "base+N" and "package@base+N". It returns the
// build number, 0 when the version carries none.
func matchBuild(version, baseRelease string) (int, bool) {
	version = strings.TrimSpace(version)
	if version == "" || baseRelease == "" {
		return 0, false
	}
	if at := strings.LastIndex(version, "@"); at >= 0 {
		version = version[at+1:]
	}

	if version == baseRelease {
		return 0, true
	}
	if !strings.HasPrefix(version, baseRelease+"+") {
		return 0, false
	}
	build, err := strconv.Atoi(strings.TrimPrefix(version, baseRelease+"+"))
	if err != nil {
		return 0, true
	}
	return build, true
}

func nextCursor(link string) string {
	for _, part := range strings.Split(link, ",") {
		if !strings.Contains(part, `rel="next"`) || !strings.Contains(part, `results="true"`) {
			continue
		}
		match := linkCursorRegex.FindStringSubmatch(part)
		if len(match) < 2 || strings.Contains(match[1], ":-1:") {
			return ""
		}
		return match[1]
	}
	return ""
}

func (c *SentryClient) projectFor(platform store.Platform) (string, error) {
	projectID, ok := c.projectIDs[platform]
	if !ok {
		return "", fmt.Errorf("no sentry project configured for platform %q", platform)
	}
	return projectID, nil
}

func (c *SentryClient) eventQuery(release string) string {
	parts := []string{errorLevelQuery, "release:" + release}
	if c.environment != "" {
		parts = append(parts, "environment:"+c.environment)
	}
	return strings.Join(parts, " ")
}

func (c *SentryClient) discover(ctx context.Context, params url.Values) ([]map[string]any, error) {
	body := struct {
		Data []map[string]any `json:"data"`
	}{}
	if _, err := c.get(ctx, "/organizations/"+url.PathEscape(c.orgSlug)+"/events/", params, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

func (c *SentryClient) get(ctx context.Context, path string, params url.Values, target any) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+c.authToken)
	request.Header.Set("Accept", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
		return nil, fmt.Errorf("sentry status=%d path=%s body=%s", response.StatusCode, path, strings.TrimSpace(string(rawBody)))
	}

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return nil, fmt.Errorf("decode sentry response: %w", err)
	}
	return response.Header, nil
}

func cloneValues(values url.Values) url.Values {
	clone := make(url.Values, len(values))
	for key, items := range values {
		clone[key] = append([]string(nil), items...)
	}
	return clone
}

func intField(row map[string]any, key string) int {
	switch typed := row[key].(type) {
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return int(parsed)
		}
		if parsed, err := typed.Float64(); err == nil {
			return int(parsed)
		}
	case float64:
		return int(typed)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(typed)); err == nil {
			return parsed
		}
	}
	return 0
}

func stringField(row map[string]any, key string) string {
	switch typed := row[key].(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}
