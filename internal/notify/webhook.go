package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"releasewatch/services/monitor/internal/source"
)

const slackTopIssues = 5

type WebhookOptions struct {
	URL string
	// DashboardURL backs the dashboard button.
	DashboardURL string
	// IssuesURL is the issue stream base, e.g. https://sentry.io/organizations/acme/issues
	IssuesURL  string
	ProjectIDs map[string]string
	HTTPClient *http.Client
}

// WebhookNotifier posts Slack block messages to an incoming webhook.
type WebhookNotifier struct {
	webhookURL   string
	dashboardURL string
	issuesURL    string
	projectIDs   map[string]string
	client       *http.Client
}

func NewWebhookNotifier(opts WebhookOptions) *WebhookNotifier {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		webhookURL:   strings.TrimSpace(opts.URL),
		dashboardURL: strings.TrimSpace(opts.DashboardURL),
		issuesURL:    strings.TrimRight(strings.TrimSpace(opts.IssuesURL), "/"),
		projectIDs:   opts.ProjectIDs,
		client:       client,
	}
}

func (n *WebhookNotifier) Enabled() bool {
	return n != nil && n.webhookURL != ""
}

func (n *WebhookNotifier) Notify(ctx context.Context, summary Summary) error {
	if !n.Enabled() {
		return ErrNoSinks
	}

	body, err := json.Marshal(map[string]any{
		"text":   n.fallbackText(summary),
		"blocks": n.buildBlocks(summary),
	})
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := n.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		rawBody, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("webhook status=%d body=%s", response.StatusCode, strings.TrimSpace(string(rawBody)))
	}
	return nil
}

func (n *WebhookNotifier) fallbackText(summary Summary) string {
	return fmt.Sprintf("%s%s %s: %d events, %d users (%s)",
		testPrefix(summary), summary.Platform, summary.Release,
		summary.Current.Events, summary.Current.Users, summary.Reason)
}

func (n *WebhookNotifier) buildBlocks(summary Summary) []map[string]any {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type":  "plain_text",
				"text":  fmt.Sprintf("%s%s Release monitoring: %s %s", testPrefix(summary), severityIcon(summary.Severity), summary.Platform, summary.Release),
				"emoji": true,
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Window*: %s · *Interval*: %dm · *Reason*: %s",
					windowLabel(summary.WindowStart, summary.WindowEnd), summary.IntervalMinutes, summary.Reason),
			}},
		},
	}

	delta := summary.Delta()
	lines := []string{
		"*:memo: Snapshot*",
		countLine("Events", summary.Current.Events, delta.Events, summary.Cumulative.Events),
		countLine("Unique issues", summary.Current.Issues, delta.Issues, summary.Cumulative.Issues),
		countLine("Affected users", summary.Current.Users, delta.Users, summary.Cumulative.Users),
	}
	blocks = append(blocks, section(strings.Join(lines, "\n")))

	if len(summary.TopIssues) > 0 {
		top := summary.TopIssues
		if len(top) > slackTopIssues {
			top = top[:slackTopIssues]
		}
		issueLines := []string{"*:sports_medal: Top issues in window*"}
		for _, issue := range top {
			title := source.Truncate(issue.Title, 90)
			if link := n.issueLink(issue.IssueID); link != "" {
				title = fmt.Sprintf("<%s|%s>", link, title)
			}
			issueLines = append(issueLines, fmt.Sprintf("• %s · %d events · %d users", title, issue.EventCount, issue.UserCount))
		}
		blocks = append(blocks, section(strings.Join(issueLines, "\n")))
	}

	buttons := make([]map[string]any, 0, 2)
	if n.dashboardURL != "" {
		buttons = append(buttons, button("Open dashboard", n.dashboardURL))
	}
	if filter := n.issueFilterURL(summary); filter != "" {
		buttons = append(buttons, button("Issues in this window", filter))
	}
	if len(buttons) > 0 {
		blocks = append(blocks, map[string]any{"type": "actions", "elements": buttons})
	}

	return blocks
}

func (n *WebhookNotifier) issueLink(issueID string) string {
	if n.issuesURL == "" || strings.TrimSpace(issueID) == "" {
		return ""
	}
	return n.issuesURL + "/" + url.PathEscape(issueID) + "/"
}

func (n *WebhookNotifier) issueFilterURL(summary Summary) string {
	if n.issuesURL == "" {
		return ""
	}
	params := url.Values{}
	if projectID := n.projectIDs[string(summary.Platform)]; projectID != "" {
		params.Set("project", projectID)
	}
	params.Set("query", "level:[error,fatal] release:"+summary.Release)
	params.Set("start", summary.WindowStart.UTC().Format(time.RFC3339))
	params.Set("end", summary.WindowEnd.UTC().Format(time.RFC3339))
	return n.issuesURL + "/?" + params.Encode()
}

func countLine(name string, current, delta, cumulative int) string {
	return fmt.Sprintf("• *%s*: %d · change: %s %+d · total: %d", name, current, deltaIcon(delta), delta, cumulative)
}

func deltaIcon(delta int) string {
	switch {
	case delta > 0:
		return ":arrow_up:"
	case delta < 0:
		return ":arrow_down:"
	default:
		return ":left_right_arrow:"
	}
}

func severityIcon(severity Severity) string {
	if severity == SeverityCritical {
		return ":rotating_light:"
	}
	return ":warning:"
}

func testPrefix(summary Summary) string {
	if summary.TestMode {
		return "[TEST] "
	}
	return ""
}

func windowLabel(start, end time.Time) string {
	return start.UTC().Format("2006-01-02 15:04") + " – " + end.UTC().Format("2006-01-02 15:04") + " UTC"
}

func section(text string) map[string]any {
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": text},
	}
}

func button(label, target string) map[string]any {
	return map[string]any{
		"type": "button",
		"text": map[string]any{"type": "plain_text", "text": label},
		"url":  target,
	}
}
