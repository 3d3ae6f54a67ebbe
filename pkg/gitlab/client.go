// Package gitlab talks to the merge request API of the git server
// hosting the catalog repositories.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/git"
)

type adapter struct{}

func (a adapter) format(s string, i ...interface{}) string {
	builder := strings.Builder{}
	builder.WriteString(s)
	for _, x := range i {
		builder.WriteString(" ")
		builder.WriteString(fmt.Sprintf("%v", x))
	}
	return builder.String()
}

func (a adapter) Error(s string, i ...interface{}) { logrus.Error(a.format(s, i...)) }
func (a adapter) Info(s string, i ...interface{})  { logrus.Info(a.format(s, i...)) }
func (a adapter) Debug(s string, i ...interface{}) { logrus.Debug(a.format(s, i...)) }
func (a adapter) Warn(s string, i ...interface{})  { logrus.Warn(a.format(s, i...)) }

var _ retryablehttp.LeveledLogger = adapter{}

// Client implements git.MergeRequestClient against the GitLab REST
// API.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 5
	retryClient.Logger = adapter{}
	return &Client{cfg: cfg, httpClient: retryClient.StandardClient()}
}

var _ git.MergeRequestClient = &Client{}

// projectPath splits a repository URL into the API base URL and the
// URL-encoded project path GitLab keys its endpoints on.
func projectPath(repoURL string) (string, string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse the git URL %q: %w", repoURL, err)
	}
	project := strings.TrimSuffix(strings.TrimPrefix(parsed.Path, "/"), ".git")
	if project == "" {
		return "", "", fmt.Errorf("the git URL %q carries no project path", repoURL)
	}
	return parsed.Scheme + "://" + parsed.Host, project, nil
}

func (c *Client) token(repoURL string) (config.GitLabToken, error) {
	token, ok := c.cfg.GitlabTokensMap[repoURL]
	if !ok || token.Token == "" {
		return config.GitLabToken{}, api.ConfigErrorf("No git credentials are configured for %q", repoURL)
	}
	return token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, payload any) ([]byte, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("could not marshal the request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("could not create the request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("PRIVATE-TOKEN", token)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to reach the git server: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read the git server response: %w", err)
	}
	return data, resp.StatusCode, nil
}

// CreateMergeRequest opens a merge request for sourceBranch against
// targetBranch, deleting the source branch on merge.
func (c *Client) CreateMergeRequest(ctx context.Context, repoURL, sourceBranch, targetBranch, title string) (*git.MergeRequest, error) {
	token, err := c.token(repoURL)
	if err != nil {
		return nil, err
	}
	base, project, err := projectPath(repoURL)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests", base, url.PathEscape(project))
	body, status, err := c.do(ctx, http.MethodPost, endpoint, token.Token, map[string]any{
		"source_branch":        sourceBranch,
		"target_branch":        targetBranch,
		"title":                title,
		"remove_source_branch": true,
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("got unexpected http %d status code opening a merge request: %s", status, body)
	}
	var created struct {
		IID    int    `json:"iid"`
		WebURL string `json:"web_url"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return nil, fmt.Errorf("could not parse the merge request response: %w", err)
	}
	return &git.MergeRequest{URL: created.WebURL, IID: created.IID, SourceBranch: sourceBranch}, nil
}

// CloseMergeRequest closes a merge request without merging it.
func (c *Client) CloseMergeRequest(ctx context.Context, repoURL string, iid int) error {
	token, err := c.token(repoURL)
	if err != nil {
		return err
	}
	base, project, err := projectPath(repoURL)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests/%d", base, url.PathEscape(project), iid)
	body, status, err := c.do(ctx, http.MethodPut, endpoint, token.Token, map[string]any{
		"state_event": "close",
	})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("got unexpected http %d status code closing merge request %d: %s", status, iid, body)
	}
	return nil
}
