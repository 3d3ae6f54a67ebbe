// Package git mutates the catalog repositories that back the index
// images. Clones are shallow and single-branch; pushes either land
// directly on the index branch or travel through a merge request.
package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	gogittransport "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	gogit "github.com/go-git/go-git/v5"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/registry"
)

// MergeRequest identifies an open merge request so it can be closed
// later.
type MergeRequest struct {
	URL          string `json:"mr_url"`
	IID          int    `json:"mr_iid"`
	SourceBranch string `json:"source_branch"`
}

// MergeRequestClient opens and closes merge requests on the git
// server.
type MergeRequestClient interface {
	CreateMergeRequest(ctx context.Context, repoURL, sourceBranch, targetBranch, title string) (*MergeRequest, error)
	CloseMergeRequest(ctx context.Context, repoURL string, iid int) error
}

// Driver runs the git operations of a build.
type Driver struct {
	cfg           *config.Config
	mergeRequests MergeRequestClient
	log           *logrus.Entry

	// lsRemote is swappable so branch checks can be faked in tests.
	lsRemote func(ctx context.Context, repoURL string, auth *gogittransport.BasicAuth) ([]*plumbing.Reference, error)
}

func NewDriver(cfg *config.Config, mergeRequests MergeRequestClient) *Driver {
	return &Driver{
		cfg:           cfg,
		mergeRequests: mergeRequests,
		log:           logrus.WithField("component", "git"),
		lsRemote:      listRemoteRefs,
	}
}

func listRemoteRefs(ctx context.Context, repoURL string, auth *gogittransport.BasicAuth) ([]*plumbing.Reference, error) {
	remote := gogit.NewRemote(memory.NewStorage(), &gogitconfig.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	return remote.ListContext(ctx, &gogit.ListOptions{Auth: auth})
}

// RepoURL maps an index pullspec to the git repository holding its
// catalog.
func (d *Driver) RepoURL(fromIndex string) (string, error) {
	repository, err := registry.Repository(fromIndex)
	if err != nil {
		return "", err
	}
	repoURL, ok := d.cfg.IndexToGitlabPushMap[repository]
	if !ok {
		return "", api.ConfigErrorf("No git repository is configured for %q", repository)
	}
	return repoURL, nil
}

// Branch returns the branch holding the index's catalog, which is the
// tag portion of the index pullspec.
func (d *Driver) Branch(fromIndex string) (string, error) {
	return registry.Tag(fromIndex)
}

func (d *Driver) credentials(repoURL string) (config.GitLabToken, error) {
	token, ok := d.cfg.GitlabTokensMap[repoURL]
	if !ok || token.Token == "" {
		return config.GitLabToken{}, api.ConfigErrorf("No git credentials are configured for %q", repoURL)
	}
	return token, nil
}

// authURL embeds the credentials inline so one-shot commands need no
// credential helper.
func authURL(repoURL string, token config.GitLabToken) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse the git URL %q: %w", repoURL, err)
	}
	parsed.User = url.UserPassword(token.Username, token.Token)
	return parsed.String(), nil
}

// redact masks every configured token, keeping them out of logs and
// error chains.
func (d *Driver) redact(s string) string {
	for _, token := range d.cfg.GitlabTokensMap {
		if token.Token != "" {
			s = strings.ReplaceAll(s, token.Token, "*****")
		}
	}
	return s
}

func (d *Driver) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("'git %s' failed with out: %s and error %v",
			d.redact(strings.Join(args, " ")), d.redact(string(output)), err)
	}
	return strings.TrimSpace(string(output)), nil
}

// BranchExists checks the remote for the branch without cloning.
func (d *Driver) BranchExists(ctx context.Context, repoURL, branch string) (bool, error) {
	token, err := d.credentials(repoURL)
	if err != nil {
		return false, err
	}
	refs, err := d.lsRemote(ctx, repoURL, &gogittransport.BasicAuth{Username: token.Username, Password: token.Token})
	if err != nil {
		return false, fmt.Errorf("failed to list the branches of %q: %w", repoURL, err)
	}
	target := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == target {
			return true, nil
		}
	}
	return false, nil
}

// Clone performs a depth-1 single-branch clone of branch into dest and
// verifies the checkout carries a configs directory.
func (d *Driver) Clone(ctx context.Context, repoURL, branch, dest string) error {
	if err := d.clone(ctx, repoURL, branch, dest, 1); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dest, "configs")); err != nil {
		return fmt.Errorf("the %s branch of %s has no configs directory", branch, repoURL)
	}
	return nil
}

func (d *Driver) clone(ctx context.Context, repoURL, branch, dest string, depth int) error {
	exists, err := d.BranchExists(ctx, repoURL, branch)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("the branch %s does not exist in %s", branch, repoURL)
	}
	token, err := d.credentials(repoURL)
	if err != nil {
		return err
	}
	authed, err := authURL(repoURL, token)
	if err != nil {
		return err
	}
	if _, err := d.run(ctx, "", "clone", "--depth", fmt.Sprint(depth), "--single-branch", "--branch", branch, authed, dest); err != nil {
		return err
	}
	sha, err := d.LastCommitSHA(ctx, dest)
	if err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"branch": branch, "commit": sha}).Info("Cloned the catalog repository")
	return nil
}

// ConfigureUser sets the local commit identity of the checkout.
func (d *Driver) ConfigureUser(ctx context.Context, dest string) error {
	if _, err := d.run(ctx, dest, "config", "user.name", d.cfg.GitUser); err != nil {
		return err
	}
	_, err := d.run(ctx, dest, "config", "user.email", d.cfg.GitEmail)
	return err
}

// CommitMessage is the default message of a direct catalog commit.
func CommitMessage(requestID int64) string {
	return fmt.Sprintf("IIB: Update for request id %d (overwrite_from_index)", requestID)
}

func (d *Driver) commitAll(ctx context.Context, dest, message string) error {
	if _, err := d.run(ctx, dest, "add", "--all"); err != nil {
		return err
	}
	_, err := d.run(ctx, dest, "commit", "-m", message)
	return err
}

// CommitAndPush stages everything, commits, and pushes directly onto
// branch.
func (d *Driver) CommitAndPush(ctx context.Context, requestID int64, dest, repoURL, branch, message string) error {
	if message == "" {
		message = CommitMessage(requestID)
	}
	if err := d.commitAll(ctx, dest, message); err != nil {
		return err
	}
	if _, err := d.run(ctx, dest, "push", "origin", "HEAD:"+branch); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"request": requestID, "repo": repoURL, "branch": branch}).Info("Pushed the catalog update")
	return nil
}

// CreateMR commits onto a throw-away feature branch, pushes it, and
// opens a merge request against branch.
func (d *Driver) CreateMR(ctx context.Context, requestID int64, dest, repoURL, branch, message string) (*MergeRequest, error) {
	if d.mergeRequests == nil {
		return nil, api.ConfigErrorf("No merge request client is configured for %q", repoURL)
	}
	if message == "" {
		message = CommitMessage(requestID)
	}
	sourceBranch := fmt.Sprintf("iib-%d-%s", requestID, uuid.NewString()[:8])
	if _, err := d.run(ctx, dest, "checkout", "-b", sourceBranch); err != nil {
		return nil, err
	}
	if err := d.commitAll(ctx, dest, message); err != nil {
		return nil, err
	}
	if _, err := d.run(ctx, dest, "push", "origin", "HEAD:"+sourceBranch); err != nil {
		return nil, err
	}
	mr, err := d.mergeRequests.CreateMergeRequest(ctx, repoURL, sourceBranch, branch, message)
	if err != nil {
		return nil, err
	}
	mr.SourceBranch = sourceBranch
	d.log.WithFields(logrus.Fields{"request": requestID, "mr": mr.URL}).Info("Opened a merge request")
	return mr, nil
}

// CloseMR closes a merge request without merging it.
func (d *Driver) CloseMR(ctx context.Context, mr *MergeRequest, repoURL string) error {
	if d.mergeRequests == nil {
		return api.ConfigErrorf("No merge request client is configured for %q", repoURL)
	}
	return d.mergeRequests.CloseMergeRequest(ctx, repoURL, mr.IID)
}

// RevertLastCommit discards the newest commit on the index branch with
// a fresh clone and a force-push.
func (d *Driver) RevertLastCommit(ctx context.Context, requestID int64, fromIndex string) error {
	repoURL, err := d.RepoURL(fromIndex)
	if err != nil {
		return err
	}
	branch, err := d.Branch(fromIndex)
	if err != nil {
		return err
	}
	dest, err := os.MkdirTemp("", "iib-revert-")
	if err != nil {
		return fmt.Errorf("failed to create the revert workspace: %w", err)
	}
	defer os.RemoveAll(dest)

	// The reset needs the parent of HEAD, so this clone cannot be
	// depth 1.
	if err := d.clone(ctx, repoURL, branch, dest, 2); err != nil {
		return err
	}
	if err := d.ConfigureUser(ctx, dest); err != nil {
		return err
	}
	if _, err := d.run(ctx, dest, "reset", "--hard", "HEAD~1"); err != nil {
		return err
	}
	if _, err := d.run(ctx, dest, "push", "--force", "origin", "HEAD:"+branch); err != nil {
		return err
	}
	d.log.WithFields(logrus.Fields{"request": requestID, "branch": branch}).Info("Reverted the catalog commit")
	return nil
}

// LastCommitSHA returns the checkout's HEAD commit.
func (d *Driver) LastCommitSHA(ctx context.Context, dest string) (string, error) {
	return d.run(ctx, dest, "rev-parse", "HEAD")
}
