// Package build runs accepted build requests to completion. An index
// build stages a workspace, rewrites the catalog repository together
// with its index database, publishes the change for the Konflux
// pipeline and replicates the image the pipeline produced. When a late
// phase fails, the pieces already published are undone before the
// request is failed.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/git"
	"github.com/release-engineering/iib/pkg/logs"
	"github.com/release-engineering/iib/pkg/metrics"
	"github.com/release-engineering/iib/pkg/registry"
)

// Store is the slice of the request store the driver writes through.
// The workers share the store with the web plane, so every write obeys
// the same transition and field rules the PATCH endpoint enforces.
type Store interface {
	AddState(ctx context.Context, requestID int64, state api.StateName, reason string) error
	UpdateRequest(ctx context.Context, requestID int64, update *api.UpdateRequest) error
	GetBuild(ctx context.Context, requestID int64, verbose bool) (api.BuildDocument, error)
	GetBatchDocument(ctx context.Context, batchID int64) (*api.BatchDocument, error)
}

// StatePublisher announces state changes on the message bus. Publishing
// never fails a build.
type StatePublisher interface {
	PublishStateChange(ctx context.Context, request json.RawMessage, batch *api.BatchDocument, newBatch bool)
}

// ImageClient is the slice of the registry client the driver uses.
type ImageClient interface {
	Inspect(ctx context.Context, pullspec string) (*registry.ImageMetadata, error)
	Resolve(ctx context.Context, pullspec string) (string, error)
	ResolveDigest(ctx context.Context, pullspec string) (string, error)
	CopyAllManifests(ctx context.Context, src, dst string) error
	RelatedImages(ctx context.Context, pullspec string) ([]string, error)
	ExtractConfigs(ctx context.Context, pullspec, dest string) error
	RewriteBundle(ctx context.Context, src, dst string, replacements map[string]string) (string, error)
}

// ArtifactStore reads and writes index database artifacts.
type ArtifactStore interface {
	FetchIndexDB(ctx context.Context, fromIndex, baseDir string) (string, error)
	Push(ctx context.Context, ref, localPath, mediaType string, annotations map[string]string) error
	Digest(ctx context.Context, ref string) (string, error)
	Copy(ctx context.Context, src, dst string) error
}

// GitClient mutates the catalog repositories.
type GitClient interface {
	RepoURL(fromIndex string) (string, error)
	Branch(fromIndex string) (string, error)
	Clone(ctx context.Context, repoURL, branch, dest string) error
	ConfigureUser(ctx context.Context, dest string) error
	CommitAndPush(ctx context.Context, requestID int64, dest, repoURL, branch, message string) error
	CreateMR(ctx context.Context, requestID int64, dest, repoURL, branch, message string) (*git.MergeRequest, error)
	CloseMR(ctx context.Context, mr *git.MergeRequest, repoURL string) error
	RevertLastCommit(ctx context.Context, requestID int64, fromIndex string) error
	LastCommitSHA(ctx context.Context, dest string) (string, error)
}

// PipelineClient follows the pipeline runs the catalog commits trigger.
type PipelineClient interface {
	FindPipelineRun(ctx context.Context, commitSHA string) ([]tektonv1.PipelineRun, error)
	WaitForPipelineCompletion(ctx context.Context, name string, timeout time.Duration) (*tektonv1.PipelineRun, error)
}

// PipelineFactory defers pipeline client construction to first use so
// the server comes up without a connection to the pipeline cluster.
type PipelineFactory func() (PipelineClient, error)

// Dependencies collects the collaborators of a Driver.
type Dependencies struct {
	Store     Store
	Logs      *logs.Store
	Publisher StatePublisher
	Images    ImageClient
	Artifacts ArtifactStore
	Git       GitClient
	Pipelines PipelineFactory
	Manifests registry.ManifestListPusher
	Opm       Opm
	Metrics   *metrics.Metrics
}

// Driver executes build requests.
type Driver struct {
	cfg       *config.Config
	store     Store
	logs      *logs.Store
	publisher StatePublisher
	images    ImageClient
	artifacts ArtifactStore
	git       GitClient
	pipelines PipelineFactory
	manifests registry.ManifestListPusher
	opm       Opm
	metrics   *metrics.Metrics
	log       *logrus.Entry

	// baseDir hosts the per-request workspaces.
	baseDir string
}

// NewDriver returns a Driver staging its workspaces under the system
// temp directory.
func NewDriver(cfg *config.Config, deps Dependencies, log *logrus.Entry) *Driver {
	return &Driver{
		cfg:       cfg,
		store:     deps.Store,
		logs:      deps.Logs,
		publisher: deps.Publisher,
		images:    deps.Images,
		artifacts: deps.Artifacts,
		git:       deps.Git,
		pipelines: deps.Pipelines,
		manifests: deps.Manifests,
		opm:       deps.Opm,
		metrics:   deps.Metrics,
		log:       log,
		baseDir:   os.TempDir(),
	}
}

// completedReason is the terminal reason of a successful request.
const completedReason = "The request completed successfully"

// HandleRequest is the body of a dispatched queue task. It never
// returns an error; failures land in the request's terminal state and
// its logs.
func (d *Driver) HandleRequest(ctx context.Context, requestID int64, payload api.Payload) {
	log := d.log.WithField("request_id", requestID)
	started := time.Now()
	if err := d.logs.StartCapture(requestID); err != nil {
		log.WithError(err).Warning("Failed to open the request logfile")
	}
	// Terminal transitions, compensation and log archiving must land
	// even when the request deadline has expired.
	stateCtx := context.WithoutCancel(ctx)
	defer d.logs.StopCapture(stateCtx, requestID)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout())
	defer cancel()

	j := &job{
		Driver:      d,
		log:         log,
		requestID:   requestID,
		requestType: payload.Type(),
		stateCtx:    stateCtx,
	}
	log.WithField("type", payload.Type()).Info("Starting the build request")

	state := api.StateComplete
	reason, err := j.run(ctx, payload)
	if err != nil {
		state = api.StateFailed
		reason = err.Error()
		log.WithError(err).Error("The build request failed")
	}
	if stateErr := j.setState(state, reason); stateErr != nil {
		log.WithError(stateErr).Error("Failed to record the terminal request state")
	}
	d.metrics.ObserveBuildDuration(string(payload.Type()), string(state), time.Since(started))
}

func (j *job) run(ctx context.Context, payload api.Payload) (string, error) {
	switch p := payload.(type) {
	case *api.AddRequest:
		return j.runAdd(ctx, p)
	case *api.RmRequest:
		return j.runRm(ctx, p)
	case *api.MergeIndexImageRequest:
		return j.runMergeIndexImage(ctx, p)
	case *api.CreateEmptyIndexRequest:
		return j.runCreateEmptyIndex(ctx, p)
	case *api.FbcOperationsRequest:
		return j.runFbcOperations(ctx, p)
	case *api.AddDeprecationsRequest:
		return j.runAddDeprecations(ctx, p)
	case *api.RegenerateBundleRequest:
		return j.runRegenerateBundle(ctx, p)
	case *api.RecursiveRelatedBundlesRequest:
		return j.runRecursiveRelatedBundles(ctx, p)
	default:
		return "", fmt.Errorf("the request type %q has no build handler", payload.Type())
	}
}

// job is the per-request execution context.
type job struct {
	*Driver
	log         *logrus.Entry
	requestID   int64
	requestType api.RequestType
	// stateCtx outlives the request deadline.
	stateCtx context.Context
}

// setState records a transition and announces it on the message bus.
func (j *job) setState(state api.StateName, reason string) error {
	if err := j.store.AddState(j.stateCtx, j.requestID, state, reason); err != nil {
		return fmt.Errorf("failed to record the %s state: %w", state, err)
	}
	j.metrics.RecordStateTransition(string(j.requestType), string(state))
	j.announce()
	return nil
}

// phase opens the next build phase. It refuses to start a phase once
// the request deadline has expired and records the phase reason as an
// in_progress update so clients can follow the build.
func (j *job) phase(ctx context.Context, reason string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("the build was interrupted: %w", err)
	}
	j.log.Info(reason)
	return j.setState(api.StateInProgress, reason)
}

func (j *job) update(update *api.UpdateRequest) error {
	if err := j.store.UpdateRequest(j.stateCtx, j.requestID, update); err != nil {
		return fmt.Errorf("failed to record the build details: %w", err)
	}
	return nil
}

// announce publishes the current request document, plus the batch
// summary when the batch reached a terminal state. Failures are logged
// and swallowed; messaging never fails a build.
func (j *job) announce() {
	doc, err := j.store.GetBuild(j.stateCtx, j.requestID, false)
	if err != nil {
		j.log.WithError(err).Error("Failed to load the request for the state change message")
		return
	}
	body, err := json.Marshal(j.logs.Decorate(j.cfg.ServerURL, doc))
	if err != nil {
		j.log.WithError(err).Error("Failed to serialize the request for the state change message")
		return
	}
	batch, err := j.store.GetBatchDocument(j.stateCtx, doc.Envelope().Batch)
	if err != nil {
		j.log.WithError(err).Error("Failed to load the batch for the state change message")
		return
	}
	j.publisher.PublishStateChange(j.stateCtx, body, batch, false)
}
