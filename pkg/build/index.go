package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/artifact"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/git"
	"github.com/release-engineering/iib/pkg/konflux"
	"github.com/release-engineering/iib/pkg/registry"
)

const (
	// ocpVersionLabel names the OpenShift release an index image
	// serves.
	ocpVersionLabel = "com.redhat.index.delivery.version"
	// distributionScopeLabel carries the default distribution scope of
	// an index image.
	distributionScopeLabel = "com.redhat.index.delivery.distribution_scope"
)

// indexBuild normalizes the index-producing request types into the
// shared clone, mutate, publish and pipeline flow. Merge requests
// rebuild their target index, everything else rebuilds from_index.
type indexBuild struct {
	fromIndex         string
	binaryImage       string
	distributionScope api.DistributionScope
	addArches         []string
	buildTags         []string
	overwrite         bool
	// extraLabels travels with the committed build metadata.
	extraLabels map[string]string
	// recordResolved stores the pinned form of fromIndex under the
	// field name of the request type.
	recordResolved func(update *api.UpdateRequest, resolved string)
	// resolveExtra pins additional input images and stores them.
	resolveExtra func(ctx context.Context, update *api.UpdateRequest) error
	// mutate applies the catalog change to the staged workspace.
	mutate func(ctx context.Context, ws *workspace) error
	// validate runs after the mutation, before anything is published.
	validate func(ctx context.Context) error
}

// workspace is the on-disk staging area of one index build.
type workspace struct {
	root       string
	repoDir    string
	configsDir string
	indexDB    string
	repoURL    string
	branch     string
}

// resolution carries the image facts shared by the later phases.
type resolution struct {
	fromIndexResolved   string
	binaryImage         string
	binaryImageResolved string
	arches              []string
	distributionScope   api.DistributionScope
	versionLabel        string
}

// rollback captures the side effects an index build has published; on
// failure they are undone in reverse order.
type rollback struct {
	repoURL       string
	fromIndex     string
	restoreRef    string
	restoreDigest string
	mr            *git.MergeRequest
	commitPushed  bool
}

func (j *job) runIndexBuild(ctx context.Context, b *indexBuild) (string, error) {
	if err := j.phase(ctx, "Preparing the build workspace"); err != nil {
		return "", err
	}
	root, err := os.MkdirTemp(j.baseDir, fmt.Sprintf("iib-%d-", j.requestID))
	if err != nil {
		return "", fmt.Errorf("failed to create the build workspace: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(root); err != nil {
			j.log.WithError(err).Warning("Failed to remove the build workspace")
		}
	}()

	if err := j.phase(ctx, "Resolving the build images"); err != nil {
		return "", err
	}
	res, err := j.resolveIndexBuild(ctx, b)
	if err != nil {
		return "", err
	}

	ws, err := j.stageWorkspace(ctx, b, root)
	if err != nil {
		return "", err
	}

	if err := j.phase(ctx, "Updating the catalog"); err != nil {
		return "", err
	}
	if err := b.mutate(ctx, ws); err != nil {
		return "", err
	}

	if b.validate != nil {
		if err := j.phase(ctx, "Verifying the bundles"); err != nil {
			return "", err
		}
		if err := b.validate(ctx); err != nil {
			return "", err
		}
	}

	rb := &rollback{repoURL: ws.repoURL, fromIndex: b.fromIndex}
	if err := j.publishIndexDB(ctx, b, ws, rb); err != nil {
		j.compensate(rb)
		return "", err
	}
	if err := j.commitAndReplicate(ctx, b, ws, res, rb); err != nil {
		j.compensate(rb)
		return "", err
	}
	return completedReason, nil
}

// resolveIndexBuild pins the input images, fills in the defaults the
// request left open and records the results on the request.
func (j *job) resolveIndexBuild(ctx context.Context, b *indexBuild) (*resolution, error) {
	res := &resolution{distributionScope: b.distributionScope}
	update := &api.UpdateRequest{}
	if b.fromIndex != "" {
		resolved, err := j.images.Resolve(ctx, b.fromIndex)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve the index image %q: %w", b.fromIndex, err)
		}
		res.fromIndexResolved = resolved
		metadata, err := j.images.Inspect(ctx, resolved)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect the index image %q: %w", b.fromIndex, err)
		}
		res.arches = metadata.Architectures
		res.versionLabel = metadata.Labels[ocpVersionLabel]
		if res.distributionScope == "" {
			res.distributionScope = api.DistributionScope(metadata.Labels[distributionScopeLabel])
		}
		b.recordResolved(update, resolved)
	}
	if res.distributionScope == "" {
		res.distributionScope = api.ScopeProd
	}
	if len(b.addArches) > 0 {
		arches := sets.New[string](res.arches...)
		arches.Insert(b.addArches...)
		res.arches = sets.List(arches)
	}
	if len(res.arches) == 0 {
		return nil, fmt.Errorf("no architectures were requested and the index image reports none")
	}

	res.binaryImage = b.binaryImage
	if res.binaryImage == "" {
		res.binaryImage = j.cfg.BinaryImageFor(res.distributionScope, res.versionLabel)
	}
	if res.binaryImage == "" {
		return nil, fmt.Errorf("no binary image is configured for distribution scope %q and version %q",
			res.distributionScope, res.versionLabel)
	}
	binaryResolved, err := j.images.Resolve(ctx, res.binaryImage)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve the binary image %q: %w", res.binaryImage, err)
	}
	res.binaryImageResolved = binaryResolved

	update.Arches = res.arches
	update.BinaryImageResolved = &res.binaryImageResolved
	update.DistributionScope = &res.distributionScope
	if b.resolveExtra != nil {
		if err := b.resolveExtra(ctx, update); err != nil {
			return nil, err
		}
	}
	if err := j.update(update); err != nil {
		return nil, err
	}
	return res, nil
}

// stageWorkspace checks out the catalog branch of the index and pulls
// its index database next to it.
func (j *job) stageWorkspace(ctx context.Context, b *indexBuild, root string) (*workspace, error) {
	if err := j.phase(ctx, "Cloning the catalog repository"); err != nil {
		return nil, err
	}
	repoURL, err := j.git.RepoURL(b.fromIndex)
	if err != nil {
		return nil, err
	}
	branch, err := j.git.Branch(b.fromIndex)
	if err != nil {
		return nil, err
	}
	repoDir := filepath.Join(root, "catalog")
	if err := j.git.Clone(ctx, repoURL, branch, repoDir); err != nil {
		return nil, err
	}
	if err := j.git.ConfigureUser(ctx, repoDir); err != nil {
		return nil, err
	}
	configsDir := filepath.Join(repoDir, "configs")
	if _, err := os.Stat(configsDir); err != nil {
		return nil, fmt.Errorf("the catalog branch %s carries no configs directory: %w", branch, err)
	}

	if err := j.phase(ctx, "Fetching the index database"); err != nil {
		return nil, err
	}
	dbDir, err := j.artifacts.FetchIndexDB(ctx, b.fromIndex, root)
	if err != nil {
		return nil, err
	}
	indexDB, err := artifact.IndexDBPath(dbDir)
	if err != nil {
		return nil, err
	}
	return &workspace{
		root:       root,
		repoDir:    repoDir,
		configsDir: configsDir,
		indexDB:    indexDB,
		repoURL:    repoURL,
		branch:     branch,
	}, nil
}

// publishIndexDB pushes the rebuilt index database, first under the
// request-scoped tag and, for overwrite requests, under the branch tag
// after capturing the digest needed to restore it.
func (j *job) publishIndexDB(ctx context.Context, b *indexBuild, ws *workspace, rb *rollback) error {
	if err := j.phase(ctx, "Publishing the index database"); err != nil {
		return err
	}
	requestRef, err := artifact.RequestRef(j.cfg, b.fromIndex, j.requestID)
	if err != nil {
		return err
	}
	if err := j.artifacts.Push(ctx, requestRef, ws.indexDB, artifact.IndexDBMediaType, nil); err != nil {
		return err
	}
	if !b.overwrite {
		return nil
	}
	branchRef, err := artifact.Ref(j.cfg, b.fromIndex)
	if err != nil {
		return err
	}
	previous, err := j.artifacts.Digest(ctx, branchRef)
	if err != nil {
		// The first build of an index has no tag to restore.
		j.log.WithError(err).WithField("ref", branchRef).Warning("No previous index database digest was captured")
	} else {
		rb.restoreRef = branchRef
		rb.restoreDigest = previous
	}
	return j.artifacts.Push(ctx, branchRef, ws.indexDB, artifact.IndexDBMediaType, nil)
}

// commitAndReplicate lands the catalog change, follows the pipeline run
// it triggers and replicates the built image into the IIB registry.
func (j *job) commitAndReplicate(ctx context.Context, b *indexBuild, ws *workspace, res *resolution, rb *rollback) error {
	if err := j.phase(ctx, "Committing the catalog changes"); err != nil {
		return err
	}
	opmVersion, err := j.opm.Version(ctx)
	if err != nil {
		j.log.WithError(err).Warning("Failed to read the opm version for the build metadata")
	}
	labels := map[string]string{
		"version":            ws.branch,
		"distribution_scope": string(res.distributionScope),
	}
	for key, value := range b.extraLabels {
		labels[key] = value
	}
	if err := writeBuildMetadata(ws.repoDir, buildMetadata{
		OpmVersion:  opmVersion,
		Labels:      labels,
		BinaryImage: res.binaryImage,
		RequestID:   j.requestID,
		Arches:      res.arches,
	}); err != nil {
		return err
	}

	if b.overwrite {
		if err := j.git.CommitAndPush(ctx, j.requestID, ws.repoDir, ws.repoURL, ws.branch, git.CommitMessage(j.requestID)); err != nil {
			return err
		}
		rb.commitPushed = true
	} else {
		message := fmt.Sprintf("IIB: Update for request id %d", j.requestID)
		mr, err := j.git.CreateMR(ctx, j.requestID, ws.repoDir, ws.repoURL, ws.branch, message)
		if err != nil {
			return err
		}
		rb.mr = mr
	}
	commitSHA, err := j.git.LastCommitSHA(ctx, ws.repoDir)
	if err != nil {
		return err
	}

	if err := j.phase(ctx, "Waiting for the pipeline build"); err != nil {
		return err
	}
	run, err := j.waitForPipeline(ctx, commitSHA)
	if err != nil {
		return err
	}

	if err := j.phase(ctx, "Publishing the index image"); err != nil {
		return err
	}
	if err := j.replicate(ctx, b, run); err != nil {
		return err
	}

	// A throw-away merge request served its purpose once the image is
	// replicated.
	if rb.mr != nil {
		if err := j.git.CloseMR(j.stateCtx, rb.mr, ws.repoURL); err != nil {
			j.log.WithError(err).Warning("Failed to close the merge request after the build")
		}
		rb.mr = nil
	}
	return nil
}

func (j *job) waitForPipeline(ctx context.Context, commitSHA string) (*tektonv1.PipelineRun, error) {
	pipelines, err := j.pipelines()
	if err != nil {
		return nil, err
	}
	runs, err := pipelines.FindPipelineRun(ctx, commitSHA)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no pipeline run was created for commit %s", commitSHA)
	}
	name := runs[0].Name
	j.log.WithField("pipelinerun", name).Info("Following the pipeline run")
	return pipelines.WaitForPipelineCompletion(ctx, name, j.cfg.Konflux.PipelineTimeout())
}

// replicate copies the image the pipeline built into the IIB registry
// under the request id tag plus every requested build tag, then records
// the resulting pullspecs on the request. Pipelines that report one
// image per architecture are stitched into a manifest list instead.
func (j *job) replicate(ctx context.Context, b *indexBuild, run *tektonv1.PipelineRun) error {
	imageURL, err := konflux.GetPipelineRunImageURL(run.Name, run)
	if err != nil {
		return err
	}
	internalRef := config.ExpandTemplate(j.cfg.ImagePushTemplate, map[string]string{
		"registry":   j.cfg.Registry,
		"request_id": strconv.FormatInt(j.requestID, 10),
	})
	repo, err := registry.Repository(internalRef)
	if err != nil {
		return err
	}
	archImages := konflux.GetPipelineRunArchImageURLs(run)
	tags := sets.New[string](strconv.FormatInt(j.requestID, 10))
	tags.Insert(b.buildTags...)
	for _, tag := range sets.List(tags) {
		dst := repo + ":" + tag
		if len(archImages) > 0 {
			entries := make([]registry.ManifestListEntry, 0, len(archImages))
			for _, arch := range sets.List(sets.KeySet(archImages)) {
				entries = append(entries, registry.ManifestListEntry{Image: archImages[arch], Architecture: arch})
			}
			if err := j.manifests.PushManifestList(dst, entries); err != nil {
				return fmt.Errorf("failed to push the manifest list %q: %w", dst, err)
			}
		} else if err := j.images.CopyAllManifests(ctx, imageURL, dst); err != nil {
			return fmt.Errorf("failed to replicate the index image to %q: %w", dst, err)
		}
	}

	digest, err := j.images.ResolveDigest(ctx, internalRef)
	if err != nil {
		return fmt.Errorf("failed to resolve the replicated index image: %w", err)
	}
	internalResolved := repo + "@" + digest
	indexImage := internalRef
	indexImageResolved := internalResolved
	if b.overwrite {
		// Overwrite requests report the index they refreshed.
		indexImage = b.fromIndex
		fromRepo, err := registry.Repository(b.fromIndex)
		if err != nil {
			return err
		}
		indexImageResolved = fromRepo + "@" + digest
	}
	return j.update(&api.UpdateRequest{
		IndexImage:                     &indexImage,
		IndexImageResolved:             &indexImageResolved,
		InternalIndexImageCopy:         &internalRef,
		InternalIndexImageCopyResolved: &internalResolved,
	})
}

// compensate undoes the published side effects of a failed build, in
// reverse publish order. Every step is best effort; a compensation
// error is logged and never shadows the failure that triggered it.
func (j *job) compensate(rb *rollback) {
	if rb.mr != nil {
		if err := j.git.CloseMR(j.stateCtx, rb.mr, rb.repoURL); err != nil {
			j.log.WithError(err).Error("Failed to close the merge request while rolling back")
		}
	} else if rb.commitPushed {
		if err := j.git.RevertLastCommit(j.stateCtx, j.requestID, rb.fromIndex); err != nil {
			j.log.WithError(err).Error("Failed to revert the catalog commit while rolling back")
		}
	}
	if rb.restoreRef == "" || rb.restoreDigest == "" {
		return
	}
	repo, err := registry.Repository(rb.restoreRef)
	if err != nil {
		j.log.WithError(err).Error("Failed to parse the index database ref while rolling back")
		return
	}
	if err := j.artifacts.Copy(j.stateCtx, repo+"@"+rb.restoreDigest, rb.restoreRef); err != nil {
		j.log.WithError(err).Error("Failed to restore the index database tag while rolling back")
	}
}
