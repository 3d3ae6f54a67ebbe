// Package konflux finds and monitors the remote pipeline runs that
// build index images from the catalog repositories.
package konflux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

// CommitLabel is the label Pipelines as Code stamps on every pipeline
// run with the commit that triggered it.
const CommitLabel = "pipelinesascode.tekton.dev/sha"

// imageURLResult names the pipeline result carrying the built image
// pullspec.
const imageURLResult = "IMAGE_URL"

const (
	defaultPollInterval  = 30 * time.Second
	defaultFindBaseDelay = 5 * time.Second
)

// Client is a handle on the pipeline cluster. Construct it through
// NewClient, which caches a single instance for the process.
type Client struct {
	cfg    *config.Config
	client ctrlruntimeclient.Client
	log    *logrus.Entry

	pollInterval  time.Duration
	findBaseDelay time.Duration
}

var (
	clientOnce   sync.Once
	cachedClient *Client
	cachedErr    error
)

// NewClient returns the process-wide pipeline client, constructing it
// on first use.
func NewClient(cfg *config.Config, log *logrus.Entry) (*Client, error) {
	clientOnce.Do(func() {
		cachedClient, cachedErr = newClient(cfg, log)
	})
	return cachedClient, cachedErr
}

func newClient(cfg *config.Config, log *logrus.Entry) (*Client, error) {
	if cfg.Konflux.ClusterURL == "" || cfg.Konflux.ClusterToken == "" {
		return nil, api.ConfigErrorf("The Konflux cluster access is not configured")
	}
	restConfig := &rest.Config{
		Host:        cfg.Konflux.ClusterURL,
		BearerToken: cfg.Konflux.ClusterToken,
	}
	if cfg.Konflux.ClusterCACert != "" {
		caFile, err := caCertFile(cfg.Konflux.ClusterCACert)
		if err != nil {
			return nil, err
		}
		restConfig.TLSClientConfig = rest.TLSClientConfig{CAFile: caFile}
	}
	scheme := runtime.NewScheme()
	if err := tektonv1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to register the pipeline types: %w", err)
	}
	client, err := ctrlruntimeclient.New(restConfig, ctrlruntimeclient.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to construct the pipeline cluster client: %w", err)
	}
	return &Client{
		cfg:           cfg,
		client:        client,
		log:           log,
		pollInterval:  defaultPollInterval,
		findBaseDelay: defaultFindBaseDelay,
	}, nil
}

// caCertFile returns a path to the cluster CA bundle. The configured
// value is either already a path or an inline PEM block, which is
// written to a temp file the first time the client is constructed.
func caCertFile(caCert string) (string, error) {
	if !strings.Contains(caCert, "-----BEGIN CERTIFICATE-----") {
		if _, err := os.Stat(caCert); err != nil {
			return "", api.ConfigErrorf("The Konflux CA certificate is neither a readable file nor a PEM block")
		}
		return caCert, nil
	}
	caFile, err := os.CreateTemp("", "konflux-ca-*.crt")
	if err != nil {
		return "", fmt.Errorf("failed to create a file for the Konflux CA certificate: %w", err)
	}
	defer caFile.Close()
	if _, err := caFile.WriteString(caCert); err != nil {
		return "", fmt.Errorf("failed to write the Konflux CA certificate: %w", err)
	}
	return caFile.Name(), nil
}

// FindPipelineRun lists the pipeline runs labeled with commitSHA.
// Pipelines as Code creates the run asynchronously after the push, so
// an empty list is retried with exponential backoff; any other list
// outcome is final.
func (c *Client) FindPipelineRun(ctx context.Context, commitSHA string) ([]tektonv1.PipelineRun, error) {
	backoff := wait.Backoff{
		Duration: c.findBaseDelay,
		Factor:   c.cfg.RetryMultiplier,
		Steps:    c.cfg.TotalAttempts,
	}
	var runs []tektonv1.PipelineRun
	err := wait.ExponentialBackoff(backoff, func() (bool, error) {
		list := &tektonv1.PipelineRunList{}
		if err := c.client.List(ctx, list,
			ctrlruntimeclient.InNamespace(c.cfg.Konflux.Namespace),
			ctrlruntimeclient.MatchingLabels{CommitLabel: commitSHA},
		); err != nil {
			return false, fmt.Errorf("failed to list pipeline runs for commit %s: %w", commitSHA, err)
		}
		if len(list.Items) == 0 {
			c.log.WithField("commit", commitSHA).Debug("No pipeline run for the commit yet, retrying")
			return false, nil
		}
		runs = list.Items
		return true, nil
	})
	if errors.Is(err, wait.ErrWaitTimeout) {
		return nil, fmt.Errorf("no pipeline run appeared for commit %s", commitSHA)
	}
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// WaitForPipelineCompletion polls the named pipeline run until its
// first condition is terminal or the timeout elapses.
func (c *Client) WaitForPipelineCompletion(ctx context.Context, name string, timeout time.Duration) (*tektonv1.PipelineRun, error) {
	var run *tektonv1.PipelineRun
	var terminalErr error
	err := wait.PollImmediate(c.pollInterval, timeout, func() (bool, error) {
		current := &tektonv1.PipelineRun{}
		key := ctrlruntimeclient.ObjectKey{Namespace: c.cfg.Konflux.Namespace, Name: name}
		if err := c.client.Get(ctx, key, current); err != nil {
			return false, fmt.Errorf("failed to get pipeline run %s: %w", name, err)
		}
		if len(current.Status.Conditions) == 0 {
			return false, nil
		}
		condition := current.Status.Conditions[0]
		switch {
		case condition.Reason == "Succeeded" || condition.Reason == "Completed":
			run = current
			return true, nil
		case condition.Reason == "Cancelled":
			terminalErr = fmt.Errorf("the pipeline run %s was cancelled", name)
			return true, nil
		case condition.Reason == "Failed" || condition.Reason == "PipelineRunTimeout" || condition.Reason == "CreateRunFailed":
			terminalErr = fmt.Errorf("the pipeline run %s failed with reason %s", name, condition.Reason)
			return true, nil
		case condition.Status == "False":
			terminalErr = fmt.Errorf("the pipeline run %s failed: %s", name, condition.Message)
			return true, nil
		default:
			c.log.WithFields(logrus.Fields{
				"pipelinerun": name,
				"reason":      condition.Reason,
			}).Debug("The pipeline run is still running")
			return false, nil
		}
	})
	if errors.Is(err, wait.ErrWaitTimeout) {
		return nil, fmt.Errorf("the pipeline run %s did not complete within %s", name, timeout)
	}
	if err != nil {
		return nil, err
	}
	if terminalErr != nil {
		return nil, terminalErr
	}
	return run, nil
}

// GetPipelineRunImageURL extracts the pullspec of the image the
// pipeline run built.
func GetPipelineRunImageURL(name string, run *tektonv1.PipelineRun) (string, error) {
	for _, result := range run.Status.Results {
		if result.Name == imageURLResult {
			return strings.TrimSpace(result.Value.StringVal), nil
		}
	}
	return "", fmt.Errorf("the pipeline run %s reports no %s result", name, imageURLResult)
}

// GetPipelineRunArchImageURLs extracts the per-architecture image
// pullspecs of a pipeline run that builds one image per platform,
// reported as IMAGE_URL_<ARCH> results. The keys are lowercased
// architecture names; an empty map means the run built a single
// multi-arch image.
func GetPipelineRunArchImageURLs(run *tektonv1.PipelineRun) map[string]string {
	images := map[string]string{}
	for _, result := range run.Status.Results {
		arch, ok := strings.CutPrefix(result.Name, imageURLResult+"_")
		if !ok || arch == "" {
			continue
		}
		image := strings.TrimSpace(result.Value.StringVal)
		if image == "" {
			continue
		}
		images[strings.ToLower(arch)] = image
	}
	return images
}
