// Package config loads and validates the server configuration. One
// yaml file configures both planes: the HTTP API and the worker pool
// that executes builds.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/yaml"

	"github.com/release-engineering/iib/pkg/api"
)

const (
	// DefaultQueueName receives every request not routed by
	// iib_user_to_queue.
	DefaultQueueName = "iib"

	// SerialQueuePrefix and ParallelQueuePrefix scope a
	// iib_user_to_queue key to one scheduling class.
	SerialQueuePrefix   = "SERIAL:"
	ParallelQueuePrefix = "PARALLEL:"
)

// GreenwaveParams gates dispatch to one queue on a Greenwave policy
// decision.
type GreenwaveParams struct {
	DecisionContext string `json:"decision_context"`
	ProductVersion  string `json:"product_version"`
	SubjectType     string `json:"subject_type"`
}

// Messaging configures the AMQP notification bus.
type Messaging struct {
	// URLs are tried in order; mid-operation connection failures move
	// on to the next URL.
	URLs []string `json:"urls"`
	// CAFile, CertFile and KeyFile configure mutual TLS towards the
	// broker.
	CAFile   string `json:"ca"`
	CertFile string `json:"cert"`
	KeyFile  string `json:"key"`
	// Durable marks published messages as durable.
	Durable bool `json:"durable"`
	// TimeoutSeconds bounds each connection attempt and send.
	TimeoutSeconds int `json:"timeout"`
	// BatchStateDestination and BuildStateDestination are the topic
	// URIs state envelopes are published to.
	BatchStateDestination string `json:"batch_state_destination"`
	BuildStateDestination string `json:"build_state_destination"`
}

// Timeout returns the per-operation messaging timeout.
func (m *Messaging) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Enabled reports whether the bus is configured at all. An unset bus
// turns every publish into a no-op.
func (m *Messaging) Enabled() bool {
	return len(m.URLs) > 0
}

// Konflux configures the remote pipeline cluster.
type Konflux struct {
	ClusterURL string `json:"cluster_url"`
	// ClusterToken is the bearer token. Never logged.
	ClusterToken string `json:"cluster_token"`
	// ClusterCACert is either a path to a PEM file or the inline PEM
	// itself.
	ClusterCACert string `json:"cluster_ca_cert"`
	Namespace     string `json:"namespace"`
	// PipelineTimeoutSeconds bounds the wait for one pipeline run.
	PipelineTimeoutSeconds int `json:"pipeline_timeout"`
}

// PipelineTimeout returns the pipeline completion deadline.
func (k *Konflux) PipelineTimeout() time.Duration {
	return time.Duration(k.PipelineTimeoutSeconds) * time.Second
}

// GitLabToken is the credential pair for one git host.
type GitLabToken struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// Config is the full server configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `json:"iib_listen_addr"`
	// ServerURL is the externally reachable base URL, used to build
	// the logs and related-bundle links embedded in responses.
	ServerURL string `json:"iib_server_url"`
	LogLevel  string `json:"iib_log_level"`
	// LogFormat is text or json.
	LogFormat string `json:"iib_log_format"`
	// DatabaseURI is a Postgres connection string.
	DatabaseURI string `json:"iib_database_uri"`

	// PrincipalHeader names the header carrying the authenticated
	// user, injected by the fronting proxy.
	PrincipalHeader string `json:"iib_principal_header"`
	// AllowAnonymousWrites skips the 401 on write endpoints; meant for
	// development configs only.
	AllowAnonymousWrites bool     `json:"iib_allow_anonymous_writes"`
	PrivilegedUsernames  []string `json:"iib_privileged_usernames"`
	// WorkerUsernames may PATCH build requests. Empty permits any
	// authenticated principal, for single-host deployments where the
	// worker plane runs in process.
	WorkerUsernames []string `json:"iib_worker_usernames"`

	MaxPerPage int `json:"iib_max_per_page"`

	// UserToQueue routes a submitting user to a worker queue. Keys are
	// plain users or users scoped by SERIAL:/PARALLEL:.
	UserToQueue  map[string]string `json:"iib_user_to_queue"`
	DefaultQueue string            `json:"iib_default_queue"`
	WorkerCount  int               `json:"iib_worker_count"`
	// QueueBacklog bounds the number of queued tasks per named queue;
	// enqueueing past it is a scheduling failure.
	QueueBacklog int `json:"iib_queue_backlog"`

	// BinaryImageConfig maps distribution scope to ocp-version label
	// to binary image pull spec. Outer keys must be prod, stage or
	// dev.
	BinaryImageConfig map[string]map[string]string `json:"iib_binary_image_config"`
	// GreenwaveConfig gates dispatch per queue name.
	GreenwaveConfig         map[string]GreenwaveParams `json:"iib_greenwave_config"`
	ForceOverwriteFromIndex bool                       `json:"iib_force_overwrite_from_index"`

	RequestDataDaysToLive int `json:"iib_request_data_days_to_live"`
	// RequestLogsDir holds per-request log files; empty disables the
	// logs endpoint unless S3 archiving is configured.
	RequestLogsDir           string `json:"iib_request_logs_dir"`
	RequestLogsDaysToLive    int    `json:"iib_request_logs_days_to_live"`
	RequestRelatedBundlesDir string `json:"iib_request_related_bundles_dir"`
	// AWSS3BucketName switches log and related-bundle storage to S3.
	// Mutually exclusive with the local dir settings.
	AWSS3BucketName string `json:"iib_aws_s3_bucket_name"`

	Messaging Messaging `json:"iib_messaging"`

	// DogpileBackend selects the cache region backend: memory or
	// redis.
	DogpileBackend               string            `json:"iib_dogpile_backend"`
	DogpileExpirationTimeSeconds int               `json:"iib_dogpile_expiration_time"`
	DogpileArguments             map[string]string `json:"iib_dogpile_arguments"`

	// IndexToGitlabPushMap maps an index repository
	// (registry/namespace/repo) to the git repository holding its
	// catalog.
	IndexToGitlabPushMap map[string]string `json:"iib_web_index_to_gitlab_push_map"`
	// GitlabTokensMap maps a git repository URL to its credential
	// pair.
	GitlabTokensMap map[string]GitLabToken `json:"iib_index_configs_gitlab_tokens_map"`
	GitUser         string                 `json:"iib_git_user"`
	GitEmail        string                 `json:"iib_git_email"`

	Konflux Konflux `json:"iib_konflux"`

	// IndexDBArtifactRegistry, IndexDBArtifactTemplate and
	// IndexDBArtifactTagTemplate derive the OCI artifact reference the
	// index.db of a given index is synced under. The template expands
	// {registry}; the tag template expands {image_name} and {branch}.
	IndexDBArtifactRegistry    string `json:"iib_index_db_artifact_registry"`
	IndexDBArtifactTemplate    string `json:"iib_index_db_artifact_template"`
	IndexDBArtifactTagTemplate string `json:"iib_index_db_artifact_tag_template"`

	// UseImagestreamCache pulls index.db artifacts through an
	// ImageStream-backed pull-through cache when its recorded digest
	// matches the source registry.
	UseImagestreamCache  bool   `json:"iib_use_imagestream_cache"`
	ImagestreamNamespace string `json:"iib_imagestream_namespace"`
	ImagestreamName      string `json:"iib_imagestream_name"`

	// TotalAttempts and RetryMultiplier shape the exponential backoff
	// applied to empty pipeline-run lookups.
	TotalAttempts   int     `json:"iib_total_attempts"`
	RetryMultiplier float64 `json:"iib_retry_multiplier"`

	// ImagePushTemplate names the destination the built index is
	// replicated to; expands {registry} and {request_id}.
	ImagePushTemplate string `json:"iib_image_push_template"`
	Registry          string `json:"iib_registry"`

	// BundleInspectionConcurrency bounds the parallel bundle checks of
	// an add request.
	BundleInspectionConcurrency int `json:"iib_bundle_inspection_concurrency"`
	// RequestTimeoutSeconds bounds one build end to end.
	RequestTimeoutSeconds int `json:"iib_request_timeout"`
}

// RequestTimeout returns the outer per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// DogpileExpiration returns the cache entry lifetime.
func (c *Config) DogpileExpiration() time.Duration {
	return time.Duration(c.DogpileExpirationTimeSeconds) * time.Second
}

// RequestLogsTTL returns the lifetime of request logs.
func (c *Config) RequestLogsTTL() time.Duration {
	return time.Duration(c.RequestLogsDaysToLive) * 24 * time.Hour
}

// BinaryImageConfigured reports whether the server can default a
// missing binary_image.
func (c *Config) BinaryImageConfigured() bool {
	return len(c.BinaryImageConfig) > 0
}

// BinaryImageFor resolves the binary image for a distribution scope
// and an index ocp-version label.
func (c *Config) BinaryImageFor(scope api.DistributionScope, versionLabel string) string {
	perScope, ok := c.BinaryImageConfig[string(scope)]
	if !ok {
		return ""
	}
	return perScope[versionLabel]
}

// IsPrivileged reports whether user is on the privileged user list.
func (c *Config) IsPrivileged(user string) bool {
	for _, privileged := range c.PrivilegedUsernames {
		if privileged == user {
			return true
		}
	}
	return false
}

// IsWorker reports whether user may PATCH build requests. An empty
// worker list permits any authenticated principal.
func (c *Config) IsWorker(user string) bool {
	if len(c.WorkerUsernames) == 0 {
		return true
	}
	for _, worker := range c.WorkerUsernames {
		if worker == user {
			return true
		}
	}
	return false
}

// QueueForUser resolves the worker queue a request is dispatched to.
// Overwriting requests try the user's serial queue first, throw-away
// requests the parallel one; both fall back to the user's plain entry
// and finally to the default queue.
func (c *Config) QueueForUser(user string, overwrite bool) string {
	prefix := ParallelQueuePrefix
	if overwrite {
		prefix = SerialQueuePrefix
	}
	if queue, ok := c.UserToQueue[prefix+user]; ok {
		return queue
	}
	if queue, ok := c.UserToQueue[user]; ok {
		return queue
	}
	return c.DefaultQueue
}

// QueueNames lists every queue the server consumes from: the default
// queue plus every queue named by the routing table, sorted.
func (c *Config) QueueNames() []string {
	names := sets.New[string](c.DefaultQueue)
	for _, queue := range c.UserToQueue {
		names.Insert(queue)
	}
	return sets.List(names)
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.PrincipalHeader == "" {
		c.PrincipalHeader = "X-Forwarded-User"
	}
	if c.MaxPerPage == 0 {
		c.MaxPerPage = 20
	}
	if c.DefaultQueue == "" {
		c.DefaultQueue = DefaultQueueName
	}
	if c.WorkerCount == 0 {
		c.WorkerCount = 4
	}
	if c.QueueBacklog == 0 {
		c.QueueBacklog = 100
	}
	if c.RequestDataDaysToLive == 0 {
		c.RequestDataDaysToLive = 3
	}
	if c.RequestLogsDaysToLive == 0 {
		c.RequestLogsDaysToLive = 3
	}
	if c.Messaging.TimeoutSeconds == 0 {
		c.Messaging.TimeoutSeconds = 30
	}
	if c.Messaging.BuildStateDestination == "" {
		c.Messaging.BuildStateDestination = "topic://VirtualTopic.eng.iib.build.state"
	}
	if c.Messaging.BatchStateDestination == "" {
		c.Messaging.BatchStateDestination = "topic://VirtualTopic.eng.iib.batch.state"
	}
	if c.DogpileBackend == "" {
		c.DogpileBackend = "memory"
	}
	if c.DogpileExpirationTimeSeconds == 0 {
		c.DogpileExpirationTimeSeconds = 86400
	}
	if c.GitUser == "" {
		c.GitUser = "iib-worker"
	}
	if c.GitEmail == "" {
		c.GitEmail = "iib-worker@redhat.com"
	}
	if c.Konflux.PipelineTimeoutSeconds == 0 {
		c.Konflux.PipelineTimeoutSeconds = 3600
	}
	if c.TotalAttempts == 0 {
		c.TotalAttempts = 5
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = 2
	}
	if c.ImagePushTemplate == "" {
		c.ImagePushTemplate = "{registry}/iib-build:{request_id}"
	}
	if c.IndexDBArtifactTemplate == "" {
		c.IndexDBArtifactTemplate = "{registry}/index-db"
	}
	if c.IndexDBArtifactTagTemplate == "" {
		c.IndexDBArtifactTagTemplate = "{image_name}-{branch}"
	}
	if c.BundleInspectionConcurrency == 0 {
		c.BundleInspectionConcurrency = 5
	}
	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 7200
	}
}

var validDogpileBackends = sets.New[string]("memory", "redis")

// Validate checks the configuration for the contradictions that must
// abort startup. All findings are aggregated so an operator sees every
// problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURI == "" {
		errs = append(errs, api.ConfigErrorf("%q must be set", "iib_database_uri"))
	}
	if _, err := logLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, api.ConfigErrorf("%q must be %q or %q", "iib_log_format", "text", "json"))
	}

	scopes := sets.New[string](string(api.ScopeProd), string(api.ScopeStage), string(api.ScopeDev))
	for scope := range c.BinaryImageConfig {
		if !scopes.Has(scope) {
			errs = append(errs, api.ConfigErrorf(
				"The %q distribution scope in %q is invalid. It must be one of: dev, prod, stage",
				scope, "iib_binary_image_config"))
		}
	}

	queues := sets.New[string](c.QueueNames()...)
	for queue := range c.GreenwaveConfig {
		if !queues.Has(queue) {
			errs = append(errs, api.ConfigErrorf(
				"The %q queue in %q is not a queue this server consumes from",
				queue, "iib_greenwave_config"))
		}
	}

	if c.AWSS3BucketName != "" {
		if c.RequestLogsDir != "" || c.RequestRelatedBundlesDir != "" {
			errs = append(errs, api.ConfigErrorf(
				"%q and %q must not be set when %q is set",
				"iib_request_logs_dir", "iib_request_related_bundles_dir", "iib_aws_s3_bucket_name"))
		}
		for _, env := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_DEFAULT_REGION"} {
			if os.Getenv(env) == "" {
				errs = append(errs, api.ConfigErrorf(
					"The %q environment variable must be set when %q is set",
					env, "iib_aws_s3_bucket_name"))
			}
		}
	}
	for _, dir := range []string{c.RequestLogsDir, c.RequestRelatedBundlesDir} {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, api.ConfigErrorf("%q is not an existing directory", dir))
		}
	}

	if !validDogpileBackends.Has(c.DogpileBackend) {
		errs = append(errs, api.ConfigErrorf("%q must be one of: memory, redis", "iib_dogpile_backend"))
	}
	if c.DogpileBackend == "redis" && c.DogpileArguments["url"] == "" {
		errs = append(errs, api.ConfigErrorf(
			"%q must carry a %q argument when the backend is redis", "iib_dogpile_arguments", "url"))
	}

	if c.UseImagestreamCache {
		if c.ImagestreamNamespace == "" || c.ImagestreamName == "" {
			errs = append(errs, api.ConfigErrorf(
				"%q and %q must be set when %q is true",
				"iib_imagestream_namespace", "iib_imagestream_name", "iib_use_imagestream_cache"))
		}
	}

	for repo, gitURL := range c.IndexToGitlabPushMap {
		if repo == "" || gitURL == "" {
			errs = append(errs, api.ConfigErrorf("%q must map index repositories to git URLs", "iib_web_index_to_gitlab_push_map"))
			break
		}
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, api.ConfigErrorf("%q must be at least 1", "iib_retry_multiplier"))
	}
	if !strings.Contains(c.ImagePushTemplate, "{request_id}") {
		errs = append(errs, api.ConfigErrorf("%q must contain {request_id}", "iib_image_push_template"))
	}
	return utilerrors.NewAggregate(errs)
}

func logLevel(level string) (string, error) {
	switch level {
	case "trace", "debug", "info", "warning", "error", "fatal", "panic":
		return level, nil
	}
	return "", api.ConfigErrorf("%q is not a valid log level", level)
}

// ExpandTemplate replaces {key} placeholders in template with the
// given values.
func ExpandTemplate(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for key, value := range values {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// IndexDBArtifactRef derives the OCI reference the index.db of the
// given index image syncs under: the repository template expanded with
// the artifact registry, tagged with the expanded tag template.
func (c *Config) IndexDBArtifactRef(imageName, branch string) string {
	repository := ExpandTemplate(c.IndexDBArtifactTemplate, map[string]string{
		"registry": c.IndexDBArtifactRegistry,
	})
	tag := ExpandTemplate(c.IndexDBArtifactTagTemplate, map[string]string{
		"image_name": imageName,
		"branch":     branch,
	})
	return repository + ":" + tag
}

// Load reads the configuration file, fills defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read the config file %q: %w", path, err)
	}
	config := &Config{}
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the config file %q: %w", path, err)
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
