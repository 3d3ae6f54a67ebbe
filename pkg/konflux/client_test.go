package konflux

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	tektonv1 "github.com/tektoncd/pipeline/pkg/apis/pipeline/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"knative.dev/pkg/apis"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
	fakeclient "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/config"
)

func newTestLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := tektonv1.AddToScheme(scheme); err != nil {
		t.Fatalf("failed to register the pipeline types: %v", err)
	}
	return scheme
}

func newTestClient(client ctrlruntimeclient.Client) *Client {
	return &Client{
		cfg: &config.Config{
			Konflux:         config.Konflux{Namespace: "iib-tenant"},
			TotalAttempts:   3,
			RetryMultiplier: 1,
		},
		client:        client,
		log:           newTestLogger(),
		pollInterval:  time.Millisecond,
		findBaseDelay: time.Millisecond,
	}
}

func pipelineRun(name, commitSHA string) *tektonv1.PipelineRun {
	return &tektonv1.PipelineRun{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "iib-tenant",
			Labels:    map[string]string{CommitLabel: commitSHA},
		},
	}
}

func TestFindPipelineRun(t *testing.T) {
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(
		pipelineRun("build-abc", "deadbeef"),
		pipelineRun("build-def", "cafebabe"),
	).Build()

	runs, err := newTestClient(client).FindPipelineRun(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || runs[0].Name != "build-abc" {
		t.Errorf("expected only build-abc, got %+v", runs)
	}
}

func TestFindPipelineRunRetriesOnlyEmptyLists(t *testing.T) {
	attempts := 0
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(
		pipelineRun("build-abc", "deadbeef"),
	).WithInterceptorFuncs(interceptor.Funcs{
		List: func(ctx context.Context, client ctrlruntimeclient.WithWatch, list ctrlruntimeclient.ObjectList, opts ...ctrlruntimeclient.ListOption) error {
			attempts++
			if attempts < 3 {
				// The run is not created yet.
				return nil
			}
			return client.List(ctx, list, opts...)
		},
	}).Build()

	runs, err := newTestClient(client).FindPipelineRun(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 list attempts, got %d", attempts)
	}
	if len(runs) != 1 || runs[0].Name != "build-abc" {
		t.Errorf("expected only build-abc, got %+v", runs)
	}
}

func TestFindPipelineRunExhaustsRetries(t *testing.T) {
	attempts := 0
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithInterceptorFuncs(interceptor.Funcs{
		List: func(ctx context.Context, client ctrlruntimeclient.WithWatch, list ctrlruntimeclient.ObjectList, opts ...ctrlruntimeclient.ListOption) error {
			attempts++
			return client.List(ctx, list, opts...)
		},
	}).Build()

	_, err := newTestClient(client).FindPipelineRun(context.Background(), "deadbeef")
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if expected := "no pipeline run appeared for commit deadbeef"; err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
	if attempts != 3 {
		t.Errorf("expected 3 list attempts, got %d", attempts)
	}
}

func TestFindPipelineRunDoesNotRetryListErrors(t *testing.T) {
	attempts := 0
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithInterceptorFuncs(interceptor.Funcs{
		List: func(ctx context.Context, client ctrlruntimeclient.WithWatch, list ctrlruntimeclient.ObjectList, opts ...ctrlruntimeclient.ListOption) error {
			attempts++
			return errors.New("connection refused")
		},
	}).Build()

	_, err := newTestClient(client).FindPipelineRun(context.Background(), "deadbeef")
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if !strings.Contains(err.Error(), "failed to list pipeline runs for commit deadbeef") {
		t.Errorf("unexpected error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected a single list attempt, got %d", attempts)
	}
}

func conditionalRun(name string, condition apis.Condition) *tektonv1.PipelineRun {
	run := pipelineRun(name, "deadbeef")
	run.Status.Conditions = []apis.Condition{condition}
	return run
}

func TestWaitForPipelineCompletion(t *testing.T) {
	testCases := []struct {
		name          string
		run           *tektonv1.PipelineRun
		expectedError string
	}{
		{
			name: "succeeded",
			run:  conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "True", Reason: "Succeeded"}),
		},
		{
			name: "completed",
			run:  conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "True", Reason: "Completed"}),
		},
		{
			name:          "cancelled",
			run:           conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "False", Reason: "Cancelled"}),
			expectedError: "the pipeline run build-abc was cancelled",
		},
		{
			name:          "failed",
			run:           conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "False", Reason: "Failed"}),
			expectedError: "the pipeline run build-abc failed with reason Failed",
		},
		{
			name:          "pipeline timeout",
			run:           conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "False", Reason: "PipelineRunTimeout"}),
			expectedError: "the pipeline run build-abc failed with reason PipelineRunTimeout",
		},
		{
			name:          "create failed",
			run:           conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "False", Reason: "CreateRunFailed"}),
			expectedError: "the pipeline run build-abc failed with reason CreateRunFailed",
		},
		{
			name:          "implicit failure",
			run:           conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "False", Reason: "CouldntGetPipeline", Message: "the referenced pipeline is gone"}),
			expectedError: "the pipeline run build-abc failed: the referenced pipeline is gone",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(tc.run).Build()
			run, err := newTestClient(client).WaitForPipelineCompletion(context.Background(), "build-abc", time.Second)
			if tc.expectedError != "" {
				if err == nil || err.Error() != tc.expectedError {
					t.Fatalf("expected error %q, got %v", tc.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if run == nil || run.Name != "build-abc" {
				t.Errorf("expected the completed run, got %+v", run)
			}
		})
	}
}

func TestWaitForPipelineCompletionPollsUntilTerminal(t *testing.T) {
	attempts := 0
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithInterceptorFuncs(interceptor.Funcs{
		Get: func(ctx context.Context, client ctrlruntimeclient.WithWatch, key ctrlruntimeclient.ObjectKey, obj ctrlruntimeclient.Object, opts ...ctrlruntimeclient.GetOption) error {
			attempts++
			run := obj.(*tektonv1.PipelineRun)
			run.Name = key.Name
			run.Namespace = key.Namespace
			if attempts < 3 {
				run.Status.Conditions = []apis.Condition{{Type: "Succeeded", Status: "Unknown", Reason: "Running"}}
			} else {
				run.Status.Conditions = []apis.Condition{{Type: "Succeeded", Status: "True", Reason: "Succeeded"}}
			}
			return nil
		},
	}).Build()

	run, err := newTestClient(client).WaitForPipelineCompletion(context.Background(), "build-abc", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 polls, got %d", attempts)
	}
	if run == nil || run.Status.Conditions[0].Reason != "Succeeded" {
		t.Errorf("expected the succeeded run, got %+v", run)
	}
}

func TestWaitForPipelineCompletionTimesOut(t *testing.T) {
	run := conditionalRun("build-abc", apis.Condition{Type: "Succeeded", Status: "Unknown", Reason: "Running"})
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(run).Build()

	_, err := newTestClient(client).WaitForPipelineCompletion(context.Background(), "build-abc", 30*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if expected := "the pipeline run build-abc did not complete within 30ms"; err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestWaitForPipelineCompletionMissingRun(t *testing.T) {
	client := fakeclient.NewClientBuilder().WithScheme(newTestScheme(t)).Build()

	_, err := newTestClient(client).WaitForPipelineCompletion(context.Background(), "build-missing", time.Second)
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	if !strings.Contains(err.Error(), "failed to get pipeline run build-missing") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGetPipelineRunImageURL(t *testing.T) {
	testCases := []struct {
		name          string
		results       []tektonv1.PipelineRunResult
		expected      string
		expectedError string
	}{
		{
			name: "image url present",
			results: []tektonv1.PipelineRunResult{
				{Name: "CHAINS-GIT_COMMIT", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: "deadbeef"}},
				{Name: "IMAGE_URL", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: "quay.io/iib/index:42"}},
			},
			expected: "quay.io/iib/index:42",
		},
		{
			name: "surrounding whitespace trimmed",
			results: []tektonv1.PipelineRunResult{
				{Name: "IMAGE_URL", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: " quay.io/iib/index:42\n"}},
			},
			expected: "quay.io/iib/index:42",
		},
		{
			name: "image url missing",
			results: []tektonv1.PipelineRunResult{
				{Name: "CHAINS-GIT_COMMIT", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: "deadbeef"}},
			},
			expectedError: "the pipeline run build-abc reports no IMAGE_URL result",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			run := pipelineRun("build-abc", "deadbeef")
			run.Status.Results = tc.results
			url, err := GetPipelineRunImageURL("build-abc", run)
			if tc.expectedError != "" {
				if err == nil || err.Error() != tc.expectedError {
					t.Fatalf("expected error %q, got %v", tc.expectedError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if url != tc.expected {
				t.Errorf("expected %q, got %q", tc.expected, url)
			}
		})
	}
}

func TestGetPipelineRunArchImageURLs(t *testing.T) {
	run := pipelineRun("build-abc", "deadbeef")
	run.Status.Results = []tektonv1.PipelineRunResult{
		{Name: "IMAGE_URL", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: "quay.io/iib/index:42"}},
		{Name: "IMAGE_URL_AMD64", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: " quay.io/iib/index:42-amd64\n"}},
		{Name: "IMAGE_URL_S390X", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: "quay.io/iib/index:42-s390x"}},
		{Name: "IMAGE_URL_PPC64LE", Value: tektonv1.ResultValue{Type: tektonv1.ParamTypeString, StringVal: ""}},
	}
	got := GetPipelineRunArchImageURLs(run)
	want := map[string]string{
		"amd64": "quay.io/iib/index:42-amd64",
		"s390x": "quay.io/iib/index:42-s390x",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected arch images (-want +got):\n%s", diff)
	}

	run.Status.Results = run.Status.Results[:1]
	if got := GetPipelineRunArchImageURLs(run); len(got) != 0 {
		t.Errorf("expected no arch images for a single-image run, got %v", got)
	}
}

func TestCACertFile(t *testing.T) {
	t.Run("existing path is passed through", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.crt")
		if err := os.WriteFile(path, []byte("certificate"), 0o644); err != nil {
			t.Fatalf("failed to write the fixture: %v", err)
		}
		got, err := caCertFile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != path {
			t.Errorf("expected %q, got %q", path, got)
		}
	})
	t.Run("inline PEM lands in a temp file", func(t *testing.T) {
		pem := "-----BEGIN CERTIFICATE-----\nMIIBszCCAVmgAwIBAgIUIIB=\n-----END CERTIFICATE-----\n"
		got, err := caCertFile(pem)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer os.Remove(got)
		content, err := os.ReadFile(got)
		if err != nil {
			t.Fatalf("failed to read the written certificate: %v", err)
		}
		if string(content) != pem {
			t.Errorf("expected the PEM block, got %q", content)
		}
	})
	t.Run("bogus value is rejected", func(t *testing.T) {
		_, err := caCertFile("/nonexistent/ca.crt")
		if err == nil {
			t.Fatal("expected an error, got none")
		}
		var configError *api.ConfigError
		if !errors.As(err, &configError) {
			t.Fatalf("expected a ConfigError, got %T", err)
		}
	})
}

func TestNewClientValidatesConfiguration(t *testing.T) {
	_, err := newClient(&config.Config{}, newTestLogger())
	if err == nil {
		t.Fatal("expected an error, got none")
	}
	var configError *api.ConfigError
	if !errors.As(err, &configError) {
		t.Fatalf("expected a ConfigError, got %T", err)
	}
	if expected := "The Konflux cluster access is not configured"; err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestNewClientCachesTheProcessClient(t *testing.T) {
	cfg := &config.Config{Konflux: config.Konflux{
		ClusterURL:   "https://api.pipelines.example:6443",
		ClusterToken: "token",
	}}
	first, err := NewClient(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := NewClient(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Error("expected NewClient to hand out a single client per process")
	}
}
