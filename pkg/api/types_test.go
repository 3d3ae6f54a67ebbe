package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestStateNameTerminal(t *testing.T) {
	testCases := []struct {
		state    StateName
		expected bool
	}{
		{state: StateInProgress, expected: false},
		{state: StateComplete, expected: true},
		{state: StateFailed, expected: true},
	}
	for _, tc := range testCases {
		t.Run(string(tc.state), func(t *testing.T) {
			if got := tc.state.Terminal(); got != tc.expected {
				t.Errorf("expected %t, got %t", tc.expected, got)
			}
		})
	}
}

func TestValidStatesOrder(t *testing.T) {
	expected := []StateName{StateComplete, StateFailed, StateInProgress}
	if diff := cmp.Diff(expected, ValidStates()); diff != "" {
		t.Errorf("states differ from expected: %s", diff)
	}
	if expected := "complete, failed, in_progress"; JoinValidStates() != expected {
		t.Errorf("expected %q, got %q", expected, JoinValidStates())
	}
}

func TestAddBuildSerialization(t *testing.T) {
	user := "tbrady@DOMAIN.LOCAL"
	updated := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	build := &AddBuild{
		Build: Build{
			ID:          3,
			Batch:       3,
			RequestType: TypeAdd,
			User:        &user,
			State:       StateInProgress,
			StateReason: StateReasonInitiated,
			Updated:     updated,
		},
		IndexImageBuild: IndexImageBuild{
			BinaryImage:       "registry.example.com/binary:v4.15",
			DistributionScope: ScopeProd,
		},
		FromIndex: "registry.example.com/index:v4.15",
	}
	build.Normalize()

	encoded, err := json.Marshal(build)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var document map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &document); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	// Fresh builds serve empty collections, never null.
	for field, expected := range map[string]string{
		"arches":           "[]",
		"bundles":          "[]",
		"bundle_mapping":   "{}",
		"deprecation_list": "[]",
		"build_tags":       "[]",
	} {
		if got := string(document[field]); got != expected {
			t.Errorf("expected %s to encode as %s, got %s", field, expected, got)
		}
	}
	// Optional envelope fields stay out of terse documents.
	for _, field := range []string{"logs", "state_history", "batch_annotations"} {
		if _, ok := document[field]; ok {
			t.Errorf("expected %s to be omitted", field)
		}
	}
	// Secrets never survive into the serialized document.
	for _, field := range SecretPayloadFields() {
		if _, ok := document[field]; ok {
			t.Errorf("expected secret field %s to be omitted", field)
		}
	}
	if got := string(document["user"]); got != `"tbrady@DOMAIN.LOCAL"` {
		t.Errorf("unexpected user encoding: %s", got)
	}
	if got := string(document["state_reason"]); got != `"The request was initiated"` {
		t.Errorf("unexpected state_reason encoding: %s", got)
	}
}

func TestVerboseBuildRoundTrip(t *testing.T) {
	// The worker PATCH payload must be able to reproduce every
	// worker-writable field of a serialized build.
	build := &RmBuild{
		Build: Build{
			ID:          7,
			Arches:      []string{"amd64", "arm64"},
			RequestType: TypeRm,
			State:       StateComplete,
			StateReason: "The request completed successfully",
		},
		IndexImageBuild: IndexImageBuild{
			IndexImage:             "registry.example.com/index:v4.15",
			IndexImageResolved:     "registry.example.com/index@sha256:aaaa",
			InternalIndexImageCopy: "registry.example.com/internal/index:7",
		},
		FromIndex:        "registry.example.com/index:v4.15",
		RemovedOperators: []string{"prometheus"},
	}
	encoded, err := json.Marshal(build)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	update, err := ParseUpdateRequest(encoded)
	if err == nil {
		t.Fatal("expected read-only fields to be rejected")
	}
	// Restricting to the worker-writable subset round-trips cleanly.
	writable := map[string]any{
		"arches":                    build.Arches,
		"index_image":               build.IndexImage,
		"index_image_resolved":      build.IndexImageResolved,
		"internal_index_image_copy": build.InternalIndexImageCopy,
		"state":                     build.State,
		"state_reason":              build.StateReason,
	}
	encoded, err = json.Marshal(writable)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	update, err = ParseUpdateRequest(encoded)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if diff := cmp.Diff(build.Arches, update.Arches); diff != "" {
		t.Errorf("arches differ from expected: %s", diff)
	}
	if update.IndexImage == nil || *update.IndexImage != build.IndexImage {
		t.Errorf("unexpected index_image: %v", update.IndexImage)
	}
	if update.State == nil || *update.State != StateComplete {
		t.Errorf("unexpected state: %v", update.State)
	}
}

func TestPaginationSerialization(t *testing.T) {
	meta := Pagination{
		First:   "https://iib.example.com/api/v1/builds?page=1&per_page=20",
		Last:    "https://iib.example.com/api/v1/builds?page=3&per_page=20",
		Page:    1,
		Pages:   3,
		PerPage: 20,
		Total:   41,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var document map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &document); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	// Absent neighbors encode as null, not as omitted keys.
	for _, field := range []string{"next", "previous"} {
		if got := string(document[field]); got != "null" {
			t.Errorf("expected %s to encode as null, got %s", field, got)
		}
	}
}
