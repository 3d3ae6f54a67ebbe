package build

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// metadataFile is committed next to the catalog so the pipeline can
// label and pin the image it builds.
const metadataFile = "build-metadata.json"

type buildMetadata struct {
	OpmVersion  string            `json:"opm_version"`
	Labels      map[string]string `json:"labels"`
	BinaryImage string            `json:"binary_image"`
	RequestID   int64             `json:"request_id"`
	Arches      []string          `json:"arches"`
}

func writeBuildMetadata(repoDir string, metadata buildMetadata) error {
	sort.Strings(metadata.Arches)
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize the build metadata: %w", err)
	}
	path := filepath.Join(repoDir, metadataFile)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write the build metadata: %w", err)
	}
	return nil
}
