package registry

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImageName returns the final repository path component of a pullspec,
// e.g. iib-pub-pending for registry.example.com/iib/iib-pub-pending:v4.19.
func ImageName(pullspec string) (string, error) {
	ref, err := name.ParseReference(pullspec)
	if err != nil {
		return "", fmt.Errorf("failed to parse pullspec %q: %w", pullspec, err)
	}
	repository := ref.Context().RepositoryStr()
	parts := strings.Split(repository, "/")
	return parts[len(parts)-1], nil
}

// Tag returns the tag portion of a pullspec. Digest-only pullspecs
// carry no tag.
func Tag(pullspec string) (string, error) {
	ref, err := name.ParseReference(pullspec)
	if err != nil {
		return "", fmt.Errorf("failed to parse pullspec %q: %w", pullspec, err)
	}
	tagged, ok := ref.(name.Tag)
	if !ok {
		return "", fmt.Errorf("pullspec %q carries no tag", pullspec)
	}
	return tagged.TagStr(), nil
}

// Repository returns the registry-qualified repository of a pullspec,
// without tag or digest.
func Repository(pullspec string) (string, error) {
	ref, err := name.ParseReference(pullspec)
	if err != nil {
		return "", fmt.Errorf("failed to parse pullspec %q: %w", pullspec, err)
	}
	return ref.Context().Name(), nil
}
