package artifact

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
	kerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	orasregistry "oras.land/oras-go/v2/registry"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	imagev1 "github.com/openshift/api/image/v1"

	"github.com/release-engineering/iib/pkg/config"
)

// ImageStreamCache fronts the artifact registry with an ImageStream
// holding the last imported copy of each index.db tag.
type ImageStreamCache struct {
	client    ctrlruntimeclient.Client
	namespace string
	name      string
}

func NewImageStreamCache(client ctrlruntimeclient.Client, cfg *config.Config) *ImageStreamCache {
	return &ImageStreamCache{
		client:    client,
		namespace: cfg.ImagestreamNamespace,
		name:      cfg.ImagestreamName,
	}
}

// Lookup returns the cache's pull reference for tag when its recorded
// digest matches sourceDigest.
func (c *ImageStreamCache) Lookup(ctx context.Context, tag, sourceDigest string) (string, bool, error) {
	stream := &imagev1.ImageStream{}
	if err := c.client.Get(ctx, ctrlruntimeclient.ObjectKey{Namespace: c.namespace, Name: c.name}, stream); err != nil {
		if kerrors.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to load imagestream %s/%s: %w", c.namespace, c.name, err)
	}
	repository := stream.Status.PublicDockerImageRepository
	if repository == "" {
		repository = stream.Status.DockerImageRepository
	}
	for _, events := range stream.Status.Tags {
		if events.Tag != tag {
			continue
		}
		if len(events.Items) > 0 && events.Items[0].Image == sourceDigest && repository != "" {
			return repository + ":" + tag, true, nil
		}
		break
	}
	return "", false, nil
}

// Reimport asks the cluster to refresh the cached tag from ref. The
// refresh serves the next build; the current one pulls from the source
// either way.
func (c *ImageStreamCache) Reimport(ctx context.Context, tag, ref string) error {
	streamImport := &imagev1.ImageStreamImport{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: c.namespace,
			Name:      c.name,
		},
		Spec: imagev1.ImageStreamImportSpec{
			Import: true,
			Images: []imagev1.ImageImportSpec{
				{
					To: &corev1.LocalObjectReference{Name: tag},
					From: corev1.ObjectReference{
						Kind: "DockerImage",
						Name: ref,
					},
					ReferencePolicy: imagev1.TagReferencePolicy{Type: imagev1.LocalTagReferencePolicy},
				},
			},
		},
	}
	// Creation can race against credential propagation in the cache
	// namespace.
	return wait.ExponentialBackoff(wait.Backoff{Steps: 4, Duration: 1 * time.Second, Factor: 2}, func() (bool, error) {
		if err := c.client.Create(ctx, streamImport); err != nil {
			if kerrors.IsConflict(err) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
}

// FetchIndexDB applies the cache-sync policy and pulls the index.db
// artifact for fromIndex into a fresh subdirectory of baseDir: when the
// cache's digest matches the source registry the pull goes through the
// cache, otherwise the cache is refreshed and the pull goes to the
// source.
func (s *Store) FetchIndexDB(ctx context.Context, fromIndex, baseDir string) (string, error) {
	ref, err := Ref(s.cfg, fromIndex)
	if err != nil {
		return "", err
	}
	if s.streamCache == nil || !s.cfg.UseImagestreamCache {
		return s.Pull(ctx, ref, baseDir)
	}

	sourceDigest, err := s.Digest(ctx, ref)
	if err != nil {
		return "", err
	}
	parsed, err := orasregistry.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse artifact reference %q: %w", ref, err)
	}
	tag := parsed.Reference

	cachedRef, match, err := s.streamCache.Lookup(ctx, tag, sourceDigest)
	if err != nil {
		s.log.WithError(err).Warning("The imagestream cache lookup failed; pulling from the source registry")
	} else if match {
		s.log.WithFields(logrus.Fields{"ref": cachedRef, "digest": sourceDigest}).Info("Pulling index.db through the imagestream cache")
		return s.Pull(ctx, cachedRef, baseDir)
	} else if err := s.streamCache.Reimport(ctx, tag, ref); err != nil {
		s.log.WithError(err).Warning("Failed to refresh the imagestream cache")
	}
	return s.Pull(ctx, ref, baseDir)
}
