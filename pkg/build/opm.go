package build

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/release-engineering/iib/pkg/api"
)

// Opm wraps the operator registry tooling the index mutations run
// through. The index database is always edited in place; Migrate then
// regenerates the file-based catalog from it.
type Opm interface {
	Version(ctx context.Context) (string, error)
	AddBundles(ctx context.Context, indexDB string, bundles []string, mode api.GraphUpdateMode) error
	RemoveOperators(ctx context.Context, indexDB string, operators []string) error
	DeprecateBundles(ctx context.Context, indexDB string, bundles []string) error
	Migrate(ctx context.Context, indexDB, configsDir string) error
	Render(ctx context.Context, ref string) ([]byte, error)
}

// ExecOpm runs the opm binary found on PATH.
type ExecOpm struct {
	log *logrus.Entry

	// run is swappable for tests.
	run func(ctx context.Context, args ...string) (string, error)
}

func NewExecOpm(log *logrus.Entry) *ExecOpm {
	opm := &ExecOpm{log: log}
	opm.run = opm.exec
	return opm
}

func (o *ExecOpm) exec(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "opm", args...)
	cmd.Env = os.Environ()
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("'opm %s' failed with out: %s and error %v",
			strings.Join(args, " "), string(output), err)
	}
	return strings.TrimSpace(string(output)), nil
}

var opmVersionPattern = regexp.MustCompile(`OpmVersion:"([^"]+)"`)

// Version reports the version of the opm binary, falling back to the
// raw output when it does not match the known format.
func (o *ExecOpm) Version(ctx context.Context) (string, error) {
	output, err := o.run(ctx, "version")
	if err != nil {
		return "", err
	}
	if match := opmVersionPattern.FindStringSubmatch(output); match != nil {
		return match[1], nil
	}
	return output, nil
}

// AddBundles adds bundle images to the index database, optionally with
// a non-default graph update mode.
func (o *ExecOpm) AddBundles(ctx context.Context, indexDB string, bundles []string, mode api.GraphUpdateMode) error {
	args := []string{
		"registry", "add",
		"--container-tool", "none",
		"--database", indexDB,
		"--bundle-images", strings.Join(bundles, ","),
	}
	if mode != "" {
		args = append(args, "--mode", string(mode))
	}
	o.log.WithField("bundles", bundles).Info("Adding the bundles to the index database")
	_, err := o.run(ctx, args...)
	return err
}

// RemoveOperators removes whole operator packages from the index
// database.
func (o *ExecOpm) RemoveOperators(ctx context.Context, indexDB string, operators []string) error {
	o.log.WithField("operators", operators).Info("Removing the operators from the index database")
	_, err := o.run(ctx,
		"registry", "rm",
		"--database", indexDB,
		"--packages", strings.Join(operators, ","),
	)
	return err
}

// DeprecateBundles marks bundle images deprecated, truncating the
// update graph beneath them.
func (o *ExecOpm) DeprecateBundles(ctx context.Context, indexDB string, bundles []string) error {
	o.log.WithField("bundles", bundles).Info("Deprecating the bundles in the index database")
	_, err := o.run(ctx,
		"registry", "deprecatetruncate",
		"--database", indexDB,
		"--bundle-images", strings.Join(bundles, ","),
		"--allow-package-removal",
	)
	return err
}

// Migrate regenerates the file-based catalog from the index database.
// The migration lands in a staging directory first so a failure leaves
// the checked-out catalog untouched.
func (o *ExecOpm) Migrate(ctx context.Context, indexDB, configsDir string) error {
	staging := configsDir + ".migrate"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear the migration directory: %w", err)
	}
	if _, err := o.run(ctx, "migrate", indexDB, staging); err != nil {
		return err
	}
	if err := os.RemoveAll(configsDir); err != nil {
		return fmt.Errorf("failed to clear the catalog directory: %w", err)
	}
	if err := os.Rename(staging, configsDir); err != nil {
		return fmt.Errorf("failed to move the migrated catalog into place: %w", err)
	}
	return nil
}

// Render returns the declarative config blobs of an index image or a
// local catalog directory as a stream of JSON objects.
func (o *ExecOpm) Render(ctx context.Context, ref string) ([]byte, error) {
	output, err := o.run(ctx, "render", ref)
	if err != nil {
		return nil, err
	}
	return []byte(output), nil
}
