package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/c360studio/fnpatch/engine"
	"github.com/c360studio/fnpatch/fingerprint"
	"github.com/c360studio/fnpatch/patchspec"
	"github.com/c360studio/fnpatch/processor/ast/python"
	"github.com/c360studio/fnpatch/upstream"
)

// HarvestedVersion is the first tag at which a digest was seen.
type HarvestedVersion struct {
	Tag    string
	Digest fingerprint.Digest
	Span   *python.FunctionSpan
}

// HarvestConfig configures Harvest.
type HarvestConfig struct {
	Source  upstream.Source
	Tags    []string
	Target  patchspec.Target
	Locator engine.Locator
	Logger  *slog.Logger

	// OnVersion is called for each newly seen digest, e.g. to save the span.
	OnVersion func(HarvestedVersion) error
}

// Harvest fetches every tag in order and returns one entry per distinct
// digest, tagged "<first tag>+". Tags that do not exist upstream or lack
// the function are skipped.
func Harvest(ctx context.Context, cfg HarvestConfig) ([]HarvestedVersion, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("harvest: source is required")
	}
	locator := cfg.Locator
	if locator == nil {
		locator = python.NewParser()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	seen := make(map[fingerprint.Digest]bool)
	var out []HarvestedVersion
	for _, tag := range cfg.Tags {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		data, err := cfg.Source.Fetch(ctx, tag)
		var fetchErr *upstream.FetchError
		if errors.As(err, &fetchErr) && fetchErr.NotFound() {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("fetch %s: %w", tag, err)
		}

		span, err := locator.Locate(ctx, data, cfg.Target.Container, cfg.Target.Function)
		if errors.Is(err, python.ErrNotFound) {
			logger.Debug("Function absent in tag", "target", cfg.Target.String(), "tag", tag)
			continue
		}
		if err != nil {
			return out, fmt.Errorf("locate in %s: %w", tag, err)
		}

		digest := fingerprint.Hash(span.Text)
		if seen[digest] {
			continue
		}
		seen[digest] = true

		v := HarvestedVersion{Tag: tag + "+", Digest: digest, Span: span}
		logger.Info("New function version", "target", cfg.Target.String(), "tag", v.Tag, "digest", digest.Short())
		if cfg.OnVersion != nil {
			if err := cfg.OnVersion(v); err != nil {
				return out, err
			}
		}
		out = append(out, v)
	}
	return out, nil
}

// AddToRegistry records harvested versions under target.
func AddToRegistry(reg *fingerprint.Registry, target patchspec.Target, versions []HarvestedVersion) error {
	for _, v := range versions {
		if err := reg.Add(target.String(), v.Tag, v.Digest); err != nil {
			return err
		}
	}
	return nil
}
