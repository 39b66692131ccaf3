package overlay

import (
	"errors"
	"log/slog"

	"github.com/spf13/afero"

	"github.com/meigma/overlay/emulate"
	"github.com/meigma/overlay/metrics"
	"github.com/meigma/overlay/signature"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// WithFs sets the filesystem sources, staged blocks and placeholders are
// read from. Defaults to the OS filesystem.
func WithFs(fsys afero.Fs) Option {
	return func(r *Runtime) error {
		if fsys == nil {
			return errors.New("overlay: nil filesystem")
		}
		r.fs = fsys
		return nil
	}
}

// WithLogger sets the logger. Without it the runtime logs text to stderr
// at the configured level.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) error {
		r.logger = logger
		return nil
	}
}

// WithConfig sets the runtime configuration.
func WithConfig(cfg *Config) Option {
	return func(r *Runtime) error {
		if cfg == nil {
			return errors.New("overlay: nil config")
		}
		r.cfg = cfg
		return nil
	}
}

// WithConfigFile loads the runtime configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(r *Runtime) error {
		cfg, err := LoadConfig(path)
		if err != nil {
			return err
		}
		r.cfg = cfg
		return nil
	}
}

// WithSignatures sets the entry point pattern table. Defaults to the
// table named by the config's signatures_file, or the built-in one.
func WithSignatures(t *signature.Table) Option {
	return func(r *Runtime) error {
		r.sigs = t
		return nil
	}
}

// WithBuilder sets the container metadata builder.
func WithBuilder(b emulate.Builder) Option {
	return func(r *Runtime) error {
		r.builder = b
		return nil
	}
}

// WithOnSourceAdded sets a callback run with the root of every newly
// registered source.
func WithOnSourceAdded(fn func(root string)) Option {
	return func(r *Runtime) error {
		r.onAdded = fn
		return nil
	}
}

// WithOnRetract sets a callback run with the root of a source whose
// container could not be built.
func WithOnRetract(fn func(root string)) Option {
	return func(r *Runtime) error {
		r.onRetract = fn
		return nil
	}
}

// WithMetrics sets the metrics sink. Defaults to no metrics.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Runtime) error {
		r.metrics = m
		return nil
	}
}

// WithScratchDir overrides the config's scratch_dir.
func WithScratchDir(dir string) Option {
	return func(r *Runtime) error {
		r.scratchDir = &dir
		return nil
	}
}
