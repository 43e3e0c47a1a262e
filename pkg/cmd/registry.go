// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/trellis-ml/trellis/pkg/backends/local"
	"github.com/trellis-ml/trellis/pkg/backends/remote"
	"github.com/trellis-ml/trellis/pkg/registry"
)

func registerNativeBackends(reg *registry.Registry) {
	reg.RegisterBackend(local.NewFactory())
	reg.RegisterBackend(remote.NewFactory())
}

func NewRegistry(log *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerNativeBackends(reg)

	return reg
}
