// Package logging wires capnslog the way mantle/cli.go does: a global
// level flag shared by every command, one package logger per package.
package logging

import (
	"io"

	"github.com/coreos/pkg/capnslog"
)

// RootRepository is the capnslog repository name every package logger
// in this module registers under.
const RootRepository = "github.com/paulrobinshaw/rch-xcode"

// New returns a package logger registered under RootRepository,
// following the one-logger-per-package convention used throughout
// mantle (e.g. capnslog.NewPackageLogger(".../mantle", "cli")).
func New(pkg string) *capnslog.PackageLogger {
	return capnslog.NewPackageLogger(RootRepository, pkg)
}

// Configure sets the process-wide log level and output destination,
// mirroring mantle/cli.go's startLogging.
func Configure(level capnslog.LogLevel, out io.Writer) {
	capnslog.SetFormatter(capnslog.NewStringFormatter(out))
	capnslog.SetGlobalLogLevel(level)
}
