// Package toolchain knows how cargo has to be invoked to lint, test and build griddy.
package toolchain

import (
	"path/filepath"
)

const (
	// TargetTriple is the only platform release builds are produced for
	TargetTriple = "x86_64-unknown-linux-gnu"
	// Profile is the cargo profile used for deployable builds
	Profile = "release"

	// StaticLinkEnv and StaticLinkFlags make rustc link the C runtime statically
	StaticLinkEnv   = "RUSTFLAGS"
	StaticLinkFlags = "-C target-feature=+crt-static"
)

// Toolchain describes the cargo setup of a project
type Toolchain struct {
	Cargo     string
	Binary    string
	TargetDir string
}

// New returns a Toolchain with cargo's defaults filled in for empty values
func New(cargo, binary, targetDir string) Toolchain {
	if cargo == "" {
		cargo = "cargo"
	}
	if binary == "" {
		binary = "griddy"
	}
	if targetDir == "" {
		targetDir = "target"
	}

	return Toolchain{Cargo: cargo, Binary: binary, TargetDir: targetDir}
}

// LintArgs runs clippy over the whole workspace including test code
func (t Toolchain) LintArgs() []string {
	return []string{t.Cargo, "clippy", "--workspace", "--tests"}
}

// TestArgs runs every test of the workspace
func (t Toolchain) TestArgs() []string {
	return []string{t.Cargo, "test", "--workspace"}
}

func (t Toolchain) BuildArgs() []string {
	return []string{t.Cargo, "build", "--release", "--target", TargetTriple}
}

// BuildEnv has to be applied on top of the inherited environment. It replaces any RUSTFLAGS the user has set.
func (t Toolchain) BuildEnv() map[string]string {
	return map[string]string{
		StaticLinkEnv: StaticLinkFlags,
	}
}

// ArtifactPath returns where cargo places the release binary. Relative target dirs are resolved against root.
func (t Toolchain) ArtifactPath(root string) string {
	targetDir := t.TargetDir
	if !filepath.IsAbs(targetDir) {
		targetDir = filepath.Join(root, targetDir)
	}

	return filepath.Join(targetDir, TargetTriple, Profile, t.Binary)
}
