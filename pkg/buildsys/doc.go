// Package buildsys implements a minimal task runner. Tasks form an explicit dependency graph,
// shell commands run through mvdan.cc/sh and projects can declare extra tasks in a Starlark file.
package buildsys
