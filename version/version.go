// Package version reports the version of the running binary.
package version

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
)

// Version is set for releases with -ldflags -X.
var Version = "devel"

// version returns a version descriptor and reports whether the
// version is a known release.
func version() (string, bool) {
	if Version != "devel" {
		return Version, true
	}
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel", false
	}
	return info.Main.Version, false
}

// String describes the version of the binary.
func String() string {
	name := filepath.Base(os.Args[0])
	switch v, release := version(); {
	case release:
		return fmt.Sprintf("%s %s", name, v)
	case v == "devel":
		return fmt.Sprintf("%s (no version)", name)
	default:
		return fmt.Sprintf("%s (devel, %s)", name, v)
	}
}

func Print(w io.Writer) {
	fmt.Fprintln(w, String())
}

// Verbose prints the version along with the Go version and the
// modules the binary was built from.
func Verbose(w io.Writer) {
	Print(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Compiled with Go version:", runtime.Version())
	info, ok := debug.ReadBuildInfo()
	if !ok {
		fmt.Fprintln(w, "Built without Go modules")
		return
	}
	fmt.Fprintln(w, "Main module:")
	printModule(w, &info.Main)
	fmt.Fprintln(w, "Dependencies:")
	for _, dep := range info.Deps {
		printModule(w, dep)
	}
}

func printModule(w io.Writer, m *debug.Module) {
	fmt.Fprintf(w, "\t%s", m.Path)
	if m.Version != "(devel)" {
		fmt.Fprintf(w, "@%s", m.Version)
	}
	if m.Sum != "" {
		fmt.Fprintf(w, " (sum: %s)", m.Sum)
	}
	if m.Replace != nil {
		fmt.Fprintf(w, " (replace: %s)", m.Replace.Path)
	}
	fmt.Fprintln(w)
}
