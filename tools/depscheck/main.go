// Command depscheck fails when a package imports across a forbidden layer
// boundary. The protocol core must not know how bytes reach a peer, and
// transports must not know what the bytes mean.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const modulePath = "github.com/amerkoleci/rbfx"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

type rule struct {
	from   string
	forbid []string
}

var rules = []rule{
	{from: "internal/wire", forbid: []string{"internal/"}},
	{from: "internal/trace", forbid: []string{"internal/"}},
	{from: "internal/scene", forbid: []string{"internal/replica", "internal/session", "internal/transport", "internal/server", "internal/app"}},
	{from: "internal/replica", forbid: []string{"internal/session", "internal/transport", "internal/server", "internal/app", "internal/prefab"}},
	{from: "internal/proto", forbid: []string{"internal/session", "internal/transport", "internal/server", "internal/app"}},
	{from: "internal/session", forbid: []string{"internal/transport", "internal/server", "internal/app"}},
	{from: "internal/transport", forbid: []string{"internal/replica", "internal/session", "internal/proto", "internal/server", "internal/app"}},
	{from: "internal/server", forbid: []string{"internal/app", "internal/transport/"}},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./internal/...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	pkgs, err := decodePackages(bytes.NewReader(output))
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
		os.Exit(1)
	}

	if violations := check(pkgs); len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func decodePackages(r io.Reader) ([]packageInfo, error) {
	decoder := json.NewDecoder(r)
	var pkgs []packageInfo
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				return pkgs, nil
			}
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
}

func check(pkgs []packageInfo) []string {
	var violations []string
	for _, pkg := range pkgs {
		rel, ok := strings.CutPrefix(pkg.ImportPath, modulePath+"/")
		if !ok {
			continue
		}
		for _, r := range rules {
			if !within(rel, r.from) {
				continue
			}
			for _, imp := range pkg.Imports {
				target, ok := strings.CutPrefix(imp, modulePath+"/")
				if !ok || within(target, r.from) {
					continue
				}
				for _, forbidden := range r.forbid {
					if strings.HasPrefix(target, forbidden) {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
						break
					}
				}
			}
		}
	}
	sort.Strings(violations)
	return violations
}

// within reports whether rel is the package dir or one of its children.
func within(rel, dir string) bool {
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}
