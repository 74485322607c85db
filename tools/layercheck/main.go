// Command layercheck enforces the package layering of the SDK.
//
// It scans non-test Go files under pkg/ and reports imports that point up
// the stack, such as the data model importing the transport or any core
// package importing the process-wide facade.
//
// Usage:
//
//	go run ./tools/layercheck [-root <project-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/beacon/"

// forbidden maps a package directory, relative to the root, to import path
// fragments it must not use. Rules for a directory also apply to its
// subdirectories.
var forbidden = map[string][]string{
	"pkg/event":        {"pkg/breadcrumb", "pkg/scope", "pkg/hub", "pkg/client", "pkg/transport", "pkg/envelope"},
	"pkg/breadcrumb":   {"pkg/scope", "pkg/hub", "pkg/client", "pkg/transport"},
	"pkg/ratelimit":    {"pkg/outcome", "pkg/envelope", "pkg/transport", "pkg/client"},
	"pkg/outcome":      {"pkg/envelope", "pkg/transport", "pkg/client"},
	"pkg/envelope":     {"pkg/transport", "pkg/scope", "pkg/hub", "pkg/client"},
	"pkg/transport":    {"pkg/scope", "pkg/hub", "pkg/client"},
	"pkg/scope":        {"pkg/hub", "pkg/client", "pkg/transport"},
	"pkg/client":       {"pkg/hub", "pkg/config"},
	"pkg/integrations": {"pkg/hub", "pkg/config"},
}

// forbiddenEverywhere applies to every package under pkg/ except the ones
// listed as exempt.
var forbiddenEverywhere = []string{"pkg/beacon", "cmd/", "transporttest"}

var exempt = map[string]bool{"pkg/beacon": true}

type violation struct {
	file       string
	line       int
	importPath string
	rule       string
}

func (v violation) String() string {
	return fmt.Sprintf("%s:%d imports %q (forbidden: %q)", v.file, v.line, v.importPath, v.rule)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("layercheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	root := fs.String("root", ".", "Project root directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	violations, err := check(*root)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 2
	}
	for _, v := range violations {
		_, _ = fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		_, _ = fmt.Fprintf(stdout, "\n%d layering violation(s) found\n", len(violations))
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "layering check passed")
	return 0
}

func check(root string) ([]violation, error) {
	pkgDir := filepath.Join(root, "pkg")
	if _, err := os.Stat(pkgDir); err != nil {
		return nil, fmt.Errorf("%s: %w", pkgDir, err)
	}

	var violations []violation
	fset := token.NewFileSet()
	err := filepath.Walk(pkgDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == "testdata" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		dir := filepath.ToSlash(filepath.Dir(rel))
		rules := rulesFor(dir)

		f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
		if err != nil {
			return fmt.Errorf("parse %s: %w", rel, err)
		}
		for _, imp := range f.Imports {
			importPath := strings.Trim(imp.Path.Value, `"`)
			if !strings.HasPrefix(importPath, modulePath) {
				continue
			}
			local := strings.TrimPrefix(importPath, modulePath)
			for _, rule := range rules {
				if strings.Contains(local, rule) && !strings.HasPrefix(local, dir) {
					violations = append(violations, violation{
						file:       filepath.ToSlash(rel),
						line:       fset.Position(imp.Pos()).Line,
						importPath: importPath,
						rule:       rule,
					})
				}
			}
		}
		return nil
	})
	return violations, err
}

func rulesFor(dir string) []string {
	var rules []string
	for prefix, frags := range forbidden {
		if dir == prefix || strings.HasPrefix(dir, prefix+"/") {
			rules = append(rules, frags...)
		}
	}
	for prefix := range exempt {
		if dir == prefix || strings.HasPrefix(dir, prefix+"/") {
			return rules
		}
	}
	if !strings.HasPrefix(dir, "pkg/transport/transporttest") {
		rules = append(rules, forbiddenEverywhere...)
	}
	return rules
}
