// Package sandbox runs user code in ephemeral, locked-down containers.
package sandbox

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// compileFailExit is the exit code the wrapper script reserves for
// compiler failures, so compile errors are distinguishable from runtime
// exits without parsing diagnostics.
const compileFailExit = 113

// Language describes how one language executes inside its container.
// The command template receives the code on stdin; {file} and {class}
// are substituted before the shell sees it.
type Language struct {
	Name     string `yaml:"name"`
	Image    string `yaml:"image"`
	File     string `yaml:"file"`
	Command  string `yaml:"command"`
	Compiled bool   `yaml:"compiled"`
	Env      []string `yaml:"env,omitempty"`
}

// DefaultLanguages is the built-in supported set. Compile and run
// happen in the same container invocation; the `|| exit 113` guard
// marks compiler failures.
func DefaultLanguages() map[string]Language {
	langs := []Language{
		{
			Name:    "python",
			Image:   "python:3.12-alpine",
			File:    "main.py",
			Command: "cat > /tmp/{file} && python /tmp/{file}",
		},
		{
			Name:    "javascript",
			Image:   "node:22-alpine",
			File:    "main.js",
			Command: "cat > /tmp/{file} && node /tmp/{file}",
		},
		{
			Name:     "go",
			Image:    "golang:1.24-alpine",
			File:     "main.go",
			Command:  "cat > /tmp/{file} && cd /tmp && { go build -o /tmp/prog {file} || exit 113; } && /tmp/prog",
			Compiled: true,
			Env:      []string{"GOCACHE=/tmp/.gocache", "GOPATH=/tmp/.gopath", "HOME=/tmp"},
		},
		{
			Name:     "java",
			Image:    "eclipse-temurin:21-alpine",
			File:     "{class}.java",
			Command:  "cat > /tmp/{class}.java && cd /tmp && { javac {class}.java || exit 113; } && java -cp /tmp {class}",
			Compiled: true,
		},
		{
			Name:     "cpp",
			Image:    "gcc:14",
			File:     "main.cpp",
			Command:  "cat > /tmp/{file} && { g++ -O2 -o /tmp/prog /tmp/{file} || exit 113; } && /tmp/prog",
			Compiled: true,
		},
	}
	out := make(map[string]Language, len(langs))
	for _, l := range langs {
		out[l.Name] = l
	}
	return out
}

// LoadLanguages merges a YAML definitions file over the defaults, so
// deployments can pin images or add languages without a rebuild. An
// empty path returns the defaults.
func LoadLanguages(path string) (map[string]Language, error) {
	langs := DefaultLanguages()
	if path == "" {
		return langs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading languages file: %w", err)
	}
	var overrides []Language
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parsing languages file: %w", err)
	}
	for _, l := range overrides {
		if l.Name == "" {
			return nil, fmt.Errorf("languages file entry without a name")
		}
		langs[l.Name] = l
	}
	return langs, nil
}

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	javaClassRe  = regexp.MustCompile(`(?m)public\s+class\s+([A-Za-z0-9_$]+)`)
)

// buildCommand renders the shell command for a job. Identifiers that
// end up inside the shell line are validated against [A-Za-z0-9_]+; a
// hostile class name must never become shell syntax.
func buildCommand(lang Language, code string) (string, error) {
	class := "Main"
	if lang.Name == "java" {
		if m := javaClassRe.FindStringSubmatch(code); m != nil {
			class = m[1]
		}
		if !identifierRe.MatchString(class) {
			return "", fmt.Errorf("invalid class name %q", class)
		}
	}
	cmd := strings.ReplaceAll(lang.Command, "{class}", class)
	cmd = strings.ReplaceAll(cmd, "{file}", strings.ReplaceAll(lang.File, "{class}", class))
	return cmd, nil
}
