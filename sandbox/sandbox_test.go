package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-Astudillo-ASC/collaborative-editor/common"
)

func TestValidate(t *testing.T) {
	langs := DefaultLanguages()
	const maxBytes = 1000

	tests := []struct {
		name     string
		language string
		code     string
		wantErr  bool
	}{
		{"ValidPython", "python", "print('hello')", false},
		{"ValidGo", "go", "package main\n\nfunc main() { println(1) }", false},
		{"EmptyCode", "python", "   \n\t", true},
		{"UnsupportedLanguage", "cobol", "DISPLAY 'HI'", true},
		{"TooLong", "python", strings.Repeat("a", maxBytes+1), true},
		{"PythonOSImport", "python", "import os\nos.system('rm -rf /')", true},
		{"PythonSubprocess", "python", "import subprocess", true},
		{"PythonSocket", "python", "import socket", true},
		{"NodeChildProcess", "javascript", "require('child_process').exec('id')", true},
		{"NodeFS", "javascript", "const fs = require('fs')", true},
		{"GoExec", "go", "import \"os/exec\"", true},
		{"JavaRuntime", "java", "Runtime.getRuntime().exec(\"id\");", true},
		{"CppSystem", "cpp", "int main() { system(\"id\"); }", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.language, tt.code, maxBytes, langs)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, common.KindValidation, common.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBuildCommandSubstitutesFile(t *testing.T) {
	langs := DefaultLanguages()

	cmd, err := buildCommand(langs["python"], "print(1)")
	require.NoError(t, err)
	assert.Equal(t, "cat > /tmp/main.py && python /tmp/main.py", cmd)
}

func TestBuildCommandExtractsJavaClassName(t *testing.T) {
	langs := DefaultLanguages()

	cmd, err := buildCommand(langs["java"], "public class Fibonacci {\n  public static void main(String[] a) {}\n}")
	require.NoError(t, err)
	assert.Contains(t, cmd, "Fibonacci.java")
	assert.Contains(t, cmd, "java -cp /tmp Fibonacci")

	// No public class falls back to Main.
	cmd, err = buildCommand(langs["java"], "class x {}")
	require.NoError(t, err)
	assert.Contains(t, cmd, "Main.java")
}

func TestBuildCommandRejectsHostileClassName(t *testing.T) {
	langs := DefaultLanguages()

	// A class name that would become shell syntax must be refused, not
	// interpolated.
	_, err := buildCommand(langs["java"], "public class Evil$Name {}")
	assert.Error(t, err)
}

func TestCompiledLanguagesGuardCompileStep(t *testing.T) {
	for _, name := range []string{"go", "java", "cpp"} {
		lang := DefaultLanguages()[name]
		assert.True(t, lang.Compiled, name)
		assert.Contains(t, lang.Command, "exit 113", name)
	}
}

func TestLoadLanguagesDefault(t *testing.T) {
	langs, err := LoadLanguages("")
	require.NoError(t, err)
	for _, name := range []string{"python", "javascript", "go", "java", "cpp"} {
		assert.Contains(t, langs, name)
	}
}

func TestLoadLanguagesOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	content := `
- name: python
  image: python:3.13-alpine
  file: main.py
  command: "cat > /tmp/{file} && python /tmp/{file}"
- name: ruby
  image: ruby:3.3-alpine
  file: main.rb
  command: "cat > /tmp/{file} && ruby /tmp/{file}"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	langs, err := LoadLanguages(path)
	require.NoError(t, err)
	assert.Equal(t, "python:3.13-alpine", langs["python"].Image)
	assert.Contains(t, langs, "ruby")
	assert.Contains(t, langs, "go", "defaults survive an override file")
}

func TestLoadLanguagesRejectsNamelessEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "languages.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- image: foo\n"), 0o600))

	_, err := LoadLanguages(path)
	assert.Error(t, err)
}

func TestCaptureEnforcesCombinedLimit(t *testing.T) {
	c := newCapture(10)

	n, err := c.stdoutWriter().Write([]byte("123456"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	select {
	case <-c.overflow:
		t.Fatal("overflow tripped below the limit")
	default:
	}

	// stderr shares the same budget; this write exceeds it.
	_, err = c.stderrWriter().Write([]byte("7890AB"))
	require.NoError(t, err)
	select {
	case <-c.overflow:
	default:
		t.Fatal("overflow did not trip")
	}

	stdout, stderr := c.contents()
	assert.Equal(t, "123456", stdout)
	assert.Equal(t, "7890", stderr, "output is truncated at the cap")
}
