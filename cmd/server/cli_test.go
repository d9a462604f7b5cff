package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"glasshub/internal/directory"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestAppsListFromFile(t *testing.T) {
	dir := t.TempDir()
	catalogue := filepath.Join(dir, "apps.toml")
	require.NoError(t, os.WriteFile(catalogue, []byte(`
[[apps]]
package_name = "com.example.notes"
name = "Notes"
webhook_url = "http://localhost:9000/webhook"

[[apps]]
package_name = "org.augmentos.dashboard"
name = "Dashboard"
category = "system"
`), 0o644))

	cfgPath := filepath.Join(dir, "glasshub.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("directory:\n  source: file\n  file: "+catalogue+"\nlog:\n  level: error\n"), 0o644))

	out, err := run(t, "--config", cfgPath, "apps", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "com.example.notes")
	assert.Contains(t, out, "org.augmentos.dashboard")
	assert.True(t, strings.Index(out, "com.example.notes") < strings.Index(out, "org.augmentos.dashboard"))
}

func TestAppsListRejectsBadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "glasshub.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("users:\n  source: redis\n"), 0o644))

	_, err := run(t, "--config", cfgPath, "apps", "list")
	assert.ErrorContains(t, err, "users.source")
}

func TestAppsImportNeedsFile(t *testing.T) {
	_, err := run(t, "apps", "import")
	assert.Error(t, err)
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestPrintAppsAlignsColouredColumns(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = prev })

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, printApps(cmd, []directory.App{
		{PackageName: "com.example.notes", Name: "Notes", Category: directory.CategoryStandard, WebhookURL: "http://notes"},
		{PackageName: "org.augmentos.dashboard", Name: "Dashboard", Category: directory.CategorySystem},
	}))
	require.True(t, ansi.MatchString(out.String()))

	lines := strings.Split(strings.TrimRight(ansi.ReplaceAllString(out.String(), ""), "\n"), "\n")
	require.Len(t, lines, 3)
	nameCol := strings.Index(lines[0], "NAME")
	categoryCol := strings.Index(lines[0], "CATEGORY")
	assert.Equal(t, nameCol, strings.Index(lines[1], "Notes"))
	assert.Equal(t, nameCol, strings.Index(lines[2], "Dashboard"))
	assert.Equal(t, categoryCol, strings.Index(lines[1], "standard"))
	assert.Equal(t, categoryCol, strings.Index(lines[2], "system"))
}
