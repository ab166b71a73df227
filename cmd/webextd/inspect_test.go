package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/webext/internal/domain/extension"
)

func writeManifest(t *testing.T, body string, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(body), 0o644))
	for _, f := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("void 0;"), 0o644))
	}
	return dir
}

func TestIDCommand(t *testing.T) {
	dir := t.TempDir()
	want, err := extension.IDFromPath(dir)
	require.NoError(t, err)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"id", dir})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, want.String(), strings.TrimSpace(out.String()))
}

func TestSummaryRows(t *testing.T) {
	dir := writeManifest(t, `{
  "manifest_version": 3,
  "name": "Reader",
  "version": "3.0",
  "permissions": ["storage", "someFutureThing"],
  "host_permissions": ["https://*.example.com/*"],
  "content_scripts": [{"matches": ["https://example.com/*"], "exclude_matches": ["https://example.com/admin/*"], "js": ["a.js", "b.js"], "all_frames": true}],
  "background": {"scripts": ["bg.js"]}
}`, "a.js", "b.js", "bg.js")

	ext, err := extension.Load(dir, nil)
	require.NoError(t, err)

	props := map[string]string{}
	for _, row := range summaryRows(ext)[1:] {
		props[row[0]] = row[1]
	}
	assert.Equal(t, ext.ID.String(), props["ID"])
	assert.Equal(t, "storage", props["Permissions"])
	assert.Equal(t, "https://*.example.com/*", props["Host permissions"])
	assert.Equal(t, "someFutureThing", props["Unsupported"])
	assert.Equal(t, "bg.js", props["Background"])

	rows := contentScriptRows(ext)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"https://example.com/*", "https://example.com/admin/*", "document_idle", "true", "a.js, b.js"}, rows[1])
}

func TestSplitAddr(t *testing.T) {
	h, p, err := splitAddr("0.0.0.0:9000")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", h)
	assert.Equal(t, "9000", p)

	_, _, err = splitAddr("9000")
	assert.Error(t, err)
}
