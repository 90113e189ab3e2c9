package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/casehawk/internal/event"
	"github.com/telhawk-systems/casehawk/internal/repository"
)

func TestCommandsRegistered(t *testing.T) {
	expected := map[string]bool{
		"serve": false, "migrate": false, "intake": false, "run": false, "submit": false,
		"cancel": false, "status": false, "clear": false, "sweep": false, "indicators": false,
	}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := expected[cmd.Name()]; ok {
			expected[cmd.Name()] = true
		}
	}
	for name, found := range expected {
		assert.True(t, found, "command %q should be registered", name)
	}
}

func TestIndicatorsCommandHasSubcommands(t *testing.T) {
	var names []string
	for _, cmd := range indicatorsCmd.Commands() {
		names = append(names, cmd.Name())
	}
	assert.ElementsMatch(t, []string{"list", "add", "import", "remove", "enable", "disable"}, names)
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.ndjson"))
	touch(t, filepath.Join(dir, "host1", "security.csv"))
	touch(t, filepath.Join(dir, "host1", "deep", "sysmon.ndjson"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty.ndjson"), 0o755))

	files, err := discover([]string{
		filepath.Join(dir, "**", "*.ndjson"),
		filepath.Join(dir, "a.ndjson"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.ndjson"),
		filepath.Join(dir, "host1", "deep", "sysmon.ndjson"),
	}, files, "directories are skipped and duplicates collapse")

	files, err = discover([]string{filepath.Join(dir, "host1", "*.csv")})
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestDiscover_NoMatch(t *testing.T) {
	_, err := discover([]string{filepath.Join(t.TempDir(), "*.evtx")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files match")
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		path, explicit, want string
		wantErr              bool
	}{
		{path: "/e/a.csv", want: event.FormatCSV},
		{path: "/e/a.TSV", want: event.FormatTSV},
		{path: "/e/a.jsonl", want: event.FormatNDJSON},
		{path: "/e/a.ndjson.gz", want: event.FormatNDJSON},
		{path: "/e/a.csv.zst", want: event.FormatCSV},
		{path: "/e/security.json", explicit: event.FormatEVTXJSON, want: event.FormatEVTXJSON},
		{path: "/e/a.evtx", wantErr: true},
		{path: "/e/a.csv", explicit: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path+"/"+tt.explicit, func(t *testing.T) {
			got, err := formatFor(tt.path, tt.explicit)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIndicators(t *testing.T) {
	in := `
- type: domain
  value: beacon.evil.example
- type: hash
  value: 44d88612fea8a8f36de82e1278abb02f
  active: false
`
	inds, err := parseIndicators(strings.NewReader(in), 12)
	require.NoError(t, err)
	require.Len(t, inds, 2)
	assert.Equal(t, int64(12), inds[0].CaseID)
	assert.True(t, inds[0].Active)
	assert.Equal(t, repository.IndicatorHash, inds[1].Type)
	assert.False(t, inds[1].Active)

	_, err = parseIndicators(strings.NewReader("- type: mutex\n  value: x\n"), 12)
	assert.ErrorContains(t, err, "entry 1")

	_, err = parseIndicators(strings.NewReader("- type: ip\n  value: 1.2.3.4\n  weight: 3\n"), 12)
	assert.Error(t, err, "unknown keys are rejected")

	inds, err = parseIndicators(strings.NewReader(""), 12)
	require.NoError(t, err)
	assert.Empty(t, inds)
}

func captureOutput(t *testing.T, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevFormat := stdout, outputFormat
	stdout, outputFormat = &buf, format
	t.Cleanup(func() { stdout, outputFormat = prevOut, prevFormat })
	return &buf
}

func TestRender(t *testing.T) {
	ind := &repository.Indicator{ID: 3, CaseID: 12, Type: "ip", Value: "203.0.113.7", Active: true}

	buf := captureOutput(t, "json")
	require.NoError(t, render(ind, func() { t.Fatal("table used for json") }))
	assert.Contains(t, buf.String(), `"value": "203.0.113.7"`)

	buf = captureOutput(t, "yaml")
	require.NoError(t, render(ind, func() { t.Fatal("table used for yaml") }))
	assert.Contains(t, buf.String(), "case_id: 12")
	assert.Contains(t, buf.String(), "value: 203.0.113.7")

	captureOutput(t, "table")
	called := false
	require.NoError(t, render(ind, func() { called = true }))
	assert.True(t, called)
}

func TestTable(t *testing.T) {
	buf := captureOutput(t, "table")
	tbl := NewTable([]string{"ID", "VALUE"})
	tbl.AddRow([]string{"1", "beacon.evil.example"})
	tbl.Render()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.Contains(t, lines[0], "ID")
	assert.Contains(t, buf.String(), "beacon.evil.example")
}
