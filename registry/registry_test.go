package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/cascade/slogger"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(slogger.NewDevNullLogger())

	err := r.Register(&Entrypoint{
		ID:      "orders.fulfill",
		Version: "1",
		Kind:    "workflow",
		Source:  `{"ok": true}`,
	})
	require.NoError(t, err)

	e, err := r.Get("orders.fulfill", "1")
	require.NoError(t, err)
	require.Equal(t, "workflow", e.Kind)

	// Empty version resolves to the latest registered version.
	require.NoError(t, r.Register(&Entrypoint{
		ID:      "orders.fulfill",
		Version: "2",
		Kind:    "workflow",
		Source:  `{"ok": true}`,
	}))
	latest, err := r.Get("orders.fulfill", "")
	require.NoError(t, err)
	require.Equal(t, "2", latest.Version)

	// The old version stays addressable for running invocations.
	old, err := r.Get("orders.fulfill", "1")
	require.NoError(t, err)
	require.Equal(t, "1", old.Version)

	_, err = r.Get("missing", "")
	require.Error(t, err)
}

func TestRegistry_Validate(t *testing.T) {
	r := New(nil)
	require.Error(t, r.Register(&Entrypoint{Version: "1", Kind: "function", Source: "x"}))
	require.Error(t, r.Register(&Entrypoint{ID: "a", Kind: "function", Source: "x"}))
	require.Error(t, r.Register(&Entrypoint{ID: "a", Version: "1", Kind: "cron", Source: "x"}))
	require.Error(t, r.Register(&Entrypoint{ID: "a", Version: "1", Kind: "function"}))
}

func TestParseYAML(t *testing.T) {
	file, err := ParseYAML([]byte(`
entrypoints:
  - id: orders.fulfill
    version: "1"
    kind: workflow
    timeout: 30s
    max_suspension: 72h
    source: |
      step("reserve", func() { return true })
    retry:
      max_attempts: 5
      initial_backoff: 1s
      max_backoff: 1m
      multiplier: 2.0
`))
	require.NoError(t, err)
	require.Len(t, file.Entrypoints, 1)

	e := file.Entrypoints[0]
	require.Equal(t, "orders.fulfill", e.ID)
	require.Equal(t, 30*time.Second, e.Timeout.Std())
	require.Equal(t, 72*time.Hour, e.MaxSuspension.Std())
	require.NotNil(t, e.Retry)
	require.Equal(t, 5, e.Retry.MaxAttempts)
}

func TestParseYAML_StrictRejectsUnknownFields(t *testing.T) {
	_, err := ParseYAML([]byte(`
entrypoints:
  - id: a
    version: "1"
    kind: function
    source: "1"
    unknown_field: true
`))
	require.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	content := `
entrypoints:
  - id: greet
    version: "1"
    kind: function
    source: '"hello"'
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greet.yaml"), []byte(content), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	r := New(slogger.NewDevNullLogger())
	require.NoError(t, r.LoadDirectory(dir))

	e, err := r.Get("greet", "")
	require.NoError(t, err)
	require.Equal(t, "function", e.Kind)
	require.Len(t, r.List(), 1)
}
