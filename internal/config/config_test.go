package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/smpcache/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func Test_Load_Returns_Defaults_When_No_Files_Exist(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, Env: map[string]string{}})
	require.NoError(t, err)

	want := config.Default()
	want.EffectiveCwd = dir
	want.SegmentDirAbs = filepath.Join(dir, ".smpcache")

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	require.Equal(t, filepath.Join(dir, ".smpcache", "cache.db"), cfg.Path("db"))
}

func Test_Load_Layers_Files_When_Global_Project_And_Flags_Are_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "smpcache", "config.json"), `{
		// shared by every project
		"workers": 4,
		"slots": 64,
		"collapsed_forwarding": false,
	}`)
	writeFile(t, filepath.Join(dir, config.FileName), `{"slots": 128, "collapsed_poll_interval": "250ms"}`)

	worker := 3

	cfg, err := config.Load(config.LoadInput{
		WorkDir:   dir,
		Overrides: config.Overrides{SegmentDir: "/tmp/seg", WorkerID: &worker},
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
	})
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 128, cfg.Slots)
	require.False(t, cfg.CollapsedForwarding, "false from a file overrides a true default")
	require.Equal(t, config.Duration(250*time.Millisecond), cfg.CollapsedPollInterval)
	require.Equal(t, 3, cfg.WorkerID)
	require.Equal(t, "/tmp/seg", cfg.SegmentDirAbs)
	require.Equal(t, filepath.Join(xdg, "smpcache", "config.json"), cfg.Sources.Global)
	require.Equal(t, filepath.Join(dir, config.FileName), cfg.Sources.Project)
}

func Test_Load_Uses_Explicit_File_Instead_Of_Project_File_When_Config_Path_Is_Set(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, config.FileName), `{"name": "project"}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"name": "custom"}`)

	cfg, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: "custom.json"})
	require.NoError(t, err)
	require.Equal(t, "custom", cfg.Name)
	require.Equal(t, filepath.Join(dir, "custom.json"), cfg.Sources.Project)
}

func Test_Load_Returns_Error_When_File_Is_Bad(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		path    string
		want    error
	}{
		{name: "missing explicit file", path: "nope.json", want: config.ErrConfigFileNotFound},
		{name: "broken jsonc", content: `{"slots": `, want: config.ErrConfigInvalid},
		{name: "unknown key", content: `{"slotz": 3}`, want: config.ErrConfigInvalid},
		{name: "bad duration", content: `{"collapsed_poll_interval": "soon"}`, want: config.ErrConfigInvalid},
		{name: "worker id outside workers", content: `{"workers": 2, "worker_id": 2}`, want: config.ErrWorkerIDRange},
		{name: "too many workers", content: `{"workers": 1000}`, want: config.ErrWorkersRange},
		{name: "empty segment dir", content: `{"segment_dir": ""}`, want: config.ErrSegmentDirEmpty},
		{name: "name with slash", content: `{"name": "a/b"}`, want: config.ErrNameInvalid},
		{name: "tiny slots", content: `{"slot_size": 64}`, want: config.ErrSizeInvalid},
		{name: "min above max", content: `{"min_object_size": 10, "max_object_size": 5}`, want: config.ErrSizeInvalid},
		{name: "pct above 100", content: `{"quick_abort_pct": 101}`, want: config.ErrSizeInvalid},
		{name: "bad log level", content: `{"log_level": "loud"}`, want: config.ErrLogLevelInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()

			if tt.content != "" {
				writeFile(t, filepath.Join(dir, config.FileName), tt.content)
			}

			_, err := config.Load(config.LoadInput{WorkDir: dir, ConfigPath: tt.path})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func Test_Save_Writes_File_That_Load_Reads_Back_When_Called(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg := config.Default()
	cfg.Workers = 8
	cfg.WorkerID = 5
	cfg.LogFile = "/var/log/smpcache.log"
	cfg.CollapsedPollInterval = config.Duration(3 * time.Second)

	require.NoError(t, config.Save(filepath.Join(dir, config.FileName), cfg))

	got, err := config.Load(config.LoadInput{WorkDir: dir})
	require.NoError(t, err)

	ignore := cmpopts.IgnoreFields(config.Config{}, "EffectiveCwd", "SegmentDirAbs", "Sources")
	if diff := cmp.Diff(cfg, got, ignore); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}

	info, err := os.Stat(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o644), info.Mode().Perm())
}
