package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanged(t *testing.T) {
	file := filepath.Join("etc", "promsql", "config.yml")
	tests := []struct {
		name  string
		event fsnotify.Event
		want  bool
	}{
		{name: "Write", event: fsnotify.Event{Name: file, Op: fsnotify.Write}, want: true},
		{name: "CreateByRename", event: fsnotify.Event{Name: file, Op: fsnotify.Create}, want: true},
		{name: "Chmod", event: fsnotify.Event{Name: file, Op: fsnotify.Chmod}, want: false},
		{name: "RenamedAway", event: fsnotify.Event{Name: file, Op: fsnotify.Rename}, want: false},
		{name: "OtherFile", event: fsnotify.Event{Name: file + ".swp", Op: fsnotify.Write}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, changed(tt.event, file))
		})
	}
}

func TestReloadOnReplacedConfig(t *testing.T) {
	t.Setenv("ENV", "development")
	app := newTestApp(t, testConfig(t, jobsQuery))
	dir := t.TempDir()
	filename := filepath.Join(dir, "config.yml")

	// replace writes a new config the way editors do: to a temporary file
	// renamed over the original.
	replace := func(level string) {
		tmp := filepath.Join(dir, ".config.yml.tmp")
		data := fmt.Sprintf("global_config:\n  log_level: %s\n  log_path: %s\n", level, dir)
		require.NoError(t, os.WriteFile(tmp, []byte(data), 0644))
		require.NoError(t, os.Rename(tmp, filename))
	}
	replace("WARN")

	watcher, err := newFileWatcher(filename)
	require.NoError(t, err)
	defer watcher.Close()
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		app.reloadOnChange(watcher, filename)
	}()

	for _, level := range []string{"DEBUG", "ERROR"} {
		replace(level)
		assert.Eventually(t, func() bool {
			return app.currentConfig().GlobalConfig.LogLevel == level
		}, 5*time.Second, 10*time.Millisecond, "config not reloaded to %s", level)
	}

	close(app.shutdown)
	<-stopped
	app.wg.Wait()
}
