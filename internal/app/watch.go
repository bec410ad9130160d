package app

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// newFileWatcher watches the directories holding files. Watching the
// directory keeps working when an editor replaces a file by renaming a new
// one over it, which drops a watch placed on the file itself.
func newFileWatcher(files ...string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := make(map[string]struct{})
	for _, file := range files {
		dirs[filepath.Dir(file)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
	}
	return watcher, nil
}

// changed reports whether event writes or replaces one of files.
func changed(event fsnotify.Event, files ...string) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(event.Name)
	for _, file := range files {
		if name == filepath.Clean(file) {
			return true
		}
	}
	return false
}

// watchConfig reloads the application whenever filename is written or
// replaced.
func (app *Application) watchConfig(filename string) {
	watcher, err := newFileWatcher(filename)
	if err != nil {
		app.logger.Errorf("Failed to watch config file: %v", err)
		return
	}
	defer watcher.Close()
	app.reloadOnChange(watcher, filename)
}

func (app *Application) reloadOnChange(watcher *fsnotify.Watcher, filename string) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !changed(event, filename) {
				continue
			}
			config, err := LoadConfig(filename)
			if err != nil {
				app.logger.Errorf("Failed to reload config: %v", err)
				continue
			}
			if err := app.reload(config); err != nil {
				app.logger.Errorf("Failed to apply config: %v", err)
				continue
			}
			app.logger.Info("Configuration reloaded successfully")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			app.logger.Errorf("Config watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}

// watchCertificates reloads the server certificate when its files change.
func (app *Application) watchCertificates() {
	if app.certs == nil {
		return
	}
	files := []string{app.certs.certFile, app.certs.keyFile}
	watcher, err := newFileWatcher(files...)
	if err != nil {
		app.logger.Errorf("Failed to watch certificates: %v", err)
		return
	}
	defer watcher.Close()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !changed(event, files...) {
				continue
			}
			app.logger.Info("Certificate change detected, reloading")
			if err := app.certs.reload(); err != nil {
				app.logger.Errorf("Failed to reload certificate: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			app.logger.Errorf("Certificate watcher error: %v", err)
		case <-app.shutdown:
			return
		}
	}
}
