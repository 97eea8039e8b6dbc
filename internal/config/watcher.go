package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ThresholdWatcher monitors the env file and hands freshly parsed thresholds
// to onChange whenever it is written.
type ThresholdWatcher struct {
	envPath  string
	watcher  *fsnotify.Watcher
	onChange func(Thresholds)
	debounce time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewThresholdWatcher creates a watcher for envPath.
func NewThresholdWatcher(envPath string, onChange func(Thresholds)) (*ThresholdWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ThresholdWatcher{
		envPath:  filepath.Clean(envPath),
		watcher:  watcher,
		onChange: onChange,
		debounce: 250 * time.Millisecond,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the env file's directory. Editors often replace
// files rather than write them in place, so the directory is watched.
func (tw *ThresholdWatcher) Start() error {
	dir := filepath.Dir(tw.envPath)
	if err := tw.watcher.Add(dir); err != nil {
		tw.watcher.Close()
		close(tw.done)
		return err
	}
	go tw.watchForChanges()
	log.Info().Str("env_path", tw.envPath).Msg("Watching env file for threshold changes")
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (tw *ThresholdWatcher) Stop() {
	tw.stopOnce.Do(func() {
		close(tw.stopChan)
		tw.watcher.Close()
	})
	<-tw.done
}

func (tw *ThresholdWatcher) watchForChanges() {
	defer close(tw.done)

	var pending <-chan time.Time
	for {
		select {
		case <-tw.stopChan:
			return

		case event, ok := <-tw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != tw.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Debug().Str("event", event.Op.String()).Msg("Detected env file change")
				pending = time.After(tw.debounce)
			}

		case <-pending:
			pending = nil
			tw.reload()

		case err, ok := <-tw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Env file watcher error")
		}
	}
}

func (tw *ThresholdWatcher) reload() {
	th, err := ReloadThresholds(tw.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", tw.envPath).Msg("Ignoring invalid threshold reload")
		return
	}
	log.Info().
		Float64("cpu_critical", th.CPUCritical).
		Float64("memory_critical", th.MemoryCritical).
		Float64("disk_critical", th.DiskCritical).
		Msg("Reloaded thresholds from env file")
	if tw.onChange != nil {
		tw.onChange(th)
	}
}
