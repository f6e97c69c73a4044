package templates

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-imports YAML templates when files in a directory change.
type Watcher struct {
	svc *Service
	dir string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// Watch imports every template in dir and then keeps watching it.
func (s *Service) Watch(dir string) (*Watcher, error) {
	if _, err := s.ImportDir(dir); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		svc:     s,
		dir:     dir,
		watcher: fw,
		done:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			_, err := w.svc.ImportFile(event.Name)
			if err != nil {
				w.svc.log.WithError(err).WithField("file", event.Name).Warn("Template import failed")
			} else {
				w.svc.log.WithField("file", event.Name).Info("Template reloaded")
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.svc.log.WithError(err).Warn("Template watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}
