package context

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/duraloop/duraloop/pkg/models"
)

// DirectiveStore holds the always-on directive set merged from runtime
// defaults and a hot-reloaded directory of.md/.txt files, per spec
// §4.7 step 2: "file wins on source-name collision", sorted global
// before agent scope. Hot reload uses fsnotify, the same library the
// teacher already depends on for config reload.
type DirectiveStore struct {
	mu sync.RWMutex
	defaults []models.Directive
	fileDirs map[string]string // source_name -> absolute path
	dir string
	watcher *fsnotify.Watcher
	log *slog.Logger
}

func NewDirectiveStore(dir string, defaults []models.Directive, log *slog.Logger) (*DirectiveStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &DirectiveStore{
		defaults: defaults,
		fileDirs: make(map[string]string),
		dir: dir,
		log: log,
	}
	if dir != "" {
		if err := s.reload(); err != nil {
			return nil, err
		}
		if err := s.watch(); err != nil {
			// Hot reload is a convenience, not a correctness requirement;
			// log and continue with the directives already loaded.
			log.Warn("directive hot-reload unavailable", "dir", dir, "err", err)
		}
	}
	return s, nil
}

func (s *DirectiveStore) watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return err
	}
	s.watcher = w
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := s.reload(); err != nil {
						s.log.Warn("directive reload failed", "err", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("directive watcher error", "err", err)
			}
		}
	}()
	return nil
}

func (s *DirectiveStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *DirectiveStore) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			s.fileDirs = make(map[string]string)
			s.mu.Unlock()
			return nil
		}
		return err
	}

	loaded := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".md" && ext != ".txt" {
			continue
		}
		loaded[strings.TrimSuffix(e.Name(), ext)] = filepath.Join(s.dir, e.Name())
	}

	s.mu.Lock()
	s.fileDirs = loaded
	s.mu.Unlock()
	return nil
}

// Merged returns the directive set in required order:
// global scope before agent scope, file-sourced directives overriding
// a runtime default of the same source name.
func (s *DirectiveStore) Merged(agentName string) ([]models.Directive, error) {
	s.mu.RLock()
	files := make(map[string]string, len(s.fileDirs))
	for k, v := range s.fileDirs {
		files[k] = v
	}
	s.mu.RUnlock()

	bySource := make(map[string]models.Directive, len(s.defaults))
	for _, d := range s.defaults {
		bySource[d.SourceName] = d
	}
	for name, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		scope := "global"
		if strings.HasPrefix(name, agentName+".") {
			scope = "agent"
		}
		bySource[name] = models.Directive{SourceName: name, Scope: scope, Text: strings.TrimSpace(string(data))}
	}

	out := make([]models.Directive, 0, len(bySource))
	for _, d := range bySource {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope == "global"
		}
		return out[i].SourceName < out[j].SourceName
	})
	return out, nil
}
