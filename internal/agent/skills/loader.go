package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/omrylcn/gbot-sub000/internal/logging"
)

// SkillFileName is the expected filename for skill definitions
const SkillFileName = "SKILL.md"

// Loader keeps the skills of one directory and hot-reloads them
type Loader struct {
	mu       sync.RWMutex
	skills   map[string]*Skill // name -> skill
	dir      string
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	onChange func([]*Skill)
}

// NewLoader creates a new skill loader for the given directory
func NewLoader(dir string) *Loader {
	return &Loader{
		skills: make(map[string]*Skill),
		dir:    dir,
	}
}

// LoadAll (re)loads every SKILL.md below the directory:
//
//	skills/
//	├── daily-briefing/
//	│   └── SKILL.md
//	└── travel/
//	    └── SKILL.md
//
// A missing directory means no skills. Broken files are logged and skipped.
func (l *Loader) LoadAll() error {
	loaded := make(map[string]*Skill)

	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		l.replace(loaded)
		return nil
	}

	err := filepath.WalkDir(l.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(d.Name(), SkillFileName) {
			return nil
		}
		skill, err := loadFile(path)
		if err != nil {
			logging.Warnf("[Skills] %v", err)
			return nil
		}
		loaded[skill.Name] = skill
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}

	l.replace(loaded)
	logging.Infof("[Skills] Loaded %d skills from %s", len(loaded), l.dir)
	return nil
}

func (l *Loader) replace(skills map[string]*Skill) {
	l.mu.Lock()
	l.skills = skills
	l.mu.Unlock()
}

func loadFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	skill, err := ParseSkillMD(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := skill.Validate(); err != nil {
		return nil, fmt.Errorf("invalid skill %s: %w", path, err)
	}
	skill.FilePath = path
	return skill, nil
}

// Watch starts watching the skills directory until ctx is done or Stop is called
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	if err := l.watchRecursive(l.dir); err != nil {
		logging.Warnf("[Skills] Could not watch %s: %v", l.dir, err)
	}

	go l.watchLoop(ctx)
	return nil
}

// watchRecursive adds a directory and all subdirectories to the watcher
func (l *Loader) watchRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := l.watcher.Add(path); err != nil {
				logging.Debugf("[Skills] Could not watch %s: %v", path, err)
			}
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			l.handleEvent(event)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Errorf("[Skills] Watch error: %v", err)
		}
	}
}

func (l *Loader) handleEvent(event fsnotify.Event) {
	// new skill directories need a watch of their own
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = l.watchRecursive(event.Name)
			l.reload()
			return
		}
	}
	if !strings.EqualFold(filepath.Base(event.Name), SkillFileName) {
		return
	}

	logging.Debugf("[Skills] File event: %s %s", event.Op, event.Name)

	switch {
	case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
		skill, err := loadFile(event.Name)
		if err != nil {
			logging.Warnf("[Skills] Error reloading: %v", err)
			return
		}
		l.mu.Lock()
		// a renamed skill must not leave its old entry behind
		for name, s := range l.skills {
			if s.FilePath == event.Name && name != skill.Name {
				delete(l.skills, name)
			}
		}
		l.skills[skill.Name] = skill
		l.mu.Unlock()

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		l.mu.Lock()
		for name, s := range l.skills {
			if s.FilePath == event.Name {
				delete(l.skills, name)
				logging.Infof("[Skills] Unloaded skill: %s", name)
			}
		}
		l.mu.Unlock()

	default:
		return
	}

	l.notify()
}

func (l *Loader) reload() {
	if err := l.LoadAll(); err != nil {
		logging.Errorf("[Skills] Reload failed: %v", err)
		return
	}
	l.notify()
}

func (l *Loader) notify() {
	l.mu.RLock()
	fn := l.onChange
	l.mu.RUnlock()
	if fn != nil {
		fn(l.List())
	}
}

// OnChange sets a callback for when skills are loaded or unloaded
func (l *Loader) OnChange(fn func([]*Skill)) {
	l.mu.Lock()
	l.onChange = fn
	l.mu.Unlock()
}

// Stop stops watching for changes
func (l *Loader) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// Get returns a skill by name
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	skill, ok := l.skills[name]
	return skill, ok
}

// List returns all loaded skills, highest priority first, then by name
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	skills := make([]*Skill, 0, len(l.skills))
	for _, skill := range l.skills {
		skills = append(skills, skill)
	}
	l.mu.RUnlock()

	sort.Slice(skills, func(i, j int) bool {
		if skills[i].Priority != skills[j].Priority {
			return skills[i].Priority > skills[j].Priority
		}
		return skills[i].Name < skills[j].Name
	})
	return skills
}

// Enabled returns the skills offered to the model, in List order
func (l *Loader) Enabled() []*Skill {
	var out []*Skill
	for _, s := range l.List() {
		if !s.Disabled {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of loaded skills
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}
