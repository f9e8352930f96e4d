// Package catalog loads workflow step specifications and routing rules from
// a YAML file and keeps them fresh with filesystem watching. Step specs are
// configuration, not runtime state: the engine consults the catalog when it
// estimates, gates and dispatches steps.
package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/deepnoodle-ai/epic"
	"github.com/deepnoodle-ai/epic/planner"
	"github.com/deepnoodle-ai/epic/slogger"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
)

// File is the on-disk catalog document.
type File struct {
	Steps []epic.StepSpec `yaml:"steps"`
	Rules []planner.Rule  `yaml:"rules"`
}

// Catalog is a thread-safe view over a catalog file. Reloads swap the whole
// view atomically; a bad file keeps the last good contents in place.
type Catalog struct {
	mutex   sync.RWMutex
	path    string
	steps   map[string]epic.StepSpec
	order   []string
	rules   []planner.Rule
	logger  slogger.Logger
	watcher *fsnotify.Watcher
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(file.Steps) == 0 {
		return nil, fmt.Errorf("catalog defines no steps")
	}
	seen := map[string]bool{}
	for i, spec := range file.Steps {
		if spec.ID == "" {
			return nil, fmt.Errorf("step %d has no id", i)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate step id %q", spec.ID)
		}
		seen[spec.ID] = true
		if spec.EstimatedCost < 0 {
			return nil, fmt.Errorf("step %q has a negative cost estimate", spec.ID)
		}
		switch spec.ApprovalReason {
		case "", epic.ApprovalReasonBreakingChange, epic.ApprovalReasonScopeChange, epic.ApprovalReasonManual:
		default:
			return nil, fmt.Errorf("step %q has invalid approval reason %q", spec.ID, spec.ApprovalReason)
		}
	}
	for i, rule := range file.Rules {
		for _, step := range rule.Steps {
			if !seen[step.StepID] {
				return nil, fmt.Errorf("rule %d (%q) references unknown step %q", i, rule.Pattern, step.StepID)
			}
		}
	}
	return &file, nil
}

// Load reads a catalog from disk.
func Load(path string, logger slogger.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	c := &Catalog{path: path, logger: logger}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a catalog directly from specs and rules, bypassing the
// filesystem. Used by tests and embedded setups.
func New(steps []epic.StepSpec, rules []planner.Rule) *Catalog {
	c := &Catalog{logger: slogger.DefaultLogger}
	c.install(&File{Steps: steps, Rules: rules})
	return c
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog %s: %w", c.path, err)
	}
	file, err := Parse(data)
	if err != nil {
		return err
	}
	c.install(file)
	return nil
}

func (c *Catalog) install(file *File) {
	steps := make(map[string]epic.StepSpec, len(file.Steps))
	order := make([]string, 0, len(file.Steps))
	for _, spec := range file.Steps {
		steps[spec.ID] = spec
		order = append(order, spec.ID)
	}
	c.mutex.Lock()
	c.steps = steps
	c.order = order
	c.rules = file.Rules
	c.mutex.Unlock()
}

// Step returns the spec for a step id.
func (c *Catalog) Step(id string) (epic.StepSpec, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	spec, ok := c.steps[id]
	return spec, ok
}

// Steps returns all step specs in file order.
func (c *Catalog) Steps() []epic.StepSpec {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	steps := make([]epic.StepSpec, 0, len(c.order))
	for _, id := range c.order {
		steps = append(steps, c.steps[id])
	}
	return steps
}

// Rules returns the routing rules.
func (c *Catalog) Rules() []planner.Rule {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]planner.Rule(nil), c.rules...)
}

// Watch reloads the catalog when its file changes, until the context is
// cancelled. Reload failures keep the previous contents and are logged.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return fmt.Errorf("catalog was not loaded from a file")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory: editors often replace the file via rename, which
	// drops a watch held on the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}
	c.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.reload(); err != nil {
					c.logger.Warn("catalog reload failed, keeping previous contents",
						"path", c.path, "error", err)
					continue
				}
				c.logger.Info("catalog reloaded", "path", c.path, "steps", len(c.Steps()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
