package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JordyKingz/yala-svm-monitor/pkg/slog"
	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

const (
	monitorsDir      = "monitors"
	alertsDir        = "alerts"
	optimizationFile = "optimization.json"
	focusFile        = "optimization_yu_focused.json"

	reloadDebounce = 250 * time.Millisecond
)

var configReloadCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "svm_monitor_config_reloads_total",
		Help: "Configuration reload attempts, labeled by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(configReloadCounter)
}

// Manager loads the monitor catalog from a directory tree and republishes an
// immutable RuleSet snapshot whenever files change. A file that fails to parse
// or validate keeps its previously loaded contents; the rest of the tree still
// reloads.
type Manager struct {
	dir    string
	logger *zap.SugaredLogger

	mu sync.Mutex
	// per-file retention: a bad reload of one file falls back to its last
	// good contents instead of dropping its monitors or templates
	fileMonitors  map[string][]Monitor
	fileTemplates map[string]map[string]AlertTemplate

	current atomic.Pointer[RuleSet]
}

func NewManager(dir string) *Manager {
	return &Manager{
		dir:           dir,
		logger:        slog.Get(),
		fileMonitors:  make(map[string][]Monitor),
		fileTemplates: make(map[string]map[string]AlertTemplate),
	}
}

// Current returns the active RuleSet snapshot. Never nil after a successful Load.
func (m *Manager) Current() *RuleSet {
	return m.current.Load()
}

// Load reads the whole configuration tree and atomically publishes a new
// RuleSet. Per-file failures are collected into the returned error but do not
// prevent the rest of the tree from loading.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fileErrs []error

	listJSON := func(sub string) []string {
		entries, err := os.ReadDir(filepath.Join(m.dir, sub))
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				fileErrs = append(fileErrs, fmt.Errorf("reading %s: %w", sub, err))
			}
			return nil
		}
		var files []string
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				files = append(files, filepath.Join(m.dir, sub, entry.Name()))
			}
		}
		sort.Strings(files)
		return files
	}

	// alert templates first so monitor references can be resolved
	templateFiles := listJSON(alertsDir)
	liveTemplateFiles := make(map[string]struct{})
	for _, path := range templateFiles {
		liveTemplateFiles[path] = struct{}{}
		templates, err := loadTemplateFile(path)
		if err != nil {
			fileErrs = append(fileErrs, err)
			m.logger.Errorf("config: keeping previous contents of %s: %v", path, err)
			continue
		}
		m.fileTemplates[path] = templates
	}
	for path := range m.fileTemplates {
		if _, ok := liveTemplateFiles[path]; !ok {
			delete(m.fileTemplates, path)
		}
	}
	templates := make(map[string]AlertTemplate)
	for _, fileTemplates := range m.fileTemplates {
		for id, template := range fileTemplates {
			templates[id] = template
		}
	}

	monitorFiles := listJSON(monitorsDir)
	liveMonitorFiles := make(map[string]struct{})
	for _, path := range monitorFiles {
		liveMonitorFiles[path] = struct{}{}
		monitors, err := loadMonitorFile(path, templates)
		if err != nil {
			fileErrs = append(fileErrs, err)
			m.logger.Errorf("config: keeping previous contents of %s: %v", path, err)
			continue
		}
		m.fileMonitors[path] = monitors
	}
	for path := range m.fileMonitors {
		if _, ok := liveMonitorFiles[path]; !ok {
			delete(m.fileMonitors, path)
		}
	}

	var monitors []Monitor
	seen := make(map[string]string)
	for _, path := range sortedKeys(m.fileMonitors) {
		for _, monitor := range m.fileMonitors[path] {
			if prev, dup := seen[monitor.ID]; dup {
				fileErrs = append(fileErrs, fmt.Errorf("%s: duplicate monitor id %q (also in %s)", path, monitor.ID, prev))
				continue
			}
			seen[monitor.ID] = path
			if monitor.Enabled {
				monitors = append(monitors, monitor)
			}
		}
	}
	sort.Slice(monitors, func(i, j int) bool { return monitors[i].ID < monitors[j].ID })

	ruleset := &RuleSet{
		Monitors:  monitors,
		Templates: templates,
		Programs:  mapset.NewSet[types.Address](),
		Tokens:    mapset.NewSet[types.Address](),
	}

	if err := m.loadOptimization(ruleset); err != nil {
		fileErrs = append(fileErrs, err)
	}
	if err := m.loadFocus(ruleset); err != nil {
		fileErrs = append(fileErrs, err)
	}

	m.current.Store(ruleset)
	if len(fileErrs) > 0 {
		configReloadCounter.WithLabelValues("error").Inc()
		return errors.Join(fileErrs...)
	}
	configReloadCounter.WithLabelValues("success").Inc()
	m.logger.Infof("config loaded: %d monitors, %d templates", len(monitors), len(templates))
	return nil
}

func (m *Manager) loadOptimization(ruleset *RuleSet) error {
	path := filepath.Join(m.dir, optimizationFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	var opt OptimizationConfig
	if err := json.Unmarshal(data, &opt); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, raw := range opt.ProgramAllowlist {
		addr, err := types.AddressFromBase58(raw)
		if err != nil {
			return fmt.Errorf("%s: program allowlist: %w", path, err)
		}
		ruleset.Programs.Add(addr)
	}
	for _, raw := range opt.TokenAllowlist {
		addr, err := types.AddressFromBase58(raw)
		if err != nil {
			return fmt.Errorf("%s: token allowlist: %w", path, err)
		}
		ruleset.Tokens.Add(addr)
	}
	ruleset.MaxConcurrentSlots = opt.MaxConcurrentSlots
	return nil
}

func (m *Manager) loadFocus(ruleset *RuleSet) error {
	path := filepath.Join(m.dir, focusFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	var focus FocusConfig
	if err := json.Unmarshal(data, &focus); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	addr, err := types.AddressFromBase58(focus.FocusMint)
	if err != nil {
		return fmt.Errorf("%s: focus_mint: %w", path, err)
	}
	ruleset.FocusMint = &addr
	return nil
}

// Watch re-runs Load whenever a json file under the config tree changes.
// Blocks until ctx is cancelled.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	//goland:noinspection GoUnhandledErrorResult
	defer watcher.Close()

	for _, dir := range []string{m.dir, filepath.Join(m.dir, monitorsDir), filepath.Join(m.dir, alertsDir)} {
		if err := watcher.Add(dir); err != nil {
			m.logger.Warnf("config: not watching %s: %v", dir, err)
		}
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Errorf("config watcher: %v", err)
		case <-reload:
			if err := m.Load(); err != nil {
				m.logger.Errorf("config reload: %v", err)
			}
		}
	}
}

func loadMonitorFile(path string, templates map[string]AlertTemplate) ([]Monitor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var monitors []Monitor
	if err := json.Unmarshal(data, &monitors); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range monitors {
		monitor := &monitors[i]
		if err := validateMonitor(monitor); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		// the monitor-level alerts list is shorthand for alert actions on the
		// template's own channel, at the monitor's severity
		for _, templateID := range monitor.Alerts {
			template, ok := templates[templateID]
			if !ok {
				return nil, fmt.Errorf("%s: monitor %s references unknown template %q", path, monitor.ID, templateID)
			}
			monitor.Actions = append(monitor.Actions, Action{
				Type:     ActionAlert,
				Channel:  template.Channel,
				Template: templateID,
				Severity: monitor.Severity,
			})
		}
		for j := range monitor.Actions {
			action := &monitor.Actions[j]
			if action.Type != ActionAlert {
				continue
			}
			template, ok := templates[action.Template]
			if !ok {
				return nil, fmt.Errorf("%s: monitor %s references unknown template %q", path, monitor.ID, action.Template)
			}
			if action.Channel == "" {
				action.Channel = template.Channel
			}
			if action.Severity == "" {
				action.Severity = monitor.Severity
			}
		}
	}
	return monitors, nil
}

func loadTemplateFile(path string) (map[string]AlertTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var templates map[string]AlertTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for id := range templates {
		template := templates[id]
		if err := validateTemplate(id, &template); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		templates[id] = template
	}
	return templates, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
