// Package routing decides where articles go. Destinations come from the
// static config and from a bindings file edited through bind/unbind; the
// file is reloaded when it changes on disk.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"feed_relay/internal/domain"
	"feed_relay/internal/storage/file"
)

// Bindings is the on-disk document. A nil Enabled defers to the configured channels.
type Bindings struct {
	Enabled      []string                      `json:"enabled"`
	Destinations map[string]map[string]Binding `json:"destinations"` // channel -> scope -> binding
}

type Binding struct {
	Target  string            `json:"target"`
	Options map[string]string `json:"options,omitempty"`
}

type Router struct {
	path    string
	enabled []string
	static  []domain.Destination
	logger  *slog.Logger

	mu       sync.RWMutex
	bindings Bindings
}

func New(path string, enabled []string, static []domain.Destination, logger *slog.Logger) (*Router, error) {
	r := &Router{
		path:    path,
		enabled: enabled,
		static:  static,
		logger:  logger.With("bindings", path),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the bindings file. A missing file means no bindings.
func (r *Router) Reload() error {
	b, err := r.read()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bindings = b
	r.mu.Unlock()
	return nil
}

func (r *Router) read() (Bindings, error) {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Bindings{Destinations: map[string]map[string]Binding{}}, nil
	}
	if err != nil {
		return Bindings{}, fmt.Errorf("read bindings: %w", err)
	}

	var b Bindings
	if err := json.Unmarshal(data, &b); err != nil {
		return Bindings{}, fmt.Errorf("parse bindings %s: %w", r.path, err)
	}
	if b.Destinations == nil {
		b.Destinations = map[string]map[string]Binding{}
	}
	return b, nil
}

// EnabledChannels returns the channels currently relayed to.
func (r *Router) EnabledChannels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.enabledLocked())
}

func (r *Router) enabledLocked() []string {
	if r.bindings.Enabled != nil {
		return r.bindings.Enabled
	}
	return r.enabled
}

// Destinations lists the destinations of every enabled channel, sorted by
// channel and scope. A file binding replaces a static one with the same scope.
func (r *Router) Destinations() []domain.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enabled := make(map[string]bool)
	for _, ch := range r.enabledLocked() {
		enabled[strings.ToLower(ch)] = true
	}

	byKey := make(map[string]domain.Destination)
	for _, d := range r.static {
		d.Channel = strings.ToLower(strings.TrimSpace(d.Channel))
		if enabled[d.Channel] {
			byKey[d.Channel+"\x00"+d.Scope] = d
		}
	}
	for channel, scopes := range r.bindings.Destinations {
		if !enabled[channel] {
			continue
		}
		for scope, b := range scopes {
			byKey[channel+"\x00"+scope] = domain.Destination{
				Channel: channel,
				Scope:   scope,
				Target:  b.Target,
				Options: b.Options,
			}
		}
	}

	out := slices.Collect(maps.Values(byKey))
	slices.SortFunc(out, func(a, b domain.Destination) int {
		if c := strings.Compare(a.Channel, b.Channel); c != 0 {
			return c
		}
		return strings.Compare(a.Scope, b.Scope)
	})
	return out
}

// Snapshot returns a deep copy of the bindings file content.
func (r *Router) Snapshot() Bindings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bindings.clone()
}

// Bind points channel at target for scope, replacing any previous binding.
func (r *Router) Bind(channel, scope, target string, options map[string]string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" || strings.TrimSpace(target) == "" {
		return errors.New("channel and target are required")
	}

	return r.update(func(b *Bindings) bool {
		if b.Destinations[channel] == nil {
			b.Destinations[channel] = map[string]Binding{}
		}
		b.Destinations[channel][scope] = Binding{Target: strings.TrimSpace(target), Options: maps.Clone(options)}
		return true
	})
}

// Unbind removes the binding of channel for scope and reports whether one existed.
func (r *Router) Unbind(channel, scope string) (bool, error) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	removed := false
	err := r.update(func(b *Bindings) bool {
		if _, ok := b.Destinations[channel][scope]; !ok {
			return false
		}
		delete(b.Destinations[channel], scope)
		if len(b.Destinations[channel]) == 0 {
			delete(b.Destinations, channel)
		}
		removed = true
		return true
	})
	return removed, err
}

// SetEnabled persists the list of channels to relay to.
func (r *Router) SetEnabled(channels []string) error {
	norm := make([]string, 0, len(channels))
	for _, ch := range channels {
		if ch = strings.ToLower(strings.TrimSpace(ch)); ch != "" && !slices.Contains(norm, ch) {
			norm = append(norm, ch)
		}
	}
	return r.update(func(b *Bindings) bool {
		b.Enabled = norm
		return true
	})
}

func (r *Router) update(fn func(b *Bindings) bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.bindings.clone()
	if !fn(&next) {
		return nil
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bindings: %w", err)
	}
	if err := file.WriteAtomic(r.path, append(data, '\n')); err != nil {
		return fmt.Errorf("write bindings: %w", err)
	}

	r.bindings = next
	return nil
}

func (b Bindings) clone() Bindings {
	out := Bindings{
		Destinations: make(map[string]map[string]Binding, len(b.Destinations)),
	}
	if b.Enabled != nil {
		out.Enabled = slices.Clone(b.Enabled)
	}
	for ch, scopes := range b.Destinations {
		cs := make(map[string]Binding, len(scopes))
		for scope, binding := range scopes {
			binding.Options = maps.Clone(binding.Options)
			cs[scope] = binding
		}
		out.Destinations[ch] = cs
	}
	return out
}

// Watch reloads the bindings whenever the file changes until ctx is done.
// Bursts of events are folded into one reload; a file that fails to parse
// keeps the previous bindings.
func (r *Router) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(r.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Base(r.path)

	const settle = 200 * time.Millisecond
	timer := time.NewTimer(settle)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				timer.Reset(settle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			r.logger.Warn("bindings watcher error", "error", err)
		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.Warn("bindings reload failed, keeping previous", "error", err)
				continue
			}
			r.logger.Info("bindings reloaded", "destinations", len(r.Destinations()))
		}
	}
}
