// Package subscription tracks which streams each app in a session wants.
package subscription

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"glasshub/internal/stream"
)

// Action labels a history entry.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// HistoryEntry records one transition of an app's subscription set.
type HistoryEntry struct {
	Timestamp     time.Time     `json:"timestamp"`
	Action        Action        `json:"action"`
	Subscriptions []stream.Type `json:"subscriptions"`
}

// InvalidSubscriptionError lists identifiers rejected by Update.
type InvalidSubscriptionError struct {
	Invalid []stream.Type
}

func (e *InvalidSubscriptionError) Error() string {
	parts := make([]string, len(e.Invalid))
	for i, s := range e.Invalid {
		parts[i] = string(s)
	}
	return fmt.Sprintf("invalid subscriptions: %s", strings.Join(parts, ", "))
}

// ConnectionSet is whatever holds the live TPA connections of a session.
type ConnectionSet interface {
	DropConnection(packageName string)
}

// Registry holds sessionID → packageName → stream set. Sets are never
// mutated after being stored; Update swaps in a fresh slice.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string][]stream.Type

	historyMu sync.Mutex
	history   map[string][]HistoryEntry // "<sessionID>:<packageName>"

	now func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[string]map[string][]stream.Type),
		history: make(map[string][]HistoryEntry),
		now:     time.Now,
	}
}

func historyKey(sessionID, packageName string) string {
	return sessionID + ":" + packageName
}

// Update replaces the subscription set of packageName. Nothing is applied when
// any identifier is invalid.
func (r *Registry) Update(sessionID, packageName string, subs []stream.Type) error {
	var invalid []stream.Type
	next := make([]stream.Type, 0, len(subs))
	seen := make(map[stream.Type]bool, len(subs))
	for _, s := range subs {
		if !stream.Valid(s) {
			invalid = append(invalid, s)
			continue
		}
		s = stream.Normalize(s)
		if seen[s] {
			continue
		}
		seen[s] = true
		next = append(next, s)
	}
	if len(invalid) > 0 {
		return &InvalidSubscriptionError{Invalid: invalid}
	}

	r.mu.Lock()
	apps, ok := r.subs[sessionID]
	if !ok {
		apps = make(map[string][]stream.Type)
		r.subs[sessionID] = apps
	}
	_, existed := apps[packageName]
	apps[packageName] = next
	r.mu.Unlock()

	action := ActionAdd
	if existed {
		action = ActionUpdate
	}
	r.record(sessionID, packageName, action, next)
	return nil
}

func (r *Registry) record(sessionID, packageName string, action Action, subs []stream.Type) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	key := historyKey(sessionID, packageName)
	r.history[key] = append(r.history[key], HistoryEntry{
		Timestamp:     r.now(),
		Action:        action,
		Subscriptions: subs,
	})
}

// SubscribedApps returns the packages in sessionID subscribed to t, either
// verbatim or through a wildcard.
func (r *Registry) SubscribedApps(sessionID string, t stream.Type) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for pkg, set := range r.subs[sessionID] {
		for _, s := range set {
			if s == t || stream.IsWildcard(s) {
				out = append(out, pkg)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// HasMediaSubscription reports whether any app needs the microphone.
func (r *Registry) HasMediaSubscription(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.subs[sessionID] {
		for _, s := range set {
			if stream.IsMedia(s) {
				return true
			}
		}
	}
	return false
}

// MinimalLanguageSubscriptions returns the sorted, deduplicated language
// streams across every app in the session.
func (r *Registry) MinimalLanguageSubscriptions(sessionID string) []stream.Type {
	r.mu.RLock()
	seen := make(map[stream.Type]bool)
	for _, set := range r.subs[sessionID] {
		for _, s := range set {
			if stream.IsLanguage(s) {
				seen[s] = true
			}
		}
	}
	r.mu.RUnlock()

	out := make([]stream.Type, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Subscriptions returns the current set for one app.
func (r *Registry) Subscriptions(sessionID, packageName string) []stream.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.subs[sessionID][packageName])
}

// SessionSubscriptions returns every app's set in the session.
func (r *Registry) SessionSubscriptions(sessionID string) map[string][]stream.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]stream.Type, len(r.subs[sessionID]))
	for pkg, set := range r.subs[sessionID] {
		out[pkg] = slices.Clone(set)
	}
	return out
}

// Remove deletes the app's record and drops its connection from conns, if any.
// Removing an app with no record only drops the connection.
func (r *Registry) Remove(sessionID, packageName string, conns ConnectionSet) {
	r.mu.Lock()
	apps := r.subs[sessionID]
	_, existed := apps[packageName]
	if existed {
		delete(apps, packageName)
		if len(apps) == 0 {
			delete(r.subs, sessionID)
		}
	}
	r.mu.Unlock()

	if existed {
		r.record(sessionID, packageName, ActionRemove, nil)
	}
	if conns != nil {
		conns.DropConnection(packageName)
	}
}

// RemoveSession forgets every record and history entry for sessionID.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	delete(r.subs, sessionID)
	r.mu.Unlock()

	prefix := sessionID + ":"
	r.historyMu.Lock()
	for key := range r.history {
		if strings.HasPrefix(key, prefix) {
			delete(r.history, key)
		}
	}
	r.historyMu.Unlock()
}

// Rekey moves records and history from one session id to another. Existing
// records under to are kept when both ids hold the same package.
func (r *Registry) Rekey(from, to string) {
	if from == to {
		return
	}

	r.mu.Lock()
	if apps, ok := r.subs[from]; ok {
		dst, ok := r.subs[to]
		if !ok {
			dst = make(map[string][]stream.Type, len(apps))
			r.subs[to] = dst
		}
		for pkg, set := range apps {
			if _, exists := dst[pkg]; !exists {
				dst[pkg] = set
			}
		}
		delete(r.subs, from)
	}
	r.mu.Unlock()

	prefix := from + ":"
	r.historyMu.Lock()
	for key, entries := range r.history {
		if pkg, ok := strings.CutPrefix(key, prefix); ok {
			newKey := historyKey(to, pkg)
			r.history[newKey] = append(entries, r.history[newKey]...)
			delete(r.history, key)
		}
	}
	r.historyMu.Unlock()
}

// History returns the recorded transitions of one app.
func (r *Registry) History(sessionID, packageName string) []HistoryEntry {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()
	return slices.Clone(r.history[historyKey(sessionID, packageName)])
}
