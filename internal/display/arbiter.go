// Package display decides which app owns each view of the glasses.
package display

import (
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"glasshub/internal/protocol"

	"go.uber.org/zap"
)

const (
	DefaultThrottle     = 200 * time.Millisecond
	DefaultBootDuration = 3 * time.Second

	bootTitle = "Starting Apps"
)

// Host is the session an arbiter renders for.
type Host interface {
	// ActiveApps returns package names in priority order, highest first.
	ActiveApps() []string
	SendDisplay(ev protocol.DisplayEvent)
}

// Options tunes an Arbiter.
type Options struct {
	Throttle      time.Duration
	BootDuration  time.Duration
	SystemPackage string
}

// Request is one app's ask to show a layout.
type Request struct {
	View        string
	PackageName string
	Layout      json.RawMessage
	Duration    time.Duration // zero means no expiry
}

type entry struct {
	req       Request
	expiresAt time.Time
	timer     *time.Timer
}

type pendingRequest struct {
	req Request
	seq uint64
}

// Arbiter holds one stack per view and picks a single winner for each.
type Arbiter struct {
	mu     sync.Mutex
	host   Host
	opts   Options
	logger *zap.Logger

	stacks map[string]map[string]*entry // view → package → entry
	shown  map[string]string            // view → package on screen

	booting    []string
	bootActive bool
	bootTimer  *time.Timer
	bootGen    uint64

	lastRender time.Time
	pending    map[string]pendingRequest
	seq        uint64
	flushTimer *time.Timer

	closed bool
	now    func() time.Time
}

// NewArbiter creates an arbiter rendering to host.
func NewArbiter(host Host, opts Options, logger *zap.Logger) *Arbiter {
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	if opts.BootDuration <= 0 {
		opts.BootDuration = DefaultBootDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{
		host:    host,
		opts:    opts,
		logger:  logger,
		stacks:  make(map[string]map[string]*entry),
		shown:   make(map[string]string),
		pending: make(map[string]pendingRequest),
		now:     time.Now,
	}
}

// Rebind points the arbiter at a new host, used when a session reconnects.
func (a *Arbiter) Rebind(host Host) {
	a.mu.Lock()
	a.host = host
	a.mu.Unlock()
}

// Post submits a display request.
func (a *Arbiter) Post(req Request) {
	if req.View == "" {
		req.View = protocol.ViewMain
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	var out []protocol.DisplayEvent
	switch {
	case a.bootActive && req.PackageName != a.opts.SystemPackage:
		a.insert(req)
	case req.View == protocol.ViewDashboard:
		out = append(out, a.renderLocked(req))
	default:
		now := a.now()
		elapsed := now.Sub(a.lastRender)
		if !a.lastRender.IsZero() && elapsed < a.opts.Throttle {
			a.seq++
			a.pending[req.PackageName] = pendingRequest{req: req, seq: a.seq}
			if a.flushTimer == nil {
				a.flushTimer = time.AfterFunc(a.opts.Throttle-elapsed, a.flush)
			}
			break
		}
		delete(a.pending, req.PackageName)
		out = append(out, a.renderLocked(req))
		a.lastRender = now
	}
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

func send(host Host, events []protocol.DisplayEvent) {
	if host == nil {
		return
	}
	for _, ev := range events {
		host.SendDisplay(ev)
	}
}

// insert evicts the package from every view and stores the request.
func (a *Arbiter) insert(req Request) *entry {
	a.evictLocked(req.PackageName)

	e := &entry{req: req}
	if req.Duration > 0 {
		e.expiresAt = a.now().Add(req.Duration)
		e.timer = time.AfterFunc(req.Duration, func() { a.expire(req.View, req.PackageName, e) })
	}
	stack, ok := a.stacks[req.View]
	if !ok {
		stack = make(map[string]*entry)
		a.stacks[req.View] = stack
	}
	stack[req.PackageName] = e
	return e
}

func (a *Arbiter) evictLocked(pkg string) {
	for view, stack := range a.stacks {
		if e, ok := stack[pkg]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(stack, pkg)
		}
		if a.shown[view] == pkg {
			delete(a.shown, view)
		}
	}
}

func (a *Arbiter) renderLocked(req Request) protocol.DisplayEvent {
	a.insert(req)
	a.shown[req.View] = req.PackageName
	return protocol.NewDisplayEvent(req.View, req.PackageName, req.Layout, req.Duration)
}

func (a *Arbiter) flush() {
	a.mu.Lock()
	a.flushTimer = nil
	if a.closed || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}

	pending := make([]pendingRequest, 0, len(a.pending))
	for _, p := range a.pending {
		pending = append(pending, p)
	}
	clear(a.pending)
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })

	// Everything lands in its stack; only the newest request per view is drawn.
	latest := make(map[string]Request)
	for _, p := range pending {
		a.insert(p.req)
		latest[p.req.View] = p.req
	}

	var out []protocol.DisplayEvent
	for _, p := range pending {
		req := p.req
		if latest[req.View].PackageName != req.PackageName {
			continue
		}
		if a.bootActive && req.PackageName != a.opts.SystemPackage {
			continue
		}
		a.shown[req.View] = req.PackageName
		out = append(out, protocol.NewDisplayEvent(req.View, req.PackageName, req.Layout, req.Duration))
	}
	if len(out) > 0 {
		a.lastRender = a.now()
	}
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

func (a *Arbiter) expire(view, pkg string, e *entry) {
	a.mu.Lock()
	if a.closed || a.stacks[view][pkg] != e {
		a.mu.Unlock()
		return
	}
	delete(a.stacks[view], pkg)

	var out []protocol.DisplayEvent
	if a.shown[view] == pkg {
		delete(a.shown, view)
		out = a.showNextLocked(view, true)
	}
	host := a.host
	a.mu.Unlock()

	a.logger.Debug("display expired", zap.String("view", view), zap.String("package", pkg))
	send(host, out)
}

// showNextLocked reveals the highest-priority live entry in view. An empty
// view is cleared only when force is set.
func (a *Arbiter) showNextLocked(view string, force bool) []protocol.DisplayEvent {
	if a.bootActive && view == protocol.ViewMain {
		return nil
	}

	winner := a.nextWinnerLocked(view)
	if winner == nil {
		delete(a.shown, view)
		if !force {
			return nil
		}
		return []protocol.DisplayEvent{protocol.NewDisplayEvent(view, "", protocol.EmptyLayout(), 0)}
	}

	a.shown[view] = winner.req.PackageName
	var remaining time.Duration
	if !winner.expiresAt.IsZero() {
		remaining = winner.expiresAt.Sub(a.now())
		if remaining <= 0 {
			remaining = time.Millisecond
		}
	}
	return []protocol.DisplayEvent{
		protocol.NewDisplayEvent(view, winner.req.PackageName, winner.req.Layout, remaining),
	}
}

// nextWinnerLocked picks the entry whose package sits earliest in the active
// list. Packages missing from the list rank last, ordered by name.
func (a *Arbiter) nextWinnerLocked(view string) *entry {
	stack := a.stacks[view]
	if len(stack) == 0 {
		return nil
	}

	var order []string
	if a.host != nil {
		order = a.host.ActiveApps()
	}
	rank := func(pkg string) int {
		if i := slices.Index(order, pkg); i >= 0 {
			return i
		}
		return len(order)
	}

	var best *entry
	for pkg, e := range stack {
		if best == nil {
			best = e
			continue
		}
		r, br := rank(pkg), rank(best.req.PackageName)
		if r < br || (r == br && pkg < best.req.PackageName) {
			best = e
		}
	}
	return best
}

// Clear removes the package's entry from view, revealing the next winner.
func (a *Arbiter) Clear(view, pkg string) {
	a.mu.Lock()
	var out []protocol.DisplayEvent
	if e, ok := a.stacks[view][pkg]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(a.stacks[view], pkg)
		if a.shown[view] == pkg {
			out = a.showNextLocked(view, true)
		}
	}
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

// OnAppStart shows the boot screen for pkg and restarts the boot timer.
func (a *Arbiter) OnAppStart(pkg string) {
	if pkg == a.opts.SystemPackage {
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if !slices.Contains(a.booting, pkg) {
		a.booting = append(a.booting, pkg)
	}
	a.bootActive = true
	out := []protocol.DisplayEvent{a.bootScreenLocked()}

	a.bootGen++
	gen := a.bootGen
	if a.bootTimer != nil {
		a.bootTimer.Stop()
	}
	a.bootTimer = time.AfterFunc(a.opts.BootDuration, func() { a.bootElapsed(gen) })
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

func (a *Arbiter) bootScreenLocked() protocol.DisplayEvent {
	var running []string
	if a.host != nil {
		for _, pkg := range a.host.ActiveApps() {
			if pkg != a.opts.SystemPackage && !slices.Contains(a.booting, pkg) {
				running = append(running, pkg)
			}
		}
	}
	text := "Booting: " + strings.Join(a.booting, ", ")
	if len(running) > 0 {
		text += "\nRunning: " + strings.Join(running, ", ")
	}
	return protocol.NewDisplayEvent(protocol.ViewMain, a.opts.SystemPackage,
		protocol.ReferenceCardLayout(bootTitle, text), 0)
}

func (a *Arbiter) bootElapsed(gen uint64) {
	a.mu.Lock()
	if a.closed || gen != a.bootGen || !a.bootActive {
		a.mu.Unlock()
		return
	}
	a.booting = nil
	out := a.endBootLocked()
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

func (a *Arbiter) endBootLocked() []protocol.DisplayEvent {
	a.bootActive = false
	a.bootGen++
	if a.bootTimer != nil {
		a.bootTimer.Stop()
		a.bootTimer = nil
	}
	return a.showNextLocked(protocol.ViewMain, true)
}

// EndBoot drops pkg from the booting set, clearing the boot screen when it was
// the last one.
func (a *Arbiter) EndBoot(pkg string) {
	a.mu.Lock()
	out := a.endBootForLocked(pkg)
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

func (a *Arbiter) endBootForLocked(pkg string) []protocol.DisplayEvent {
	i := slices.Index(a.booting, pkg)
	if i < 0 {
		return nil
	}
	a.booting = slices.Delete(a.booting, i, i+1)
	if !a.bootActive {
		return nil
	}
	if len(a.booting) == 0 {
		return a.endBootLocked()
	}
	return []protocol.DisplayEvent{a.bootScreenLocked()}
}

// OnAppStop removes everything pkg put on screen and ends its boot entry.
func (a *Arbiter) OnAppStop(pkg string) {
	a.mu.Lock()
	delete(a.pending, pkg)

	var cleared []string
	for view, stack := range a.stacks {
		if e, ok := stack[pkg]; ok {
			if e.timer != nil {
				e.timer.Stop()
			}
			delete(stack, pkg)
		}
		if a.shown[view] == pkg {
			cleared = append(cleared, view)
		}
	}
	sort.Strings(cleared)

	var out []protocol.DisplayEvent
	for _, view := range cleared {
		delete(a.shown, view)
		out = append(out, a.showNextLocked(view, true)...)
	}
	out = append(out, a.endBootForLocked(pkg)...)
	host := a.host
	a.mu.Unlock()

	send(host, out)
}

// Shown returns the package currently on screen for view.
func (a *Arbiter) Shown(view string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shown[view]
}

// Booting reports the boot flag and the packages still booting.
func (a *Arbiter) Booting() (bool, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bootActive, slices.Clone(a.booting)
}

// Shutdown stops every timer. Later calls are ignored.
func (a *Arbiter) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	for _, stack := range a.stacks {
		for _, e := range stack {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	if a.bootTimer != nil {
		a.bootTimer.Stop()
	}
	if a.flushTimer != nil {
		a.flushTimer.Stop()
	}
}
