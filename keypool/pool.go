// Package keypool rotates quota-limited API keys.
//
// Every key moves through LIVE, IN_USE, COOLING, BUSY and DEAD. Lease hands
// out the next LIVE key round-robin and Release records how the call went.
// Daily usage per key is persisted to a JSON file that resets when the local
// date changes. One Pool serves one credential set; the audio-analysis keys
// and the general keys live in separate pools with separate usage files.
package keypool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the availability state of one key.
type Status string

const (
	Live    Status = "LIVE"
	Busy    Status = "BUSY"
	Cooling Status = "COOLING"
	InUse   Status = "IN_USE"
	Dead    Status = "DEAD"
)

// Outcome is what a caller reports back when it releases a key.
type Outcome int

const (
	// Success puts the key into COOLING and counts one use.
	Success Outcome = iota
	// Throttled (quota or overload) puts the key into BUSY.
	Throttled
	// Fatal kills the key for the rest of the process.
	Fatal
	// Retry returns the key to LIVE with no penalty.
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Throttled:
		return "throttled"
	case Fatal:
		return "fatal"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrEmptyPool is returned by Lease when no keys are configured at all.
var ErrEmptyPool = errors.New("no API keys configured")

// Source loads the current key list, typically from config.
type Source func() ([]string, error)

// Static returns a Source that always yields keys.
func Static(keys ...string) Source {
	return func() ([]string, error) { return keys, nil }
}

// Options configures a Pool. Zero durations and limits take the defaults.
type Options struct {
	Name            string
	Source          Source
	UsageFile       string
	DeadKeysLog     string
	Model           string
	DailyLimit      int
	BusyCooldown    time.Duration
	CoolingCooldown time.Duration
	InUseTimeout    time.Duration
	Logger          *zap.Logger
	Clock           func() time.Time
}

const (
	DefaultDailyLimit      = 20
	DefaultBusyCooldown    = 60 * time.Second
	DefaultCoolingCooldown = 65 * time.Second
	DefaultInUseTimeout    = 300 * time.Second
)

type keyState struct {
	status Status
	since  time.Time
	lease  uint64
}

// Ticket is one lease of a key. Release takes it back so that a holder whose
// lease already timed out cannot change the state of the next holder.
type Ticket struct {
	Key string
	id  uint64
}

// Pool is a mutex-guarded set of keys with their states and daily usage.
type Pool struct {
	mu     sync.Mutex
	opts   Options
	log    *zap.Logger
	now    func() time.Time
	keys   []string
	state  map[string]*keyState
	cursor int
	usage  *usageDoc
	leases uint64
}

// Summary counts keys per status.
type Summary struct {
	Total   int `json:"total"`
	Live    int `json:"live"`
	Busy    int `json:"busy"`
	Cooling int `json:"cooling"`
	InUse   int `json:"in_use"`
	Dead    int `json:"dead"`
}

// New builds a pool, restores the usage file and loads the keys.
func New(opts Options) (*Pool, error) {
	if opts.Source == nil {
		return nil, errors.New("keypool: nil key source")
	}
	if opts.Name == "" {
		opts.Name = "general"
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = DefaultDailyLimit
	}
	if opts.BusyCooldown <= 0 {
		opts.BusyCooldown = DefaultBusyCooldown
	}
	if opts.CoolingCooldown <= 0 {
		opts.CoolingCooldown = DefaultCoolingCooldown
	}
	if opts.InUseTimeout <= 0 {
		opts.InUseTimeout = DefaultInUseTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		opts:  opts,
		log:   logger.Named("keypool").With(zap.String("pool", opts.Name)),
		now:   opts.Clock,
		state: map[string]*keyState{},
	}

	usage, err := loadUsage(opts.UsageFile, p.today(), opts.Model, opts.DailyLimit)
	if err != nil {
		p.log.Warn("⚠️ usage file unreadable, starting a fresh day", zap.Error(err))
	}
	p.usage = usage
	p.cursor = usage.CurrentIndex

	if err := p.Refresh(); err != nil {
		return nil, err
	}
	return p, nil
}

// Name identifies the pool in logs and usage files.
func (p *Pool) Name() string { return p.opts.Name }

// Refresh reloads the key list. Retained keys keep their state, removed keys
// lose it, and the cursor resets if it fell off the end.
func (p *Pool) Refresh() error {
	raw, err := p.opts.Source()
	if err != nil {
		return fmt.Errorf("load keys for pool %s: %w", p.opts.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(raw))
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		k = strings.TrimSpace(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) != len(raw) {
		p.log.Info("🔄 deduplicated keys", zap.Int("raw", len(raw)), zap.Int("unique", len(keys)))
	}

	for _, k := range keys {
		if _, ok := p.state[k]; !ok {
			p.state[k] = &keyState{status: Live}
		}
	}
	for k := range p.state {
		if !seen[k] {
			delete(p.state, k)
		}
	}
	p.keys = keys
	if p.cursor >= len(p.keys) || p.cursor < 0 {
		p.cursor = 0
	}

	p.log.Info("🔑 keys loaded", zap.Int("keys", len(p.keys)))
	return nil
}

// Lease returns the next usable key and marks it IN_USE. ok is false when
// every key is cooling, busy, dead, in use or over its daily limit; the caller
// should back off and try again. The error is only set for an empty pool.
func (p *Pool) Lease() (t Ticket, ok bool, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.keys)
	if n == 0 {
		return Ticket{}, false, ErrEmptyPool
	}

	now := p.now()
	p.rolloverLocked(now)

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		k := p.keys[idx]
		st := p.state[k]
		p.recoverLocked(idx, st, now, true)

		if st.status != Live {
			continue
		}
		if p.usage.Usage[k] >= p.opts.DailyLimit {
			continue
		}
		p.leases++
		st.status = InUse
		st.since = now
		st.lease = p.leases
		p.cursor = (idx + 1) % n
		return Ticket{Key: k, id: p.leases}, true, nil
	}
	return Ticket{}, false, nil
}

// Release records the outcome of a call made under t. A ticket whose key was
// reclaimed and leased again only counts its usage.
func (p *Pool) Release(t Ticket, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := t.Key
	st, ok := p.state[key]
	if !ok {
		return
	}
	now := p.now()
	idx := p.indexLocked(key)

	if st.lease != t.id {
		p.log.Warn("⚠️ late release of a reclaimed key", zap.Int("key", idx), zap.String("outcome", outcome.String()))
		if outcome == Success {
			p.countLocked(key, now)
		}
		return
	}

	switch outcome {
	case Success:
		st.status = Cooling
		st.since = now
		p.countLocked(key, now)
		p.log.Debug("❄️ key cooling",
			zap.Int("key", idx),
			zap.Int("used", p.usage.Usage[key]),
			zap.Int("limit", p.opts.DailyLimit),
			zap.Duration("cooldown", p.opts.CoolingCooldown))
	case Throttled:
		if st.status != Busy {
			p.log.Info("⛔ key busy", zap.Int("key", idx), zap.Duration("cooldown", p.opts.BusyCooldown))
		}
		st.status = Busy
		st.since = now
	case Fatal:
		st.status = Dead
		st.since = now
		p.log.Warn("💀 key dead", zap.Int("key", idx), zap.String("key_tail", Mask(key)))
		p.appendDeadLog(now, "Dead (401/invalid)", key)
	default:
		st.status = Live
		st.since = now
	}
}

// Remove drops a key for the rest of the process, for example after the
// provider blocked it.
func (p *Pool) Remove(key, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.indexLocked(key)
	if idx < 0 {
		return
	}
	p.keys = append(p.keys[:idx:idx], p.keys[idx+1:]...)
	delete(p.state, key)
	if idx < p.cursor {
		p.cursor--
	}
	if p.cursor >= len(p.keys) {
		p.cursor = 0
	}
	p.log.Warn("❌ key removed", zap.Int("key", idx), zap.String("reason", reason))
	p.appendDeadLog(p.now(), reason, key)
}

// Size is the number of keys currently in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Usage returns today's use count for key.
func (p *Pool) Usage(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rolloverLocked(p.now())
	return p.usage.Usage[key]
}

// Status returns the current status of key after time-based recovery.
func (p *Pool) Status(key string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.state[key]
	if !ok {
		return "", false
	}
	p.recoverLocked(p.indexLocked(key), st, p.now(), false)
	return st.status, true
}

// Statuses maps every key to its current status.
func (p *Pool) Statuses() map[string]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make(map[string]Status, len(p.keys))
	for i, k := range p.keys {
		st := p.state[k]
		p.recoverLocked(i, st, now, false)
		out[k] = st.status
	}
	return out
}

// Summary counts keys per status.
func (p *Pool) Summary() Summary {
	s := Summary{}
	for _, st := range p.Statuses() {
		s.Total++
		switch st {
		case Live:
			s.Live++
		case Busy:
			s.Busy++
		case Cooling:
			s.Cooling++
		case InUse:
			s.InUse++
		case Dead:
			s.Dead++
		}
	}
	return s
}

// recoverLocked applies the cooldown windows to one key.
func (p *Pool) recoverLocked(idx int, st *keyState, now time.Time, verbose bool) {
	elapsed := now.Sub(st.since)
	switch {
	case st.status == Busy && elapsed > p.opts.BusyCooldown:
		st.status = Live
		if verbose {
			p.log.Debug("🔄 busy key back to live", zap.Int("key", idx))
		}
	case st.status == Cooling && elapsed > p.opts.CoolingCooldown:
		st.status = Live
		if verbose {
			p.log.Debug("🍃 cooled key back in rotation", zap.Int("key", idx))
		}
	case st.status == InUse && elapsed > p.opts.InUseTimeout:
		st.status = Live
		p.log.Warn("⚠️ key lease timed out, reclaiming", zap.Int("key", idx))
	}
}

// countLocked adds one use of key to today's usage and persists it.
func (p *Pool) countLocked(key string, now time.Time) {
	p.rolloverLocked(now)
	p.usage.Usage[key]++
	p.usage.CurrentIndex = p.cursor
	if err := p.usage.save(p.opts.UsageFile); err != nil {
		p.log.Warn("⚠️ could not persist usage", zap.Error(err))
	}
}

// rolloverLocked resets usage when the local date changed.
func (p *Pool) rolloverLocked(now time.Time) {
	today := now.Format(dateLayout)
	if p.usage.Date == today {
		return
	}
	p.log.Info("📅 new day, usage reset", zap.String("from", p.usage.Date), zap.String("to", today))
	p.usage.Date = today
	p.usage.Usage = map[string]int{}
	if err := p.usage.save(p.opts.UsageFile); err != nil {
		p.log.Warn("⚠️ could not persist usage", zap.Error(err))
	}
}

func (p *Pool) today() string { return p.now().Format(dateLayout) }

func (p *Pool) indexLocked(key string) int {
	for i, k := range p.keys {
		if k == key {
			return i
		}
	}
	return -1
}

func (p *Pool) appendDeadLog(now time.Time, reason, key string) {
	if p.opts.DeadKeysLog == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(p.opts.DeadKeysLog), 0755); err != nil {
		p.log.Warn("⚠️ dead keys log", zap.Error(err))
		return
	}
	f, err := os.OpenFile(p.opts.DeadKeysLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		p.log.Warn("⚠️ dead keys log", zap.Error(err))
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s - [%s] %s: %s\n", now.Format("2006-01-02 15:04:05"), p.opts.Name, reason, key)
}

// Mask shortens a key for logs.
func Mask(key string) string {
	if len(key) <= 10 {
		return "..." + key[len(key)/2:]
	}
	return "..." + key[len(key)-10:]
}
