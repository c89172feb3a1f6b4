package keypool

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestPool(t *testing.T, keys ...string) (*Pool, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)}
	usage := filepath.Join(dir, "usage.json")
	p, err := New(Options{
		Name:        "test",
		Source:      Static(keys...),
		UsageFile:   usage,
		DeadKeysLog: filepath.Join(dir, "dead_keys.log"),
		Model:       "gemini-test",
		Clock:       clock.now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, clock, usage
}

func TestLeaseHandsOutDistinctKeys(t *testing.T) {
	p, _, _ := newTestPool(t, "k1", "k2", "k3")

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		tk, ok, err := p.Lease()
		if err != nil || !ok {
			t.Fatalf("lease %d: ok=%v err=%v", i, ok, err)
		}
		k := tk.Key
		if seen[k] {
			t.Fatalf("key %s leased twice", k)
		}
		seen[k] = true
		if st, _ := p.Status(k); st != InUse {
			t.Fatalf("status of %s = %s, want IN_USE", k, st)
		}
	}

	if _, ok, err := p.Lease(); ok || err != nil {
		t.Fatalf("expected no key while all in use, got ok=%v err=%v", ok, err)
	}
}

func TestSuccessCoolsAndCountsUsage(t *testing.T) {
	p, clock, usageFile := newTestPool(t, "only")

	tk, ok, _ := p.Lease()
	if !ok {
		t.Fatal("expected a key")
	}
	p.Release(tk, Success)

	if st, _ := p.Status(tk.Key); st != Cooling {
		t.Fatalf("status = %s, want COOLING", st)
	}
	if _, ok, _ := p.Lease(); ok {
		t.Fatal("cooling key must not be leased")
	}

	clock.advance(DefaultCoolingCooldown + time.Second)
	if got, ok, _ := p.Lease(); !ok || got.Key != tk.Key {
		t.Fatalf("after cooldown got %q ok=%v", got.Key, ok)
	}

	data, err := os.ReadFile(usageFile)
	if err != nil {
		t.Fatalf("read usage: %v", err)
	}
	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse usage: %v", err)
	}
	if doc.Usage["only"] != 1 {
		t.Fatalf("usage = %d, want 1", doc.Usage["only"])
	}
	if doc.Date != "2026-03-10" || doc.Model != "gemini-test" || doc.DailyLimit != DefaultDailyLimit {
		t.Fatalf("unexpected usage doc: %+v", doc)
	}
}

func TestThrottledRecoversAfterBusyWindow(t *testing.T) {
	p, clock, _ := newTestPool(t, "a")
	tk, _, _ := p.Lease()
	p.Release(tk, Throttled)

	if _, ok, _ := p.Lease(); ok {
		t.Fatal("busy key must not be leased")
	}
	clock.advance(DefaultBusyCooldown + time.Second)
	if _, ok, _ := p.Lease(); !ok {
		t.Fatal("busy key should be live again")
	}
}

func TestStaleLeaseIsReclaimed(t *testing.T) {
	p, clock, _ := newTestPool(t, "a")
	if _, ok, _ := p.Lease(); !ok {
		t.Fatal("expected a key")
	}
	clock.advance(DefaultInUseTimeout + time.Second)
	if _, ok, _ := p.Lease(); !ok {
		t.Fatal("stale in-use key should be reclaimed")
	}
}

func TestLateReleaseAfterReclaimKeepsNewLease(t *testing.T) {
	p, clock, usageFile := newTestPool(t, "a")
	stale, ok, _ := p.Lease()
	if !ok {
		t.Fatal("expected a key")
	}
	clock.advance(DefaultInUseTimeout + time.Second)
	fresh, ok, _ := p.Lease()
	if !ok || fresh.Key != "a" {
		t.Fatalf("reclaim: got %q ok=%v", fresh.Key, ok)
	}

	p.Release(stale, Success)
	if st, _ := p.Status("a"); st != InUse {
		t.Fatalf("status after late release = %s, want IN_USE", st)
	}
	if u := p.Usage("a"); u != 1 {
		t.Fatalf("usage = %d, want the late success counted", u)
	}
	if _, ok, _ := p.Lease(); ok {
		t.Fatal("key held by the new lease must not be leased again")
	}

	p.Release(fresh, Throttled)
	if st, _ := p.Status("a"); st != Busy {
		t.Fatalf("status after current release = %s, want BUSY", st)
	}
	data, err := os.ReadFile(usageFile)
	if err != nil {
		t.Fatalf("read usage: %v", err)
	}
	var doc usageDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Usage["a"] != 1 {
		t.Fatalf("usage doc = %+v err=%v", doc, err)
	}
}

func TestDailyLimitSkipsKey(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)}
	p, err := New(Options{
		Source:     Static("a"),
		UsageFile:  filepath.Join(dir, "usage.json"),
		DailyLimit: 1,
		Clock:      clock.now,
	})
	if err != nil {
		t.Fatal(err)
	}

	tk, _, _ := p.Lease()
	p.Release(tk, Success)
	clock.advance(DefaultCoolingCooldown + time.Second)
	if _, ok, _ := p.Lease(); ok {
		t.Fatal("key over its daily limit must be skipped")
	}

	// next local day
	clock.advance(24 * time.Hour)
	if _, ok, _ := p.Lease(); !ok {
		t.Fatal("usage should reset on a new day")
	}
	if u := p.Usage("a"); u != 0 {
		t.Fatalf("usage after rollover = %d", u)
	}
}

func TestUsageFileFromPreviousDayIsReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.json")
	old := `{"date":"2026-03-09","usage":{"a":20},"currentIndex":0}`
	if err := os.WriteFile(path, []byte(old), 0644); err != nil {
		t.Fatal(err)
	}
	clock := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)}
	p, err := New(Options{Source: Static("a"), UsageFile: path, Clock: clock.now})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := p.Lease(); !ok {
		t.Fatal("yesterday's usage must not block today")
	}
}

func TestFatalKillsKeyAndLogs(t *testing.T) {
	p, _, _ := newTestPool(t, "bad", "good")
	tk, _, _ := p.Lease()
	if tk.Key != "bad" {
		t.Fatalf("first key = %q", tk.Key)
	}
	p.Release(tk, Fatal)

	if st, _ := p.Status("bad"); st != Dead {
		t.Fatalf("status = %s, want DEAD", st)
	}
	got, ok, _ := p.Lease()
	if !ok || got.Key != "good" {
		t.Fatalf("got %q ok=%v", got.Key, ok)
	}
	if s := p.Summary(); s.Dead != 1 || s.InUse != 1 || s.Total != 2 {
		t.Fatalf("summary = %+v", s)
	}

	data, err := os.ReadFile(p.opts.DeadKeysLog)
	if err != nil {
		t.Fatalf("read dead log: %v", err)
	}
	if !strings.Contains(string(data), "bad") {
		t.Fatalf("dead log missing key: %s", data)
	}
}

func TestRemoveAndRefresh(t *testing.T) {
	keys := []string{"a", "b", "c"}
	dir := t.TempDir()
	p, err := New(Options{
		Source:      func() ([]string, error) { return keys, nil },
		Clock:       (&fakeClock{t: time.Now()}).now,
		DeadKeysLog: filepath.Join(dir, "dead.log"),
	})
	if err != nil {
		t.Fatal(err)
	}

	p.Remove("b", "blocked (403)")
	if p.Size() != 2 {
		t.Fatalf("size = %d", p.Size())
	}
	if _, ok := p.Status("b"); ok {
		t.Fatal("removed key still tracked")
	}

	tk, _, _ := p.Lease()
	p.Release(tk, Throttled)

	keys = []string{"a", "c", "c", " d "}
	if err := p.Refresh(); err != nil {
		t.Fatal(err)
	}
	if p.Size() != 3 {
		t.Fatalf("size after refresh = %d", p.Size())
	}
	if st, _ := p.Status(tk.Key); st != Busy {
		t.Fatalf("retained key lost its state: %s", st)
	}
}

func TestEmptyPool(t *testing.T) {
	p, err := New(Options{Source: Static()})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Lease(); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("err = %v, want ErrEmptyPool", err)
	}
}
