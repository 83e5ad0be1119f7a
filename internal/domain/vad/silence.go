// Package vad decides when a speaker has finished an utterance by watching the
// live transcript. It has no timers of its own: callers pass the current time
// to every method, which keeps it deterministic under test.
package vad

import (
	"math"
	"strings"
	"sync"
	"time"
)

type Event int

const (
	EventNone Event = iota
	// EventComplete means the utterance is over. Delivered once per Restart.
	EventComplete
	// EventRenewed means the countdown hit zero with an empty transcript and
	// started over instead of stopping.
	EventRenewed
)

func (e Event) String() string {
	switch e {
	case EventComplete:
		return "complete"
	case EventRenewed:
		return "renewed"
	default:
		return "none"
	}
}

type Trigger string

const (
	TriggerDebounce  Trigger = "debounce"
	TriggerCountdown Trigger = "countdown"
)

// Result of a Check, Tick or Poll.
type Result struct {
	Event   Event
	Trigger Trigger
	// Text is the transcript that completed the utterance.
	Text string
}

type Options struct {
	// Window is how long the transcript must stay unchanged.
	Window time.Duration
	// CheckInterval is how often callers are expected to Poll.
	CheckInterval time.Duration
	// Countdown is the renewable hard timer.
	Countdown time.Duration
}

func DefaultOptions() Options {
	return Options{
		Window:        3 * time.Second,
		CheckInterval: 500 * time.Millisecond,
		Countdown:     3 * time.Second,
	}
}

type SilenceDetector struct {
	mu   sync.Mutex
	opts Options

	transcript string
	lastChange time.Time
	deadline   time.Time
	armed      bool
	fired      bool
	renewals   int
}

func NewSilenceDetector(opts Options) *SilenceDetector {
	def := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = def.CheckInterval
	}
	if opts.Countdown <= 0 {
		opts.Countdown = def.Countdown
	}
	return &SilenceDetector{opts: opts}
}

func (d *SilenceDetector) Options() Options { return d.opts }

// Restart arms the detector for a new listening phase with an empty transcript.
func (d *SilenceDetector) Restart(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.transcript = ""
	d.lastChange = now
	d.deadline = now.Add(d.opts.Countdown)
	d.armed = true
	d.fired = false
	d.renewals = 0
}

// Stop disarms the detector. Later calls are no-ops until Restart.
func (d *SilenceDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.armed = false
}

// Observe records a transcript update. It reports whether the text changed.
func (d *SilenceDetector) Observe(text string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armed || d.fired || text == d.transcript {
		return false
	}
	d.transcript = text
	d.lastChange = now
	d.deadline = now.Add(d.opts.Countdown)
	d.renewals = 0
	return true
}

// Check applies the debounce rule: a non-empty transcript unchanged for Window.
func (d *SilenceDetector) Check(now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.checkLocked(now)
}

// Tick advances the hard countdown. At zero it completes the utterance when
// there is text, otherwise it renews itself.
func (d *SilenceDetector) Tick(now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tickLocked(now)
}

// Poll runs Check and then Tick, returning the first non-empty result.
func (d *SilenceDetector) Poll(now time.Time) Result {
	d.mu.Lock()
	defer d.mu.Unlock()

	if r := d.checkLocked(now); r.Event != EventNone {
		return r
	}
	return d.tickLocked(now)
}

func (d *SilenceDetector) checkLocked(now time.Time) Result {
	if !d.armed || d.fired || !hasText(d.transcript) {
		return Result{}
	}
	if now.Sub(d.lastChange) >= d.opts.Window {
		return d.fireLocked(TriggerDebounce)
	}
	return Result{}
}

func (d *SilenceDetector) tickLocked(now time.Time) Result {
	if !d.armed || d.fired || now.Before(d.deadline) {
		return Result{}
	}
	if !hasText(d.transcript) {
		d.deadline = now.Add(d.opts.Countdown)
		d.renewals++
		return Result{Event: EventRenewed, Trigger: TriggerCountdown}
	}
	return d.fireLocked(TriggerCountdown)
}

func (d *SilenceDetector) fireLocked(trigger Trigger) Result {
	d.fired = true
	return Result{Event: EventComplete, Trigger: trigger, Text: strings.TrimSpace(d.transcript)}
}

// Remaining returns whole seconds left on the countdown, for display.
func (d *SilenceDetector) Remaining(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.armed {
		return 0
	}
	left := d.deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Seconds()))
}

// Renewals counts consecutive empty-transcript countdown resets since the
// last Restart or transcript change.
func (d *SilenceDetector) Renewals() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.renewals
}

func (d *SilenceDetector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *SilenceDetector) Transcript() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transcript
}

func hasText(s string) bool {
	return strings.TrimSpace(s) != ""
}
