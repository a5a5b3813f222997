// Package loopdetect recognizes a model calling the same tool with the same
// arguments over and over.
//
// Arguments are compared byte for byte. Two calls whose JSON differs only in
// key order or whitespace are different calls here.
package loopdetect

import "fmt"

const (
	DefaultWindow      = 5
	DefaultThreshold   = 3
	DefaultMaxEpisodes = 5
)

// Config controls detection.
type Config struct {
	// Window is the ring buffer capacity.
	Window int
	// Threshold is how many identical trailing calls make a loop.
	Threshold int
	// MaxEpisodes is how many loop episodes get a corrective hint. The
	// episode after that is fatal.
	MaxEpisodes int
}

// DefaultConfig returns W=5, K=3, five hinted episodes.
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		Threshold:   DefaultThreshold,
		MaxEpisodes: DefaultMaxEpisodes,
	}
}

// Verdict is the result of one observation.
type Verdict struct {
	Looping  bool
	Fatal    bool
	Episodes int
	ToolName string
}

type call struct {
	name string
	args string
}

// Detector is a sliding window over recent tool calls. Not safe for
// concurrent use; each run owns one.
type Detector struct {
	cfg      Config
	buf      []call
	head     int
	size     int
	episodes int
}

// New creates a detector. Zero or negative config values fall back to defaults.
func New(cfg Config) *Detector {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Threshold > cfg.Window {
		cfg.Window = cfg.Threshold
	}
	if cfg.MaxEpisodes < 0 {
		cfg.MaxEpisodes = DefaultMaxEpisodes
	}
	return &Detector{
		cfg: cfg,
		buf: make([]call, cfg.Window),
	}
}

// Observe records one call and reports whether it completed a loop.
func (d *Detector) Observe(toolName, argsSignature string) Verdict {
	d.push(call{name: toolName, args: argsSignature})

	if !d.trailingIdentical() {
		return Verdict{Episodes: d.episodes, ToolName: toolName}
	}

	d.episodes++
	v := Verdict{Looping: true, Episodes: d.episodes, ToolName: toolName}
	if d.episodes > d.cfg.MaxEpisodes {
		v.Fatal = true
		return v
	}
	d.reset()
	return v
}

// Episodes returns the number of loop episodes seen so far.
func (d *Detector) Episodes() int {
	return d.episodes
}

// Len returns the number of calls currently in the window.
func (d *Detector) Len() int {
	return d.size
}

// FatalMessage describes an unresolved loop for the run's error result.
func FatalMessage(v Verdict) string {
	return fmt.Sprintf("loop detected: tool %q was called repeatedly with identical arguments and did not recover after %d retries",
		v.ToolName, v.Episodes-1)
}

// HintMessage is the synthetic user message injected after a loop episode.
func HintMessage(v Verdict) string {
	return fmt.Sprintf("You have called %q with the same arguments several times in a row without making progress. "+
		"Stop repeating this call. Reconsider the approach: use different arguments, a different tool, "+
		"or answer with what you already know.", v.ToolName)
}

func (d *Detector) push(c call) {
	d.buf[d.head] = c
	d.head = (d.head + 1) % len(d.buf)
	if d.size < len(d.buf) {
		d.size++
	}
}

func (d *Detector) at(back int) call {
	idx := (d.head - 1 - back + len(d.buf)) % len(d.buf)
	return d.buf[idx]
}

func (d *Detector) trailingIdentical() bool {
	k := d.cfg.Threshold
	if d.size < k {
		return false
	}
	last := d.at(0)
	for i := 1; i < k; i++ {
		if d.at(i) != last {
			return false
		}
	}
	return true
}

func (d *Detector) reset() {
	for i := range d.buf {
		d.buf[i] = call{}
	}
	d.head = 0
	d.size = 0
}
