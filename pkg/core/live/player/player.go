// Package player implements the playback core (C9) and its join scheduler
// (C10): a sample-rate-converting, epoch-tagged audio queue that arms only
// once enough audio is buffered, supersedes stale epochs with a short
// trim-grace window, and reports underrun/arm/drop diagnostics the caller
// can forward to the client as SEGMENT_DIAGNOSTICS.
package player

import (
	"time"

	"github.com/vango-go/live-relay/pkg/core/live/audio"
)

// EventKind discriminates the diagnostic events Push/Render can produce.
type EventKind string

const (
	EventArmed         EventKind = "playback_armed"
	EventArmBlocked    EventKind = "arm_blocked"
	EventUnderrun      EventKind = "underrun"
	EventDropped       EventKind = "epoch_dropped"
	EventPauseInserted EventKind = "pause_inserted"
)

// Event is a diagnostic signal a caller may forward to the client or count
// toward a metric.
type Event struct {
	Kind EventKind
}

// Config tunes the player. Defaults match spec §6's player* option table.
type Config struct {
	InputRate             int
	DeviceRate            int
	InitialQueueMs        int
	StartLeadMs           int
	TrimGraceMs           int
	SentencePauseMs       int
	ArmSupersedeQuietMs   int
	MaxQueuedMs           int
	FadeInMs              int
	ZeroCrossSearchMs     int
	EdgeFadeMs            int
	CommitGuardMs         int
	SupersedePrefixEnable bool
	Now                   func() time.Time
}

func (c *Config) applyDefaults() {
	if c.InputRate <= 0 {
		c.InputRate = 24000
	}
	if c.DeviceRate <= 0 {
		c.DeviceRate = c.InputRate
	}
	if c.InitialQueueMs <= 0 {
		c.InitialQueueMs = 1300
	}
	if c.StartLeadMs <= 0 {
		c.StartLeadMs = 40
	}
	if c.TrimGraceMs <= 0 {
		c.TrimGraceMs = 300
	}
	if c.SentencePauseMs <= 0 {
		c.SentencePauseMs = 80
	}
	if c.ArmSupersedeQuietMs <= 0 {
		c.ArmSupersedeQuietMs = 200
	}
	if c.MaxQueuedMs <= 0 {
		c.MaxQueuedMs = 4000
	}
	if c.FadeInMs <= 0 {
		c.FadeInMs = 80
	}
	if c.ZeroCrossSearchMs <= 0 {
		c.ZeroCrossSearchMs = 6
	}
	if c.EdgeFadeMs <= 0 {
		c.EdgeFadeMs = 8
	}
	if c.CommitGuardMs <= 0 {
		c.CommitGuardMs = 250
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Player holds one session's playback state. Not safe for concurrent use;
// it is owned by the same single-task event loop that owns the upstream
// session and segmentation engine (see the package docs on that model).
type Player struct {
	cfg Config
	join joinScheduler

	currentEpoch uint64
	hasPlayedEver bool
	hasPlayedThisEpoch bool
	armed        bool
	lastSupersedeAt time.Time

	queue       *audio.Ring
	pendingTail []float32

	fadeInPending bool
	underrunFired bool
	totalDropped  int64
	lastRenderAt  time.Time
}

// initialRingCapacity sizes the player's ring generously against a typical
// maxQueuedMs so normal operation never exercises the ring's grow path.
const initialRingCapacity = 1 << 16

// New constructs a Player at epoch 0, disarmed.
func New(cfg Config) *Player {
	cfg.applyDefaults()
	return &Player{cfg: cfg, fadeInPending: true, queue: audio.NewRing(initialRingCapacity)}
}

// Epoch advances playback to a new epoch, discarding all buffered and
// pending audio (an explicit supersede — e.g. on barge-in or turn restart).
func (p *Player) Epoch(n uint64) []Event {
	if n <= p.currentEpoch && p.hasPlayedThisEpoch {
		return nil
	}
	return p.supersede(n)
}

func (p *Player) supersede(epoch uint64) []Event {
	p.currentEpoch = epoch
	p.queue.Clear()
	p.pendingTail = nil
	p.join.reset()
	p.armed = false
	p.hasPlayedThisEpoch = false
	p.fadeInPending = true
	p.underrunFired = false
	p.lastSupersedeAt = p.cfg.Now()
	return nil
}

// Push submits one raw PCM16LE chunk tagged with the epoch it was produced
// for. Chunks behind the current epoch by more than one are dropped;
// chunks exactly one epoch behind are accepted once under trim-grace (the
// tail of a segment that was already in flight when a supersede landed);
// chunks ahead of the current epoch implicitly advance it.
func (p *Player) Push(pcm []byte, msgEpoch uint64) []Event {
	var events []Event

	switch {
	case msgEpoch+1 < p.currentEpoch:
		p.totalDropped++
		return append(events, Event{Kind: EventDropped})
	case msgEpoch < p.currentEpoch:
		// exactly one behind: trim-grace admits it only until new-epoch audio
		// has actually started playing; after that it's stale, not late.
		if p.hasPlayedThisEpoch {
			p.totalDropped++
			return append(events, Event{Kind: EventDropped})
		}
	case msgEpoch > p.currentEpoch:
		events = append(events, p.supersede(msgEpoch)...)
	}

	samples := audio.DecodePCM16LE(pcm)
	if len(samples) == 0 {
		return events
	}

	zc := audio.FirstZeroCrossing(samples, msToSamples(p.cfg.ZeroCrossSearchMs, p.cfg.InputRate))
	if zc > 0 {
		samples = samples[zc:]
	}
	fadeLen := msToSamples(p.cfg.EdgeFadeMs, p.cfg.InputRate)
	audio.RaisedCosineFadeIn(samples, fadeLen)
	audio.RaisedCosineFadeOut(samples, fadeLen)

	appended, newTail := p.join.join(p.pendingTail, samples, p.cfg.InputRate)
	p.pendingTail = newTail
	p.queue.Write(appended)
	p.trimIfOverfull()
	return events
}

func (p *Player) trimIfOverfull() {
	maxSamples := msToSamples(p.cfg.MaxQueuedMs, p.cfg.InputRate)
	available := p.queue.Len()
	if available <= maxSamples {
		return
	}
	if p.cfg.Now().Sub(p.lastSupersedeAt) < time.Duration(p.cfg.TrimGraceMs)*time.Millisecond {
		return
	}
	drop := available - maxSamples
	p.queue.Advance(drop)
}

// queuedMs reports how much unconsumed audio is currently buffered.
func (p *Player) queuedMs() float64 {
	return float64(p.queue.Len()) / float64(p.cfg.InputRate) * 1000
}

func (p *Player) tryArm() []Event {
	var events []Event
	required := p.cfg.InitialQueueMs
	if p.hasPlayedEver {
		if required > 80 {
			required = 80
		}
	}
	if p.cfg.Now().Sub(p.lastSupersedeAt) < time.Duration(p.cfg.ArmSupersedeQuietMs)*time.Millisecond {
		events = append(events, Event{Kind: EventArmBlocked})
		return events
	}
	if p.queuedMs() < float64(required) {
		return events
	}

	leadSamples := msToSamples(p.cfg.StartLeadMs, p.cfg.InputRate)
	if leadSamples > 0 {
		p.insertSilence(leadSamples)
	}
	if p.hasPlayedEver {
		pauseSamples := msToSamples(p.cfg.SentencePauseMs, p.cfg.InputRate)
		if pauseSamples > 0 {
			p.insertSilence(pauseSamples)
			events = append(events, Event{Kind: EventPauseInserted})
		}
	}
	p.armed = true
	events = append(events, Event{Kind: EventArmed})
	return events
}

// insertSilence splices n zero samples immediately ahead of playback.
func (p *Player) insertSilence(n int) {
	p.queue.Prepend(make([]float32, n))
}

// Render pulls deviceSampleCount device-rate samples, resampled from the
// internal input-rate queue. Returns the samples and any diagnostic events
// (arm, underrun) produced while rendering.
func (p *Player) Render(deviceSampleCount int) ([]float32, []Event) {
	var events []Event
	if !p.armed {
		events = append(events, p.tryArm()...)
		if !p.armed {
			return make([]float32, deviceSampleCount), events
		}
	}

	needed := int(float64(deviceSampleCount) * float64(p.cfg.InputRate) / float64(p.cfg.DeviceRate))
	if needed <= 0 {
		needed = deviceSampleCount
	}
	available := p.queue.Len()

	var inputChunk []float32
	if available >= needed {
		inputChunk = p.queue.Peek(needed)
		p.queue.Advance(needed)
	} else {
		inputChunk = p.queue.Peek(available)
		p.queue.Advance(available)
		inputChunk = append(inputChunk, make([]float32, needed-available)...)
		if !p.underrunFired {
			events = append(events, Event{Kind: EventUnderrun})
			p.underrunFired = true
		}
		p.armed = false
	}

	if p.fadeInPending && len(inputChunk) > 0 {
		audio.LinearRampIn(inputChunk, msToSamples(p.cfg.FadeInMs, p.cfg.InputRate))
		p.fadeInPending = false
	}

	p.hasPlayedEver = true
	p.hasPlayedThisEpoch = true
	p.lastRenderAt = p.cfg.Now()

	out := audio.LinearResample(inputChunk, p.cfg.InputRate, p.cfg.DeviceRate)
	if len(out) > deviceSampleCount {
		out = out[:deviceSampleCount]
	} else if len(out) < deviceSampleCount {
		out = append(out, make([]float32, deviceSampleCount-len(out))...)
	}
	return out, events
}

// Flush discards all buffered audio immediately without changing epoch,
// disarming playback. Used for a hard stop (e.g. client disconnect).
func (p *Player) Flush() {
	p.queue.Clear()
	p.pendingTail = nil
	p.join.reset()
	p.armed = false
}

// SoftFlush drops queued samples without touching arming state, used when a
// prefix change needs to cancel stale audio but avoid a full re-arm delay.
func (p *Player) SoftFlush() {
	p.queue.Clear()
	p.pendingTail = nil
	p.join.reset()
}

// ShouldSoftSupersede reports whether the commit-guard window is still open
// (playback happened recently enough that a caller should prefer SoftFlush
// over a full Epoch supersede for a prefix-change cancellation).
func (p *Player) ShouldSoftSupersede(now time.Time) bool {
	if p.lastRenderAt.IsZero() {
		return false
	}
	return now.Sub(p.lastRenderAt) < time.Duration(p.cfg.CommitGuardMs)*time.Millisecond
}

// Armed reports whether playback is currently armed (producing audible
// output rather than pre-buffering silence).
func (p *Player) Armed() bool { return p.armed }

// CurrentEpoch reports the current playback epoch.
func (p *Player) CurrentEpoch() uint64 { return p.currentEpoch }

// Dropped reports the cumulative count of chunks dropped for being too far
// behind the current epoch.
func (p *Player) Dropped() int64 { return p.totalDropped }
