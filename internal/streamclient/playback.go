package streamclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/streampass/streampass/internal/protocol"
)

// MediaEvent mirrors the native media element lifecycle events the
// adapter consumes.
type MediaEvent int

const (
	MediaPlay MediaEvent = iota
	MediaPause
	MediaEnded
	MediaLoadedMetadata
)

// MediaSurface is the playback surface the adapter drives. The player
// integration may replace its underlying element; when that happens the
// integration calls Attach with the new surface and the adapter rebinds.
type MediaSurface interface {
	// Subscribe registers a listener for media lifecycle events and
	// returns an unbind func.
	Subscribe(fn func(MediaEvent)) (unbind func())

	// Stop forces the surface into a non-playing, hidden state. Used on
	// terminal business errors (revocation, concurrent-stream limit).
	Stop()

	// SetControlsVisible toggles the control chrome. Cosmetic only.
	SetControlsVisible(visible bool)
}

const controlsHideDelay = 3 * time.Second

// PlaybackAdapter binds a media surface to the watch session tracker
// and to the client's lifecycle events for one slug. It owns the
// control-visibility inactivity timer, which is deliberately separate
// from the tracker's flush timer.
type PlaybackAdapter struct {
	client   *Client
	slug     string
	metadata protocol.WatchMetadata

	mu              sync.Mutex
	surface         MediaSurface
	unbind          func()
	unsubs          []func()
	cancelHide      func()
	playing         bool
	durationSeconds float64
	closed          bool
}

// NewPlaybackAdapter wires a playback view for slug. Call Attach with
// the media surface, and Close on teardown; failing to Close leaks the
// event subscriptions registered here.
func NewPlaybackAdapter(c *Client, slug string, metadata protocol.WatchMetadata) *PlaybackAdapter {
	a := &PlaybackAdapter{client: c, slug: slug, metadata: metadata}
	a.unsubs = []func(){
		c.Events().On(EventSessionRevoked, a.onTerminal),
		c.Events().On(EventLimitExceeded, a.onTerminal),
		c.Events().On(EventConnectionLost, a.onConnectionLost),
		c.Events().On(EventReconnected, a.onReconnected),
	}
	return a
}

// Attach binds the adapter to a surface, replacing and unbinding any
// previous one. Safe to call whenever the player swaps its element.
func (a *PlaybackAdapter) Attach(s MediaSurface) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.unbind != nil {
		a.unbind()
		a.unbind = nil
	}
	a.surface = s
	if s != nil {
		a.unbind = s.Subscribe(a.onMediaEvent)
	}
}

// Close unbinds the surface, unsubscribes every event handler, cancels
// the inactivity timer, and ends the watch session.
func (a *PlaybackAdapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	if a.unbind != nil {
		a.unbind()
		a.unbind = nil
	}
	if a.cancelHide != nil {
		a.cancelHide()
		a.cancelHide = nil
	}
	unsubs := a.unsubs
	a.unsubs = nil
	a.surface = nil
	a.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	a.client.Watch().End(a.slug)
}

// DurationSeconds reports the media duration from loadedmetadata, or 0
// if none arrived yet.
func (a *PlaybackAdapter) DurationSeconds() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.durationSeconds
}

// SetDuration records the media duration. Surfaces that learn it
// outside loadedmetadata may set it directly.
func (a *PlaybackAdapter) SetDuration(seconds float64) {
	a.mu.Lock()
	a.durationSeconds = seconds
	a.mu.Unlock()
}

// Poke resets the control-visibility inactivity timer, for pointer or
// key activity on the player chrome.
func (a *PlaybackAdapter) Poke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.showControlsLocked()
}

func (a *PlaybackAdapter) onMediaEvent(ev MediaEvent) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	switch ev {
	case MediaPlay:
		a.playing = true
		a.showControlsLocked()
		a.mu.Unlock()
		a.handlePlay()
	case MediaPause:
		a.playing = false
		a.setControlsLocked(true)
		a.mu.Unlock()
		a.client.Watch().Pause(a.slug)
	case MediaEnded:
		a.playing = false
		a.setControlsLocked(true)
		a.mu.Unlock()
		a.client.Watch().End(a.slug)
	case MediaLoadedMetadata:
		a.mu.Unlock()
	default:
		a.mu.Unlock()
	}
}

func (a *PlaybackAdapter) handlePlay() {
	// The connection is shared; the first play in a tab may be the one
	// that brings it up. Best effort: a failed connect surfaces through
	// connection events, not here.
	if a.client.State() == StateDisconnected {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.client.cfg.HandshakeTimeout)
			defer cancel()
			if err := a.client.Connect(ctx); err != nil {
				slog.Warn("streamclient: connect on play failed", "slug", a.slug, "error", err)
			}
		}()
	}

	// Replay after a natural end is a new activation: reset the local
	// guard, then start again.
	if a.client.Watch().Ended(a.slug) {
		a.client.Watch().Reset(a.slug)
	}
	a.client.Watch().Start(a.slug, a.metadata)
}

// onTerminal handles session-revoked and limit-exceeded: both force the
// surface to a non-playing state and stop accrual. The token cache was
// already cleared by the client's event routing.
func (a *PlaybackAdapter) onTerminal(ev Event) {
	if ev.Slug != a.slug {
		return
	}
	a.mu.Lock()
	surface := a.surface
	a.playing = false
	a.mu.Unlock()
	a.client.Watch().Pause(a.slug)
	if surface != nil {
		surface.Stop()
	}
}

func (a *PlaybackAdapter) onConnectionLost(Event) {
	// Pause accrual without tearing down UI state; the surface keeps
	// whatever it has buffered.
	a.client.Watch().Pause(a.slug)
}

func (a *PlaybackAdapter) onReconnected(Event) {
	a.mu.Lock()
	playing := a.playing
	a.mu.Unlock()
	// If the element kept playing through the gap there will be no new
	// play event, so resume accrual here.
	if playing {
		a.client.Watch().Resume(a.slug)
	}
}

// showControlsLocked makes controls visible and re-arms the hide timer
// while playing. Caller holds a.mu.
func (a *PlaybackAdapter) showControlsLocked() {
	a.setControlsLocked(true)
	if a.cancelHide != nil {
		a.cancelHide()
		a.cancelHide = nil
	}
	if !a.playing {
		return
	}
	a.cancelHide = a.client.sched.After(controlsHideDelay, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.closed || !a.playing {
			return
		}
		a.setControlsLocked(false)
	})
}

func (a *PlaybackAdapter) setControlsLocked(visible bool) {
	if a.surface != nil {
		a.surface.SetControlsVisible(visible)
	}
}
