// Package viewport decides, per on-screen session card, whether a live
// viewing connection should exist. Three independent inputs drive the
// decision: card visibility, an explicit full-view flag, and the session's
// stream-active flag.
//
// Start is debounced so scrolling past a card never connects; stop is
// immediate. The asymmetry is deliberate: a connection the user cannot see
// is pure waste, while a connection the user is about to see is worth a
// few hundred milliseconds of patience.
package viewport

import (
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("viewport")

// DefaultDebounce is the delay between a card qualifying for viewing and
// the connection attempt.
const DefaultDebounce = 300 * time.Millisecond

// Card is the per-session-card state machine. At most one connection is
// active per card; Close releases every timer and connection regardless of
// state.
type Card struct {
	sessionID string
	debounce  time.Duration
	start     func(sessionID string)
	stop      func(sessionID string)

	mu           sync.Mutex
	visible      bool
	fullView     bool
	streamActive bool
	viewing      bool
	timer        *time.Timer
	closed       bool
}

// NewCard creates a card watcher. start is called (after the debounce) when
// the card qualifies for viewing; stop is called immediately when it stops
// qualifying. Both run without the card lock held. debounce <= 0 selects
// DefaultDebounce.
func NewCard(sessionID string, debounce time.Duration, start, stop func(sessionID string)) *Card {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Card{
		sessionID: sessionID,
		debounce:  debounce,
		start:     start,
		stop:      stop,
	}
}

// SetVisible updates the viewport-intersection input.
func (c *Card) SetVisible(v bool) { c.update(func() { c.visible = v }) }

// SetFullView updates the explicit full-view input.
func (c *Card) SetFullView(v bool) { c.update(func() { c.fullView = v }) }

// SetStreamActive updates the stream input. A false value tears down any
// connection immediately, debounce or not.
func (c *Card) SetStreamActive(v bool) { c.update(func() { c.streamActive = v }) }

// Viewing reports whether the card currently holds a connection.
func (c *Card) Viewing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing
}

// Close cancels any pending timer and releases the connection if one is
// held. The card accepts no further input. Idempotent.
func (c *Card) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	wasViewing := c.viewing
	c.viewing = false
	c.mu.Unlock()
	if wasViewing {
		c.stop(c.sessionID)
	}
}

// qualifies is the viewing condition. Caller holds the lock.
func (c *Card) qualifies() bool {
	return c.streamActive && (c.visible || c.fullView)
}

func (c *Card) update(mutate func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	mutate()

	if c.qualifies() {
		if !c.viewing && c.timer == nil {
			log.Debugf("card %s: qualifying, debounce %v", c.sessionID, c.debounce)
			c.timer = time.AfterFunc(c.debounce, c.fire)
		}
		c.mu.Unlock()
		return
	}

	// Leaving the qualifying condition cancels a pending start and tears
	// down an existing connection without delay.
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	wasViewing := c.viewing
	c.viewing = false
	c.mu.Unlock()
	if wasViewing {
		log.Debugf("card %s: teardown", c.sessionID)
		c.stop(c.sessionID)
	}
}

// fire runs when the debounce expires. The condition is re-checked: the
// card may have stopped qualifying between scheduling and firing.
func (c *Card) fire() {
	c.mu.Lock()
	c.timer = nil
	if c.closed || c.viewing || !c.qualifies() {
		c.mu.Unlock()
		return
	}
	c.viewing = true
	c.mu.Unlock()
	log.Debugf("card %s: connecting", c.sessionID)
	c.start(c.sessionID)
}
