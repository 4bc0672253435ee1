// Package turntaking implements the per-call conversation state machine that
// coordinates barge-in between the caller and the AI endpoint.
//
// The controller reacts to the endpoint's server-side voice-activity events:
// speech starting while the AI is talking cancels the in-flight response, and
// speech stopping arms a debounce timer so a brief false silence does not
// trigger a premature reply.
package turntaking

import (
	"sync"
	"time"
)

// State is the call's current conversational phase.
type State string

const (
	// StateIdle means neither party is actively speaking.
	StateIdle State = "idle"

	// StateAIResponding means a model response is being generated or played.
	StateAIResponding State = "ai_responding"

	// StateUserSpeaking means the endpoint's VAD has detected caller speech.
	StateUserSpeaking State = "user_speaking"
)

// ControlSender issues best-effort control messages to the AI endpoint. A
// failed send must not block; the controller transitions regardless.
type ControlSender interface {
	// CancelResponse aborts the in-flight model response.
	CancelResponse()

	// ClearInputBuffer discards audio buffered at the endpoint.
	ClearInputBuffer()

	// CreateResponse asks the endpoint to generate a response.
	CreateResponse()
}

// Controller tracks one call's turn-taking state. All methods are safe for
// concurrent use; the two per-call read loops both feed it.
type Controller struct {
	sender   ControlSender
	debounce time.Duration

	mu    sync.Mutex
	state State
	timer *time.Timer

	// generation invalidates debounce timers that were aborted after their
	// goroutine was already scheduled.
	generation uint64
}

// NewController creates a Controller in the idle state. A non-positive
// debounce triggers the response immediately on speech stop.
func NewController(sender ControlSender, debounce time.Duration) *Controller {
	return &Controller{
		sender:   sender,
		debounce: debounce,
		state:    StateIdle,
	}
}

// State returns the current conversational phase.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SpeechStarted handles the endpoint's speech-start VAD event. If the AI is
// mid-response this is a barge-in: the response is cancelled and the
// endpoint's input buffer cleared before the transition.
func (c *Controller) SpeechStarted() {
	c.mu.Lock()
	bargeIn := c.state == StateAIResponding
	c.abortTimerLocked()
	c.state = StateUserSpeaking
	c.mu.Unlock()

	if bargeIn {
		c.sender.CancelResponse()
		c.sender.ClearInputBuffer()
	}
}

// SpeechStopped handles the endpoint's speech-stop VAD event. It arms (or
// re-arms) the debounce timer; when the timer fires exactly one
// response-create is sent and the state moves to AI responding. A stop event
// while the AI is already responding is ignored.
func (c *Controller) SpeechStopped() {
	c.mu.Lock()
	if c.state == StateAIResponding {
		c.mu.Unlock()
		return
	}
	c.abortTimerLocked()

	if c.debounce <= 0 {
		c.state = StateAIResponding
		c.mu.Unlock()
		c.sender.CreateResponse()
		return
	}

	gen := c.generation
	c.timer = time.AfterFunc(c.debounce, func() { c.fire(gen) })
	c.mu.Unlock()
}

// ResponseStarted records that the endpoint began a response on its own
// initiative (e.g. the greeting), without a local trigger.
func (c *Controller) ResponseStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortTimerLocked()
	c.state = StateAIResponding
}

// ResponseFinished returns the call to idle after the endpoint reports the
// response done. Ignored if the caller barged in meanwhile.
func (c *Controller) ResponseFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateAIResponding {
		c.state = StateIdle
	}
}

// Reset handles the provider's clear event: cancel the in-flight response,
// clear the endpoint's buffered input, abort any pending debounce, and return
// to idle. The control sends are best-effort.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.abortTimerLocked()
	c.state = StateIdle
	c.mu.Unlock()

	c.sender.CancelResponse()
	c.sender.ClearInputBuffer()
}

// fire runs when the debounce elapses. A generation mismatch means the timer
// was aborted after this goroutine was scheduled; it does nothing then.
func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.generation++
	c.state = StateAIResponding
	c.mu.Unlock()

	c.sender.CreateResponse()
}

// abortTimerLocked cancels a pending debounce. Callers hold c.mu.
func (c *Controller) abortTimerLocked() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
