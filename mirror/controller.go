package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hazyhaar/idemirror/idgen"
	"github.com/hazyhaar/idemirror/overlay"
	"github.com/hazyhaar/idemirror/transport"
	"github.com/hazyhaar/idemirror/wire"
)

// ErrNoSession is returned for key presses arriving while no typing session
// is active.
var ErrNoSession = errors.New("mirror: no active typing session")

// ErrNoView is returned for zone-addressed gestures before the first
// snapshot has arrived.
var ErrNoView = errors.New("mirror: no snapshot received yet")

// commandChannel is the transport seen by the controller.
type commandChannel interface {
	Send(ctx context.Context, cmd wire.Command) error
	Events() <-chan wire.Event
	States() <-chan transport.State
}

// Recorder persists session history. Implemented by the journal store; a nil
// recorder disables persistence.
type Recorder interface {
	RecordSnapshot(ctx context.Context, title string, zoneCount int, initial bool) error
	RecordCommand(ctx context.Context, cmdType, detail string) error
	RecordTransition(ctx context.Context, state string) error
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Channel  commandChannel
	Surfaces Surface
	Recorder Recorder // optional
	Batch    BatchConfig
	IDs      idgen.Generator // session IDs, default idgen.Default
	Logger   *slog.Logger
}

// BatchConfig is the externally tunable subset of keystroke batching.
type BatchConfig struct {
	MaxChars   int
	IdleWindow time.Duration
	MaxAge     time.Duration
}

// Controller owns the interaction loop: transport events update the view,
// user gestures become outbound commands, and plain keystrokes pass through
// the batcher. All mutable state is confined to the Run goroutine; the
// public methods hand gestures to the loop and wait for its verdict.
type Controller struct {
	channel  commandChannel
	surfaces Surface
	recorder Recorder
	logger   *slog.Logger
	batcher  *typingBatcher
	ids      idgen.Generator
	gestures chan gesture

	mu      sync.Mutex
	view    *View
	session *TypingSession
	pending *overlay.Zone // editable click awaiting its confirming refresh
}

// NewController builds a controller. Run starts it.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IDs == nil {
		cfg.IDs = idgen.Prefixed("sess_", idgen.Default)
	}
	c := &Controller{
		channel:  cfg.Channel,
		surfaces: cfg.Surfaces,
		recorder: cfg.Recorder,
		logger:   cfg.Logger.With("component", "mirror"),
		ids:      cfg.IDs,
		gestures: make(chan gesture, 16),
	}
	c.batcher = newTypingBatcher(batcherConfig{
		MaxChars:   cfg.Batch.MaxChars,
		IdleWindow: cfg.Batch.IdleWindow,
		MaxAge:     cfg.Batch.MaxAge,
	}, nil)
	return c
}

type gestureKind int

const (
	gestureClick gestureKind = iota
	gestureKey
	gestureChat
	gestureStop
)

type gesture struct {
	kind  gestureKind
	zone  int
	key   string
	mods  wire.Modifiers
	text  string
	reply chan error
}

// Run executes the interaction loop until ctx is cancelled or the transport
// event stream closes. It sends the initial connect command itself.
func (c *Controller) Run(ctx context.Context) error {
	c.batcher.flushFn = func(text string) { c.flushBatch(ctx, text) }

	if err := c.channel.Send(ctx, wire.ConnectIDE()); err != nil {
		c.logger.Warn("initial connect failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.batcher.flush()
			return ctx.Err()

		case ev, ok := <-c.channel.Events():
			if !ok {
				c.batcher.flush()
				return nil
			}
			c.handleEvent(ctx, ev)

		case st := <-c.channel.States():
			c.logger.Info("channel state", "state", st)
			c.surfaces.PresentStatus(ctx, st)
			c.record(ctx, func(r Recorder) error { return r.RecordTransition(ctx, st.String()) })

		case g := <-c.gestures:
			g.reply <- c.handleGesture(ctx, g)

		case <-c.batcher.idleExpired():
			c.batcher.flush()

		case <-c.batcher.ageExpired():
			c.batcher.flush()
		}
	}
}

// Click activates the zone at the given extraction index. Clicking an
// editable zone arms a typing session; it opens once the backend's refreshed
// snapshot confirms the activation.
func (c *Controller) Click(ctx context.Context, zoneIndex int) error {
	return c.dispatch(ctx, gesture{kind: gestureClick, zone: zoneIndex})
}

// PressKey feeds one keystroke into the session. Plain characters batch;
// control keys and modifier chords go out immediately; Escape ends the
// session after flushing.
func (c *Controller) PressKey(ctx context.Context, key string, mods wire.Modifiers) error {
	return c.dispatch(ctx, gesture{kind: gestureKey, key: key, mods: mods})
}

// SendChat submits a chat message in one shot, independent of any typing
// session.
func (c *Controller) SendChat(ctx context.Context, message string) error {
	return c.dispatch(ctx, gesture{kind: gestureChat, text: message})
}

// StopTyping flushes and ends the active session, if any.
func (c *Controller) StopTyping(ctx context.Context) error {
	return c.dispatch(ctx, gesture{kind: gestureStop})
}

// CurrentView returns the latest view, or nil before the first snapshot.
func (c *Controller) CurrentView() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// ActiveSession returns a copy of the typing session, if one is active.
func (c *Controller) ActiveSession() (TypingSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return TypingSession{}, false
	}
	return *c.session, true
}

func (c *Controller) dispatch(ctx context.Context, g gesture) error {
	g.reply = make(chan error, 1)
	select {
	case c.gestures <- g:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-g.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) handleEvent(ctx context.Context, ev wire.Event) {
	switch e := ev.(type) {
	case wire.SnapshotUpdated:
		c.applySnapshot(ctx, e)

	case wire.InputAcknowledged:
		c.logger.Debug("typing confirmed", "key", e.Key, "selector", e.Selector)

	case wire.ChannelError:
		c.logger.Warn("backend error", "message", e.Message)
		// A click the backend rejected must not open the session it armed.
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.surfaces.PresentError(ctx, e.Message)

	default:
		c.logger.Warn("unhandled event", "type", fmt.Sprintf("%T", ev))
	}
}

// applySnapshot replaces the current view wholesale, revalidates the typing
// session against the new zone set, and opens any session armed by a
// preceding click once the refresh confirms its target exists.
func (c *Controller) applySnapshot(ctx context.Context, e wire.SnapshotUpdated) {
	zones := overlay.Extract(e.Snapshot.Root)
	view := &View{
		Snapshot:   e.Snapshot,
		Zones:      zones,
		Initial:    e.Initial,
		ReceivedAt: time.Now(),
	}

	c.mu.Lock()
	c.view = view
	invalidated := ""
	if c.session != nil && (e.Initial || !hasSelector(zones, c.session.Selector)) {
		invalidated = c.session.Selector
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if invalidated != "" {
		// Characters typed before the target vanished still land.
		c.batcher.flush()
		c.logger.Info("typing session invalidated", "selector", invalidated)
		c.endSession()
	}
	if pending != nil && !e.Initial && hasSelector(zones, pending.Selector) {
		c.beginSession(*pending)
	}

	c.surfaces.PresentView(ctx, view)
	c.record(ctx, func(r Recorder) error {
		return r.RecordSnapshot(ctx, e.Snapshot.Title, len(zones), e.Initial)
	})
}

func (c *Controller) handleGesture(ctx context.Context, g gesture) error {
	switch g.kind {
	case gestureClick:
		return c.clickZone(ctx, g.zone)
	case gestureKey:
		return c.pressKey(ctx, g.key, g.mods)
	case gestureChat:
		return c.sendChat(ctx, g.text)
	case gestureStop:
		c.batcher.flush()
		c.endSession()
		return nil
	}
	return fmt.Errorf("mirror: unknown gesture kind %d", g.kind)
}

func (c *Controller) clickZone(ctx context.Context, index int) error {
	c.mu.Lock()
	view := c.view
	c.mu.Unlock()

	if view == nil {
		return ErrNoView
	}
	if index < 0 || index >= len(view.Zones) {
		return fmt.Errorf("mirror: zone %d out of range (have %d)", index, len(view.Zones))
	}
	zone := view.Zones[index]

	// Retargeting: pending keystrokes belong to the previous target.
	c.batcher.flush()

	center := &wire.Coordinates{
		X: zone.Geometry.X + zone.Geometry.Width/2,
		Y: zone.Geometry.Y + zone.Geometry.Height/2,
	}
	if err := c.channel.Send(ctx, wire.ClickElement(zone.Selector, center)); err != nil {
		return err
	}
	c.record(ctx, func(r Recorder) error {
		return r.RecordCommand(ctx, wire.CmdClickElement, zone.Selector)
	})

	// Any open session targeted the previous element. The new one opens only
	// after the backend's refreshed snapshot shows the click landed.
	c.endSession()
	c.mu.Lock()
	if editable(zone.Semantic) {
		c.pending = &zone
	} else {
		c.pending = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) pressKey(ctx context.Context, key string, mods wire.Modifiers) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return ErrNoSession
	}

	switch {
	case key == "Escape":
		// Pending characters land before the session ends.
		c.batcher.flush()
		err := c.sendKey(ctx, "", key, mods, session.Selector)
		c.endSession()
		return err

	case isControlKey(key, mods):
		c.batcher.flush()
		return c.sendKey(ctx, "", key, mods, session.Selector)

	default:
		ch, _ := utf8.DecodeRuneInString(key)
		c.batcher.add(ch)
		return nil
	}
}

func (c *Controller) sendChat(ctx context.Context, message string) error {
	if err := c.channel.Send(ctx, wire.SendChatMessage(message)); err != nil {
		return err
	}
	c.record(ctx, func(r Recorder) error {
		return r.RecordCommand(ctx, wire.CmdSendChatMessage, "")
	})
	return nil
}

func (c *Controller) sendKey(ctx context.Context, text, key string, mods wire.Modifiers, selector string) error {
	if err := c.channel.Send(ctx, wire.TypeText(text, key, mods, selector)); err != nil {
		return err
	}
	c.record(ctx, func(r Recorder) error {
		return r.RecordCommand(ctx, wire.CmdTypeText, key)
	})
	return nil
}

// flushBatch is the batcher's flush target. Typing has no discrete
// fallback, so a degraded-channel failure drops the run with a warning
// rather than failing a gesture that already returned.
func (c *Controller) flushBatch(ctx context.Context, text string) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}

	if err := c.channel.Send(ctx, wire.TypeBatch(text, session.Selector)); err != nil {
		c.logger.Warn("type batch dropped", "chars", len(text), "error", err)
		return
	}
	c.record(ctx, func(r Recorder) error {
		return r.RecordCommand(ctx, wire.CmdTypeBatch, fmt.Sprintf("%d chars", utf8.RuneCountInString(text)))
	})
}

func (c *Controller) beginSession(zone overlay.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &TypingSession{
		ID:        c.ids(),
		Selector:  zone.Selector,
		Semantic:  zone.Semantic,
		StartedAt: time.Now(),
	}
	c.logger.Info("typing session started", "id", c.session.ID, "selector", zone.Selector, "semantic", zone.Semantic)
}

func (c *Controller) endSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.logger.Info("typing session ended", "id", c.session.ID)
		c.session = nil
	}
}

func (c *Controller) record(ctx context.Context, fn func(Recorder) error) {
	if c.recorder == nil {
		return
	}
	if err := fn(c.recorder); err != nil {
		c.logger.Warn("journal write failed", "error", err)
	}
}

// isControlKey reports whether a keystroke must bypass batching: named keys
// (Enter, Backspace, arrows) and any chord holding ctrl, alt or meta. Shift
// alone does not qualify; shifted characters arrive already uppercase.
func isControlKey(key string, mods wire.Modifiers) bool {
	if mods.Ctrl || mods.Alt || mods.Meta {
		return true
	}
	return utf8.RuneCountInString(key) > 1
}

func hasSelector(zones []overlay.Zone, selector string) bool {
	for _, z := range zones {
		if z.Selector == selector {
			return true
		}
	}
	return false
}
