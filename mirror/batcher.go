package mirror

import "time"

// batcherConfig controls keystroke batching.
type batcherConfig struct {
	// MaxChars flushes immediately when this many characters accumulate.
	// Default: 10.
	MaxChars int
	// IdleWindow is the debounce time, restarted on every character.
	// Default: 150ms.
	IdleWindow time.Duration
	// MaxAge flushes a batch this long after its first character no matter
	// how fast the user keeps typing. Default: 300ms.
	MaxAge time.Duration
}

func (bc *batcherConfig) defaults() {
	if bc.MaxChars <= 0 {
		bc.MaxChars = 10
	}
	if bc.IdleWindow <= 0 {
		bc.IdleWindow = 150 * time.Millisecond
	}
	if bc.MaxAge <= 0 {
		bc.MaxAge = 300 * time.Millisecond
	}
}

// typingBatcher accumulates plain characters and emits them as one run when
// the buffer fills, the idle window expires, or the batch reaches its age
// ceiling. The idle timer restarts on every character; the age timer starts
// with the batch's first character and never restarts, which bounds the
// remote-side staleness during sustained typing.
//
// Not thread-safe; owned by the controller loop, which also selects on the
// two timer channels.
type typingBatcher struct {
	cfg  batcherConfig
	buf  []rune
	idle *time.Timer
	age  *time.Timer

	idleC <-chan time.Time
	ageC  <-chan time.Time

	flushFn func(text string)
}

func newTypingBatcher(cfg batcherConfig, flushFn func(string)) *typingBatcher {
	cfg.defaults()
	return &typingBatcher{
		cfg:     cfg,
		buf:     make([]rune, 0, cfg.MaxChars),
		flushFn: flushFn,
	}
}

// add pushes one character. Returns true if the character filled the buffer
// and triggered an immediate flush.
func (b *typingBatcher) add(ch rune) bool {
	b.buf = append(b.buf, ch)

	if len(b.buf) >= b.cfg.MaxChars {
		b.flush()
		return true
	}

	// Restart the idle window; arm the age ceiling only for a new batch.
	if b.idle != nil {
		b.idle.Stop()
	}
	b.idle = time.NewTimer(b.cfg.IdleWindow)
	b.idleC = b.idle.C

	if b.age == nil {
		b.age = time.NewTimer(b.cfg.MaxAge)
		b.ageC = b.age.C
	}
	return false
}

// idleExpired and ageExpired are the timer channels the owner selects on.
// Nil (and thus never ready) while no batch is pending.
func (b *typingBatcher) idleExpired() <-chan time.Time { return b.idleC }
func (b *typingBatcher) ageExpired() <-chan time.Time  { return b.ageC }

func (b *typingBatcher) pending() int { return len(b.buf) }

// flush emits the buffered run and resets both timers. Flushing an empty
// batch is a no-op, so the owner can flush unconditionally before control
// keys and on shutdown.
func (b *typingBatcher) flush() {
	if len(b.buf) == 0 {
		return
	}

	text := string(b.buf)
	b.buf = b.buf[:0]
	b.stopTimers()

	b.flushFn(text)
}

func (b *typingBatcher) stopTimers() {
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
		b.idleC = nil
	}
	if b.age != nil {
		b.age.Stop()
		b.age = nil
		b.ageC = nil
	}
}
