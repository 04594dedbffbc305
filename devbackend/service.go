package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/idemirror/snapshot"
	"github.com/hazyhaar/idemirror/wire"
)

// IDE is the page-driving surface the service dispatches commands to. Tab
// implements it against a live browser; tests substitute a fake.
type IDE interface {
	Capture(ctx context.Context) (*snapshot.StateSnapshot, error)
	Click(ctx context.Context, p wire.ClickPayload) error
	TypeText(ctx context.Context, p wire.TypeTextPayload) error
	TypeBatch(ctx context.Context, p wire.TypeBatchPayload) error
	Chat(ctx context.Context, p wire.ChatPayload) error
}

// ServiceConfig tunes the backend service.
type ServiceConfig struct {
	// SnapshotInterval is the period of the background refresh loop that
	// pushes ide-state-updated frames to duplex subscribers.
	SnapshotInterval time.Duration

	Logger *slog.Logger
}

// Service executes mirror commands against the IDE and fans fresh snapshots
// out to duplex sessions.
type Service struct {
	ide IDE
	cfg ServiceConfig
	log *slog.Logger

	mu     sync.Mutex
	latest *snapshot.StateSnapshot
	subs   map[chan *snapshot.StateSnapshot]struct{}
}

// NewService wraps an IDE.
func NewService(ide IDE, cfg ServiceConfig) *Service {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		ide:  ide,
		cfg:  cfg,
		log:  cfg.Logger.With("component", "devbackend"),
		subs: make(map[chan *snapshot.StateSnapshot]struct{}),
	}
}

// Start runs the periodic refresh loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.refreshLoop(ctx)
}

func (s *Service) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Refresh(ctx); err != nil {
				s.log.Warn("periodic capture failed", "error", err)
			}
		}
	}
}

// Refresh captures a fresh snapshot and broadcasts it to subscribers.
func (s *Service) Refresh(ctx context.Context) (*snapshot.StateSnapshot, error) {
	snap, err := s.ide.Capture(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.latest = snap
	for ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber keeps only the frames it can drain.
		}
	}
	s.mu.Unlock()
	return snap, nil
}

// Latest returns the most recent snapshot, or nil before the first capture.
func (s *Service) Latest() *snapshot.StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Subscribe registers for snapshot broadcasts. The returned cancel func
// unregisters and closes the channel.
func (s *Service) Subscribe() (<-chan *snapshot.StateSnapshot, func()) {
	ch := make(chan *snapshot.StateSnapshot, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// rawCommand is the inbound frame before payload decoding.
type rawCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Apply decodes and executes one command. Commands that change what the page
// shows (connect, click, chat) return a fresh snapshot; typing commands
// return nil and rely on the refresh loop.
func (s *Service) Apply(ctx context.Context, cmdType string, payload json.RawMessage) (*snapshot.StateSnapshot, error) {
	switch cmdType {
	case wire.CmdConnectIDE:
		return s.Refresh(ctx)

	case wire.CmdClickElement:
		var p wire.ClickPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("devbackend: click payload: %w", err)
		}
		if err := s.ide.Click(ctx, p); err != nil {
			return nil, err
		}
		return s.Refresh(ctx)

	case wire.CmdTypeText:
		var p wire.TypeTextPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("devbackend: type payload: %w", err)
		}
		return nil, s.ide.TypeText(ctx, p)

	case wire.CmdTypeBatch:
		var p wire.TypeBatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("devbackend: batch payload: %w", err)
		}
		return nil, s.ide.TypeBatch(ctx, p)

	case wire.CmdSendChatMessage:
		var p wire.ChatPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("devbackend: chat payload: %w", err)
		}
		if p.Message == "" {
			return nil, fmt.Errorf("devbackend: empty chat message")
		}
		if err := s.ide.Chat(ctx, p); err != nil {
			return nil, err
		}
		return s.Refresh(ctx)

	default:
		return nil, fmt.Errorf("devbackend: unknown command %q", cmdType)
	}
}
