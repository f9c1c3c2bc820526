package db

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/seraphbot/model"
	"github.com/onnwee/seraphbot/telemetry"
)

// ArchiveConfig sizes the archiver. Zero values select defaults.
type ArchiveConfig struct {
	MaxBatch     int           // default 100
	FlushEvery   time.Duration // default 2s
	ChanBuffer   int           // default 1000
	FlushTimeout time.Duration // default 5s
}

type messageSink interface {
	InsertChatMessages(ctx context.Context, msgs []ArchivedMessage) error
}

// Archiver writes chat lines to the store in batches from a background
// goroutine. Enqueue never blocks; lines are dropped when the buffer is full.
type Archiver struct {
	input   chan ArchivedMessage
	config  ArchiveConfig
	sink    messageSink
	dropped atomic.Uint64
	done    chan struct{}
	now     func() time.Time
}

// NewArchiver starts an archiver that flushes until ctx is cancelled.
func NewArchiver(ctx context.Context, store *Store, cfg ArchiveConfig) *Archiver {
	return newArchiver(ctx, store, cfg)
}

func newArchiver(ctx context.Context, sink messageSink, cfg ArchiveConfig) *Archiver {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 2 * time.Second
	}
	if cfg.ChanBuffer <= 0 {
		cfg.ChanBuffer = 1000
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	a := &Archiver{
		input:  make(chan ArchivedMessage, cfg.ChanBuffer),
		config: cfg,
		sink:   sink,
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go a.run(ctx)
	return a
}

// Enqueue queues msg; false means it was dropped.
func (a *Archiver) Enqueue(msg model.ChatMessage) bool {
	select {
	case a.input <- ArchivedMessage{ChatMessage: msg, ReceivedAt: a.now()}:
		return true
	default:
		dropped := a.dropped.Add(1)
		telemetry.Inc(telemetry.ArchiveDropped)
		if dropped%100 == 1 {
			slog.Warn("chat archive queue full, dropping", slog.Uint64("dropped_total", dropped), slog.String("component", "archive"))
		}
		return false
	}
}

// Dropped returns the number of lines dropped on overflow.
func (a *Archiver) Dropped() uint64 { return a.dropped.Load() }

// Done is closed after the final flush following ctx cancellation.
func (a *Archiver) Done() <-chan struct{} { return a.done }

func (a *Archiver) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.config.FlushEvery)
	defer ticker.Stop()

	batch := make([]ArchivedMessage, 0, a.config.MaxBatch)
	var total uint64

	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), a.config.FlushTimeout)
		defer cancel()
		if err := a.sink.InsertChatMessages(fctx, batch); err != nil {
			slog.Error("chat archive flush failed", slog.Int("lines", len(batch)), slog.Any("err", err), slog.String("component", "archive"))
		} else {
			total += uint64(len(batch))
		}
		batch = make([]ArchivedMessage, 0, a.config.MaxBatch)
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what is already buffered before the last flush.
			for {
				select {
				case msg := <-a.input:
					batch = append(batch, msg)
					continue
				default:
				}
				break
			}
			flush()
			slog.Info("chat archive stopped", slog.Uint64("archived_total", total), slog.String("component", "archive"))
			return
		case <-ticker.C:
			flush()
		case msg := <-a.input:
			batch = append(batch, msg)
			if len(batch) >= a.config.MaxBatch {
				flush()
			}
		}
	}
}
