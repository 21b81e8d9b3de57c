package archive

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rchen9527/agentdeck/internal/domain"
	"github.com/rchen9527/agentdeck/internal/engine"
	"github.com/rchen9527/agentdeck/internal/store"
)

// Recorder mirrors engine state changes into the archive and search
// index. It consumes notifications through a buffered channel so a slow
// disk never blocks the sync path; overflow is counted and dropped.
type Recorder struct {
	eng     *engine.Engine
	archive *Archive
	index   *Index

	ch      chan engine.Notification
	dropped atomic.Int64

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// NewRecorder subscribes a recorder to eng. index may be nil to archive
// without full-text search.
func NewRecorder(eng *engine.Engine, archive *Archive, index *Index) *Recorder {
	r := &Recorder{
		eng:     eng,
		archive: archive,
		index:   index,
		ch:      make(chan engine.Notification, 512),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	eng.Subscribe(r.enqueue)
	go r.loop()
	return r
}

func (r *Recorder) enqueue(n engine.Notification) {
	select {
	case r.ch <- n:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) loop() {
	defer close(r.done)
	for {
		select {
		case n := <-r.ch:
			r.handle(n)
		case <-r.quit:
			for {
				select {
				case n := <-r.ch:
					r.handle(n)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) handle(n engine.Notification) {
	switch n.Scope {
	case engine.ScopeStore, engine.ScopeAccounting:
	default:
		return
	}
	inst, ok := r.eng.Instance(n.InstanceID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if n.Scope == engine.ScopeAccounting {
		if snap, ok := inst.Usage(n.SessionID); ok {
			if err := r.archive.RecordUsage(ctx, n.InstanceID, n.SessionID, snap, time.Now().UnixMilli()); err != nil {
				slog.Warn("failed to archive usage", "instance", n.InstanceID, "session", n.SessionID, "error", err)
			}
		}
		return
	}

	if n.SessionID != "" {
		if sess, ok := inst.Session(n.SessionID); ok {
			if err := r.archive.UpsertSession(ctx, n.InstanceID, sess.Session); err != nil {
				slog.Warn("failed to archive session", "instance", n.InstanceID, "session", n.SessionID, "error", err)
			}
		} else if err := r.archive.DeleteSession(ctx, n.InstanceID, n.SessionID); err != nil {
			slog.Warn("failed to prune archived session", "instance", n.InstanceID, "session", n.SessionID, "error", err)
		}
	}

	if n.MessageID != "" {
		if mv, ok := inst.Message(n.MessageID); ok {
			content := flattenParts(mv.Parts)
			if err := r.archive.UpsertMessage(ctx, n.InstanceID, mv.Message, content); err != nil {
				slog.Warn("failed to archive message", "instance", n.InstanceID, "message", n.MessageID, "error", err)
			}
			if r.index != nil {
				if err := r.index.IndexMessage(n.InstanceID, mv.Message, content); err != nil {
					slog.Warn("failed to index message", "instance", n.InstanceID, "message", n.MessageID, "error", err)
				}
			}
		} else {
			if err := r.archive.DeleteMessage(ctx, n.InstanceID, n.MessageID); err != nil {
				slog.Warn("failed to prune archived message", "instance", n.InstanceID, "message", n.MessageID, "error", err)
			}
			if r.index != nil {
				r.index.DeleteMessage(n.InstanceID, n.MessageID)
			}
		}
	}
}

// flattenParts joins the textual content of a message's parts for
// archival and indexing. Tool parts contribute their output.
func flattenParts(parts []store.PartView) string {
	var chunks []string
	for _, p := range parts {
		switch p.Type {
		case domain.PartText, domain.PartReasoning:
			if p.Text != "" {
				chunks = append(chunks, p.Text)
			}
		case domain.PartTool:
			if p.Tool != nil && p.Tool.Output != "" {
				chunks = append(chunks, p.Tool.Output)
			}
		}
	}
	return strings.Join(chunks, "\n")
}

// Dropped reports how many notifications overflowed the buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the recorder after draining buffered notifications.
func (r *Recorder) Close() {
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.done
}
