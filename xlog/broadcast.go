package xlog

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"
)

// Entry is one log record as seen by a broadcast observer.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   []slog.Attr
}

// String renders the entry as "message key=value ...".
func (e Entry) String() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.String())
	}
	return b.String()
}

type subscriber struct {
	level slog.Level
	fn    func(Entry)
}

type hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscriber
}

// Broadcaster is a slog.Handler that re-emits every enabled record to
// subscribed observers before passing it on to the wrapped handler.
// Observers run synchronously on the logging goroutine.
type Broadcaster struct {
	next  slog.Handler
	hub   *hub
	attrs []slog.Attr
	group string
}

var _ slog.Handler = (*Broadcaster)(nil)

func NewBroadcaster(next slog.Handler) *Broadcaster {
	if next == nil {
		next = discardHandler{}
	}
	return &Broadcaster{
		next: next,
		hub:  &hub{subs: make(map[int]subscriber)},
	}
}

// Subscribe registers fn for records of every level and returns a function
// removing it.
func (b *Broadcaster) Subscribe(fn func(Entry)) (cancel func()) {
	return b.SubscribeLevel(slog.Level(math.MinInt), fn)
}

// SubscribeLevel registers fn for records at level or above.
func (b *Broadcaster) SubscribeLevel(level slog.Level, fn func(Entry)) (cancel func()) {
	b.hub.mu.Lock()
	defer b.hub.mu.Unlock()
	id := b.hub.nextID
	b.hub.nextID++
	b.hub.subs[id] = subscriber{level: level, fn: fn}
	return func() {
		b.hub.mu.Lock()
		defer b.hub.mu.Unlock()
		delete(b.hub.subs, id)
	}
}

// Enabled reports true when the wrapped handler is enabled or a subscriber
// wants level, so observers see records the sink itself filters out.
func (b *Broadcaster) Enabled(ctx context.Context, level slog.Level) bool {
	if b.next.Enabled(ctx, level) {
		return true
	}
	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for _, s := range b.hub.subs {
		if level >= s.level {
			return true
		}
	}
	return false
}

func (b *Broadcaster) Handle(ctx context.Context, r slog.Record) error {
	b.hub.mu.RLock()
	subs := make([]func(Entry), 0, len(b.hub.subs))
	for _, s := range b.hub.subs {
		if r.Level >= s.level {
			subs = append(subs, s.fn)
		}
	}
	b.hub.mu.RUnlock()
	if len(subs) > 0 {
		e := Entry{Time: r.Time, Level: r.Level, Message: r.Message}
		e.Attrs = append(e.Attrs, b.attrs...)
		r.Attrs(func(a slog.Attr) bool {
			if b.group != "" {
				a.Key = b.group + "." + a.Key
			}
			e.Attrs = append(e.Attrs, a)
			return true
		})
		for _, fn := range subs {
			fn(e)
		}
	}
	if !b.next.Enabled(ctx, r.Level) {
		return nil
	}
	return b.next.Handle(ctx, r)
}

func (b *Broadcaster) WithAttrs(attrs []slog.Attr) slog.Handler {
	nb := *b
	nb.next = b.next.WithAttrs(attrs)
	nb.attrs = append([]slog.Attr(nil), b.attrs...)
	for _, a := range attrs {
		if b.group != "" {
			a.Key = b.group + "." + a.Key
		}
		nb.attrs = append(nb.attrs, a)
	}
	return &nb
}

func (b *Broadcaster) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	nb := *b
	nb.next = b.next.WithGroup(name)
	if b.group != "" {
		nb.group = b.group + "." + name
	} else {
		nb.group = name
	}
	return &nb
}
