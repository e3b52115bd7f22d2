package httpapi

import (
	"sync"

	"github.com/difytools/difymirror/internal/syncer"
)

// Feed fans sync progress events out to websocket subscribers. Publishing
// never blocks: a slow subscriber drops events instead of stalling the sync.
type Feed struct {
	mu   sync.Mutex
	subs map[chan syncer.Event]struct{}
}

func NewFeed() *Feed {
	return &Feed{subs: map[chan syncer.Event]struct{}{}}
}

func (f *Feed) Publish(event syncer.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Feed) Subscribe() (<-chan syncer.Event, func()) {
	ch := make(chan syncer.Event, 64)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subs[ch]; ok {
			delete(f.subs, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}
