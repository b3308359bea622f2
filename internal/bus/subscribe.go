package bus

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

// resyncInterval catches writes whose notification was coalesced or lost.
const resyncInterval = time.Second

// Subscribe delivers every event from offset onward to fn, then keeps
// delivering new ones as they are appended until ctx is done. Delivery is
// at-least-once for the lifetime of the subscription. An error from fn
// stops the subscription and is returned.
func (b *Bus) Subscribe(ctx context.Context, offset int64, fn func(Event) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return ferrors.Communication("subscribe", err)
	}
	defer watcher.Close()

	// The log may not exist yet, so watch its directory.
	if err := watcher.Add(b.root); err != nil {
		return ferrors.Communication("subscribe", err)
	}

	drain := func() error {
		events, next, err := b.ReadEvents(offset)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := fn(ev); err != nil {
				return err
			}
		}
		offset = next
		return nil
	}

	if err := drain(); err != nil {
		return err
	}

	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != eventsFile || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := drain(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn().Err(err).Msg("event watcher error")
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}
