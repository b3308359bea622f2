package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

// Event is one line of the broadcast log.
type Event struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Phase     string    `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Summary   string    `json:"summary"`
	// Seq is the byte offset of the event in the log.
	Seq int64 `json:"seq"`
}

// Publisher accepts events. The Bus and NATSForwarder both implement it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func (b *Bus) eventsPath() string { return filepath.Join(b.root, eventsFile) }

// Publish appends ev to the broadcast log as one JSON line. Missing ID and
// Timestamp are filled in.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}

	b.events.Lock()
	defer b.events.Unlock()
	fl, err := lockFileExclusive(filepath.Join(b.root, eventsLock))
	if err != nil {
		return ferrors.Communication("lock events", err)
	}
	defer fl.unlock()

	f, err := os.OpenFile(b.eventsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return ferrors.Communication("open events", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ferrors.Communication("stat events", err)
	}
	ev.Seq = info.Size()

	line, err := json.Marshal(ev)
	if err != nil {
		return ferrors.Communication("encode event", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return ferrors.Communication("append event", err)
	}
	if err := f.Sync(); err != nil {
		return ferrors.Communication("sync events", err)
	}
	return nil
}

// ReadEvents returns every complete event at or after offset, plus the
// offset to resume from. A trailing partial line is left for the next read.
func (b *Bus) ReadEvents(offset int64) ([]Event, int64, error) {
	if offset < 0 {
		offset = 0
	}
	fl, err := lockFileShared(filepath.Join(b.root, eventsLock))
	if err != nil {
		return nil, offset, ferrors.Communication("lock events", err)
	}
	defer fl.unlock()

	f, err := os.Open(b.eventsPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, offset, nil
		}
		return nil, offset, ferrors.Communication("open events", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, ferrors.Communication("seek events", err)
	}

	var out []Event
	next := offset
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, next, ferrors.Communication("read events", err)
		}
		next += int64(len(line))
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			b.logger.Warn().Err(err).Int64("offset", next-int64(len(line))).Msg("skipping malformed event")
			continue
		}
		out = append(out, ev)
	}
	return out, next, nil
}

// EventsForRun filters the whole log down to one run.
func (b *Bus) EventsForRun(runID string) ([]Event, error) {
	all, _, err := b.ReadEvents(0)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, ev := range all {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// MultiPublisher fans an event out to several publishers, returning the
// first error after trying all of them.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var first error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil && first == nil {
			first = fmt.Errorf("publish event %s: %w", ev.ID, err)
		}
	}
	return first
}
