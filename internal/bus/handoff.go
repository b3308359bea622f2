package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/fsutil"
)

// Status is the lifecycle state of a handoff.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConsumed Status = "consumed"
	StatusExpired  Status = "expired"
)

// Handoff is a directed message from one participant to another.
type Handoff struct {
	ID         string          `json:"id"`
	FromID     string          `json:"from_id"`
	ToID       string          `json:"to_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Status     Status          `json:"status"`
	ConsumedAt *time.Time      `json:"consumed_at,omitempty"`
}

func isErr(err, target error) bool { return errors.Is(err, target) }

// CreateHandoff enqueues payload for recipient to and returns the new
// handoff ID. The payload must be valid JSON no larger than the
// configured limit; oversized payloads are rejected before anything is
// written.
func (b *Bus) CreateHandoff(from, to string, payload []byte) (id string, err error) {
	defer func() { b.record("create", err) }()

	if !ValidParticipant(from) {
		return "", ferrors.Communication("create handoff", fmt.Errorf("%w: from %q", ferrors.ErrInvalidParticipant, from))
	}
	if !ValidParticipant(to) {
		return "", ferrors.Communication("create handoff", fmt.Errorf("%w: to %q", ferrors.ErrInvalidParticipant, to))
	}
	if len(payload) > b.maxPayload {
		return "", ferrors.Communication("create handoff",
			fmt.Errorf("%w: %d bytes exceeds limit of %d", ferrors.ErrPayloadTooLarge, len(payload), b.maxPayload))
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return "", ferrors.Communication("create handoff", fmt.Errorf("payload is not valid JSON"))
	}

	id, err = b.newID()
	if err != nil {
		return "", ferrors.Communication("create handoff", err)
	}
	now := b.now()
	h := Handoff{
		ID:        id,
		FromID:    from,
		ToID:      to,
		Payload:   json.RawMessage(payload),
		CreatedAt: now,
		ExpiresAt: now.Add(b.ttl),
		Status:    StatusPending,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return "", ferrors.Communication("create handoff", err)
	}

	unlock, err := b.lockQueue(to)
	if err != nil {
		return "", ferrors.Communication("lock queue", err)
	}
	defer unlock()

	path := b.handoffPath(to, id)
	if fsutil.Exists(path) {
		return "", ferrors.Communication("create handoff", fmt.Errorf("%w: %s", ferrors.ErrIDCollision, id))
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return "", ferrors.Communication("write handoff", err)
	}

	b.logger.Debug().
		Str("handoff_id", id).
		Str("from", from).
		Str("to", to).
		Int("bytes", len(payload)).
		Msg("handoff created")
	return id, nil
}

// Poll returns the pending, unexpired handoffs addressed to recipient,
// ordered by creation time then ID. Poll never changes handoff state.
func (b *Bus) Poll(to string) ([]Handoff, error) {
	if !ValidParticipant(to) {
		return nil, ferrors.Communication("poll", fmt.Errorf("%w: %q", ferrors.ErrInvalidParticipant, to))
	}
	if !fsutil.Exists(b.queueDir(to)) {
		return nil, nil
	}

	unlock, err := b.rlockQueue(to)
	if err != nil {
		return nil, ferrors.Communication("lock queue", err)
	}
	defer unlock()

	all, err := b.readQueue(to)
	if err != nil {
		return nil, err
	}
	now := b.now()
	out := all[:0]
	for _, h := range all {
		if h.Status == StatusPending && now.Before(h.ExpiresAt) {
			out = append(out, h)
		}
	}
	sortHandoffs(out)
	return out, nil
}

// Consume atomically moves a pending handoff to consumed and returns it.
// Exactly one of several concurrent callers succeeds; the rest receive
// ErrAlreadyConsumed. A handoff past its TTL is marked expired and
// ErrHandoffExpired is returned.
func (b *Bus) Consume(id string) (h Handoff, err error) {
	defer func() { b.record("consume", err) }()

	if !ValidParticipant(id) {
		return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %q", ferrors.ErrHandoffNotFound, id))
	}
	matches, err := filepath.Glob(filepath.Join(b.root, queuesDir, "*", id+".json"))
	if err != nil {
		return Handoff{}, ferrors.Communication("consume", err)
	}
	if len(matches) == 0 {
		return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %s", ferrors.ErrHandoffNotFound, id))
	}
	path := matches[0]
	to := filepath.Base(filepath.Dir(path))

	unlock, err := b.lockQueue(to)
	if err != nil {
		return Handoff{}, ferrors.Communication("lock queue", err)
	}
	defer unlock()

	h, err = readHandoff(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %s", ferrors.ErrHandoffNotFound, id))
		}
		return Handoff{}, ferrors.Communication("consume", err)
	}

	switch h.Status {
	case StatusConsumed:
		return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %s", ferrors.ErrAlreadyConsumed, id))
	case StatusExpired:
		return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %s", ferrors.ErrHandoffExpired, id))
	}

	now := b.now()
	if !now.Before(h.ExpiresAt) {
		h.Status = StatusExpired
		if err := writeHandoff(path, h); err != nil {
			return Handoff{}, ferrors.Communication("expire handoff", err)
		}
		return Handoff{}, ferrors.Communication("consume", fmt.Errorf("%w: %s", ferrors.ErrHandoffExpired, id))
	}

	h.Status = StatusConsumed
	h.ConsumedAt = &now
	if err := writeHandoff(path, h); err != nil {
		return Handoff{}, ferrors.Communication("consume", err)
	}
	b.logger.Debug().Str("handoff_id", id).Str("to", to).Msg("handoff consumed")
	return h, nil
}

// Await polls recipient until one handoff from each sender in froms has
// been consumed, the timeout elapses, or ctx is done. Senders with no
// handoff are returned in missing; Await never fails the caller.
func (b *Bus) Await(ctx context.Context, to string, froms []string, timeout time.Duration) (received []Handoff, missing []string) {
	want := make(map[string]bool, len(froms))
	for _, f := range froms {
		want[f] = true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for len(want) > 0 {
		pending, err := b.Poll(to)
		if err != nil {
			b.logger.Warn().Err(err).Str("to", to).Msg("poll failed while awaiting handoffs")
		}
		for _, h := range pending {
			if !want[h.FromID] {
				continue
			}
			got, err := b.Consume(h.ID)
			if err != nil {
				continue
			}
			received = append(received, got)
			delete(want, h.FromID)
		}
		if len(want) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return received, sortedKeys(want)
		case <-deadline.C:
			return received, sortedKeys(want)
		case <-time.After(pollBackoff):
		}
	}
	return received, nil
}

// Sweep marks every pending handoff past its TTL as expired and returns
// how many were marked.
func (b *Bus) Sweep() (int, error) {
	dirs, err := os.ReadDir(filepath.Join(b.root, queuesDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, ferrors.Communication("sweep", err)
	}

	expired := 0
	for _, d := range dirs {
		if !d.IsDir() || !ValidParticipant(d.Name()) {
			continue
		}
		n, err := b.sweepQueue(d.Name())
		expired += n
		if err != nil {
			return expired, err
		}
	}
	if expired > 0 {
		b.logger.Info().Int("expired", expired).Msg("swept expired handoffs")
	}
	return expired, nil
}

func (b *Bus) sweepQueue(to string) (int, error) {
	unlock, err := b.lockQueue(to)
	if err != nil {
		return 0, ferrors.Communication("lock queue", err)
	}
	defer unlock()

	all, err := b.readQueue(to)
	if err != nil {
		return 0, err
	}
	now := b.now()
	n := 0
	for _, h := range all {
		if h.Status != StatusPending || now.Before(h.ExpiresAt) {
			continue
		}
		h.Status = StatusExpired
		if err := writeHandoff(b.handoffPath(to, h.ID), h); err != nil {
			return n, ferrors.Communication("expire handoff", err)
		}
		b.metrics.RecordHandoff("sweep", "expired")
		n++
	}
	return n, nil
}

// RemoveQueue deletes a recipient's queue directory.
func (b *Bus) RemoveQueue(to string) error {
	if !ValidParticipant(to) {
		return ferrors.Communication("remove queue", fmt.Errorf("%w: %q", ferrors.ErrInvalidParticipant, to))
	}
	unlock, err := b.lockQueue(to)
	if err != nil {
		return ferrors.Communication("lock queue", err)
	}
	defer unlock()
	if err := os.RemoveAll(b.queueDir(to)); err != nil {
		return ferrors.Communication("remove queue", err)
	}
	return nil
}

// readQueue loads every handoff file for a recipient; the caller holds
// the queue lock.
func (b *Bus) readQueue(to string) ([]Handoff, error) {
	entries, err := os.ReadDir(b.queueDir(to))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, ferrors.Communication("read queue", err)
	}
	out := make([]Handoff, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		h, err := readHandoff(filepath.Join(b.queueDir(to), e.Name()))
		if err != nil {
			b.logger.Warn().Err(err).Str("file", e.Name()).Msg("skipping unreadable handoff")
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

func readHandoff(path string) (Handoff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handoff{}, err
	}
	var h Handoff
	if err := json.Unmarshal(data, &h); err != nil {
		return Handoff{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return h, nil
}

func writeHandoff(path string, h Handoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}

func sortHandoffs(hs []Handoff) {
	sort.Slice(hs, func(i, j int) bool {
		if !hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
			return hs[i].CreatedAt.Before(hs[j].CreatedAt)
		}
		return hs[i].ID < hs[j].ID
	})
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
