// Package bus implements the file-backed handoff queues and broadcast
// event log that templates and observers communicate through.
//
// Every queue lives under an explicit workspace root passed to New; there
// is no process-wide state. Writes are temp-file + rename, serialized per
// recipient by an in-process mutex plus an advisory flock so that several
// processes can share one workspace.
package bus

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/metrics"
)

const (
	// DefaultMaxPayloadBytes bounds a handoff payload.
	DefaultMaxPayloadBytes = 1 << 20
	// DefaultTTL is how long an unconsumed handoff stays pending.
	DefaultTTL = 10 * time.Minute

	queuesDir   = "queues"
	eventsFile  = "events.log"
	lockName    = ".lock"
	eventsLock  = ".events.lock"
	pollBackoff = 25 * time.Millisecond
)

var participantPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidParticipant reports whether id is safe to use as a queue name.
func ValidParticipant(id string) bool {
	return participantPattern.MatchString(id) && id != "." && id != ".."
}

// ParticipantID composes the queue name of a template inside a run.
func ParticipantID(runID, templateID string) string {
	return runID + "." + templateID
}

// Options configure a Bus.
type Options struct {
	MaxPayloadBytes int
	TTL             time.Duration
	Clock           func() time.Time
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// Bus is the handoff and broadcast channel rooted at one directory.
type Bus struct {
	root       string
	maxPayload int
	ttl        time.Duration
	now        func() time.Time
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	newID      func() (string, error)

	mu     sync.Mutex
	queues map[string]*sync.RWMutex
	events sync.Mutex
}

// New opens (creating if needed) a bus rooted at root.
func New(root string, opts Options) (*Bus, error) {
	if root == "" {
		return nil, ferrors.Communication("open bus", fmt.Errorf("root is required"))
	}
	if err := os.MkdirAll(filepath.Join(root, queuesDir), 0o755); err != nil {
		return nil, ferrors.Communication("open bus", err)
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Bus{
		root:       root,
		maxPayload: opts.MaxPayloadBytes,
		ttl:        opts.TTL,
		now:        opts.Clock,
		logger:     opts.Logger.With().Str("component", "bus").Logger(),
		metrics:    opts.Metrics,
		newID:      newHandoffID,
		queues:     make(map[string]*sync.RWMutex),
	}, nil
}

// Root returns the bus directory.
func (b *Bus) Root() string { return b.root }

// MaxPayloadBytes returns the configured payload limit.
func (b *Bus) MaxPayloadBytes() int { return b.maxPayload }

func (b *Bus) queueDir(to string) string {
	return filepath.Join(b.root, queuesDir, to)
}

func (b *Bus) handoffPath(to, id string) string {
	return filepath.Join(b.queueDir(to), id+".json")
}

func (b *Bus) queueMutex(to string) *sync.RWMutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.queues[to]
	if !ok {
		m = &sync.RWMutex{}
		b.queues[to] = m
	}
	return m
}

// lockQueue takes the recipient's exclusive lock. The returned func
// releases both the flock and the in-process mutex.
func (b *Bus) lockQueue(to string) (func(), error) {
	m := b.queueMutex(to)
	m.Lock()
	fl, err := lockFileExclusive(filepath.Join(b.queueDir(to), lockName))
	if err != nil {
		m.Unlock()
		return nil, err
	}
	return func() {
		fl.unlock()
		m.Unlock()
	}, nil
}

func (b *Bus) rlockQueue(to string) (func(), error) {
	m := b.queueMutex(to)
	m.RLock()
	fl, err := lockFileShared(filepath.Join(b.queueDir(to), lockName))
	if err != nil {
		m.RUnlock()
		return nil, err
	}
	return func() {
		fl.unlock()
		m.RUnlock()
	}, nil
}

// newHandoffID returns a UUIDv7: 48 bits of millisecond time followed by
// crypto-random bits, so IDs sort by creation time and never collide in
// practice.
func newHandoffID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (b *Bus) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case isErr(err, ferrors.ErrAlreadyConsumed):
		result = "already_consumed"
	case isErr(err, ferrors.ErrHandoffExpired):
		result = "expired"
	case isErr(err, ferrors.ErrHandoffNotFound):
		result = "not_found"
	case isErr(err, ferrors.ErrPayloadTooLarge):
		result = "too_large"
	default:
		result = "error"
	}
	b.metrics.RecordHandoff(op, result)
}
