// Package eventstore persists classified events in an append-only log with
// in-memory id and time indexes, and serves live tails to subscribers.
package eventstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/seismonet/go-seismonet/pkg/errors"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// FsyncMode selects the durability policy for appends.
type FsyncMode string

// Durability policies. PerWrite syncs inside every Append; Periodic syncs on
// a timer and trades the tail of the log for append throughput.
const (
	FsyncPerWrite FsyncMode = "per_write"
	FsyncPeriodic FsyncMode = "periodic"
)

// Config configures a Store.
type Config struct {
	Dir           string
	SchemaID      string
	Fsync         FsyncMode
	FsyncInterval time.Duration
}

const logFileName = "events.log"

type indexEntry struct {
	offset  int64
	trigger time.Time
	id      string
}

// Store is the append-only classified-event store. Append is serialized;
// reads and tails run concurrently against the immutable committed prefix.
type Store struct {
	log zerolog.Logger
	cfg Config

	mu       sync.RWMutex
	f        *os.File
	size     int64
	byID     map[string]int64
	byTime   []indexEntry // ascending trigger time, append order breaking ties
	tailers  map[int64]chan seismic.ClassifiedEvent
	nextTail int64
	closed   bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}

	mAppended instrument.Int64Counter
}

// Open opens or creates the store under cfg.Dir, replaying the log to rebuild
// the indexes. A torn final record from a crashed writer is truncated.
func Open(cfg Config) (*Store, error) {
	if cfg.SchemaID == "" {
		return nil, errors.New(errors.KindValidation, "store requires a schema id")
	}
	if cfg.Fsync == "" {
		cfg.Fsync = FsyncPerWrite
	}
	if cfg.Fsync == FsyncPeriodic && cfg.FsyncInterval <= 0 {
		cfg.FsyncInterval = time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "creating store dir")
	}

	path := filepath.Join(cfg.Dir, logFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "opening log %s", path)
	}

	s := &Store{
		log:     logger.With().Str("component", "eventstore").Logger(),
		cfg:     cfg,
		f:       f,
		byID:    map[string]int64{},
		tailers: map[int64]chan seismic.ClassifiedEvent{},
	}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}

	meter := global.MeterProvider().Meter("seismonet")
	s.mAppended, err = meter.Int64Counter("seismonet.eventstore.append.count",
		instrument.WithUnit("{event}"))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(errors.KindInternal, err, "registering append counter")
	}

	if cfg.Fsync == FsyncPeriodic {
		ctx, cancel := context.WithCancel(context.Background())
		s.syncCancel = cancel
		s.syncDone = make(chan struct{})
		go s.syncLoop(ctx)
	}
	s.log.Info().Int("events", len(s.byTime)).Str("dir", cfg.Dir).Msg("event store opened")
	return s, nil
}

func (s *Store) replay() error {
	info, err := s.f.Stat()
	if err != nil {
		return errors.Wrap(errors.KindInternal, err, "stat log")
	}
	if info.Size() == 0 {
		n, err := writeHeader(s.f, s.cfg.SchemaID)
		if err != nil {
			return err
		}
		s.size = n
		return s.f.Sync()
	}

	hdr, err := readHeader(s.f)
	if err != nil {
		return err
	}
	if hdr.schemaID != s.cfg.SchemaID {
		return errors.New(errors.KindSchemaMismatch,
			"log written under schema %q, store configured for %q", hdr.schemaID, s.cfg.SchemaID)
	}

	off := hdr.size
	for {
		ev, n, err := readRecordAt(s.f, off)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			s.log.Warn().Int64("offset", off).Msg("truncating torn record")
			if err := s.f.Truncate(off); err != nil {
				return errors.Wrap(errors.KindInternal, err, "truncating log")
			}
			break
		}
		if err != nil {
			return err
		}
		s.index(ev, off)
		off += n
	}
	s.size = off
	if _, err := s.f.Seek(off, io.SeekStart); err != nil {
		return errors.Wrap(errors.KindInternal, err, "seeking log tail")
	}
	return nil
}

func (s *Store) index(ev *seismic.ClassifiedEvent, off int64) {
	s.byID[ev.ID] = off
	entry := indexEntry{offset: off, trigger: ev.TriggerTime(), id: ev.ID}
	i := sort.Search(len(s.byTime), func(i int) bool {
		return s.byTime[i].trigger.After(entry.trigger)
	})
	s.byTime = append(s.byTime, indexEntry{})
	copy(s.byTime[i+1:], s.byTime[i:])
	s.byTime[i] = entry
}

func (s *Store) syncLoop(ctx context.Context) {
	defer close(s.syncDone)
	ticker := time.NewTicker(s.cfg.FsyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				if err := s.f.Sync(); err != nil {
					s.log.Error().Err(err).Msg("periodic fsync failed")
				}
			}
			s.mu.Unlock()
		}
	}
}

// Append commits one event. Events are immutable: re-appending an existing id
// is a validation error.
func (s *Store) Append(ctx context.Context, ev *seismic.ClassifiedEvent) error {
	if ev.ID == "" {
		return errors.New(errors.KindValidation, "event has no id")
	}
	if ev.Features.SchemaID != s.cfg.SchemaID {
		return errors.New(errors.KindSchemaMismatch,
			"event schema %q, store schema %q", ev.Features.SchemaID, s.cfg.SchemaID)
	}
	rec, err := encodeRecord(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New(errors.KindUnavailable, "store is closed")
	}
	if _, ok := s.byID[ev.ID]; ok {
		s.mu.Unlock()
		return errors.New(errors.KindValidation, "event %s already stored", ev.ID)
	}
	off := s.size
	if _, err := s.f.Write(rec); err != nil {
		s.mu.Unlock()
		return errors.Wrap(errors.KindInternal, err, "appending event %s", ev.ID)
	}
	if s.cfg.Fsync == FsyncPerWrite {
		if err := s.f.Sync(); err != nil {
			s.mu.Unlock()
			return errors.Wrap(errors.KindInternal, err, "syncing event %s", ev.ID)
		}
	}
	s.size += int64(len(rec))
	s.index(ev, off)
	for _, ch := range s.tailers {
		select {
		case ch <- *ev:
		default:
			// Slow tailer; it recovers by re-tailing from its cursor.
		}
	}
	s.mu.Unlock()

	s.mAppended.Add(ctx, 1)
	return nil
}

// GetByID returns the stored event or a not-found error.
func (s *Store) GetByID(_ context.Context, id string) (*seismic.ClassifiedEvent, error) {
	s.mu.RLock()
	off, ok := s.byID[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.KindNotFound, "event %s not found", id)
	}
	ev, _, err := readRecordAt(s.f, off)
	if err != nil {
		return nil, errors.Wrap(errors.KindCorruption, err, "reading event %s", id)
	}
	return ev, nil
}

// Query filters stored events. BBox matches only located events inside the
// box; MinMagnitude is inclusive.
type Query struct {
	Range        seismic.TimeRange
	Label        seismic.Label
	BBox         *seismic.BBox
	MinMagnitude *float64
	Limit        int
	Offset       int
}

// Query returns matching events ordered by trigger time ascending.
func (s *Store) Query(_ context.Context, q Query) ([]*seismic.ClassifiedEvent, error) {
	s.mu.RLock()
	entries := make([]indexEntry, 0)
	for _, e := range s.byTime {
		if q.Range.IsValid() && !q.Range.Contains(e.trigger) {
			continue
		}
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*seismic.ClassifiedEvent, 0)
	skipped := 0
	for _, e := range entries {
		ev, _, err := readRecordAt(s.f, e.offset)
		if err != nil {
			return nil, errors.Wrap(errors.KindCorruption, err, "reading event %s", e.id)
		}
		if q.Label != "" && ev.Label != q.Label {
			continue
		}
		if q.BBox != nil &&
			(ev.Location == nil || !q.BBox.Contains(ev.Location.Latitude, ev.Location.Longitude)) {
			continue
		}
		if q.MinMagnitude != nil && ev.Magnitude.Value < *q.MinMagnitude {
			continue
		}
		if skipped < q.Offset {
			skipped++
			continue
		}
		out = append(out, ev)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Cursor identifies a tail resume position: the byte offset just past the
// last record the consumer has seen. Zero means the start of the log.
type Cursor int64

// Tail streams committed events starting at cursor, then follows live
// appends until ctx is canceled. The returned channel is closed on cancel
// and on store close.
func (s *Store) Tail(ctx context.Context, cursor Cursor) (<-chan seismic.ClassifiedEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New(errors.KindUnavailable, "store is closed")
	}
	backlog := make([]indexEntry, 0)
	for _, e := range s.byTime {
		if e.offset >= int64(cursor) {
			backlog = append(backlog, e)
		}
	}
	sort.Slice(backlog, func(i, j int) bool { return backlog[i].offset < backlog[j].offset })
	live := make(chan seismic.ClassifiedEvent, 64)
	id := s.nextTail
	s.nextTail++
	s.tailers[id] = live
	s.mu.Unlock()

	out := make(chan seismic.ClassifiedEvent, 64)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.tailers, id)
			s.mu.Unlock()
		}()
		for _, e := range backlog {
			ev, _, err := readRecordAt(s.f, e.offset)
			if err != nil {
				s.log.Error().Err(err).Str("eventId", e.id).Msg("tail backlog read failed")
				return
			}
			select {
			case out <- *ev:
			case <-ctx.Done():
				return
			}
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// EndCursor returns the cursor just past the last committed record. A tail
// started from it sees only events appended afterwards.
func (s *Store) EndCursor() Cursor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Cursor(s.size)
}

// CursorFor returns the resume cursor positioned just past event id.
func (s *Store) CursorFor(id string) (Cursor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.byID[id]
	if !ok {
		return 0, false
	}
	ev, n, err := readRecordAt(s.f, off)
	if err != nil || ev == nil {
		return 0, false
	}
	return Cursor(off + n), true
}

// Len returns the number of stored events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTime)
}

// Close stops the sync loop, closes tailers, and syncs the log.
func (s *Store) Close() error {
	if s.syncCancel != nil {
		s.syncCancel()
		<-s.syncDone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, ch := range s.tailers {
		close(ch)
		delete(s.tailers, id)
	}
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(errors.KindInternal, err, "final sync")
	}
	return s.f.Close()
}
