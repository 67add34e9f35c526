// Package history implements the historical, non-authoritative audit trail
// backing store/memory.db (spec §2.1 domain stack). It is adapted from the
// teacher's MKCT memory engine (haricheung-agentic-shell/internal/roles/memory):
// same LevelDB-backed async write queue, same "persist on a buffered channel,
// drop with a warning when full" back-pressure discipline, same background
// sweep goroutine shape as their Dreamer. Everything MKCT-specific — Megram
// quantization, decay potentials, trust bankruptcy, dual-channel scoring — is
// stripped: history has no scoring model, it is a plain append-only mirror of
// every types.Event kept for operator inspection (ad-hoc QueryJob queries;
// `numerus logs` reads the NDJSON journal, not this store) and pruned after
// a TTL. It is never consulted by the Job Runner or
// Resource Arbiter for any decision — internal/store is the sole authoritative
// record.
package history

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/numerus/internal/bus"
	"github.com/haricheung/numerus/internal/types"
)

// LevelDB key prefix scheme, "|" separated so job/task ids containing ":" stay safe:
//
//	e|<id>                  → Event JSON (primary record)
//	t|<unix_nano>|<id>      → nil        (time-ordered index, drives the TTL sweep)
//	j|<job_id>|<id>         → nil        (per-job index for QueryJob)
const (
	prefixEvent = "e|"
	prefixTime  = "t|"
	prefixJob   = "j|"
)

// DefaultTTL is the retention window applied when New is given ttl <= 0
// (spec Open Question: memory.db retention — decided as 30-day advisory TTL).
const DefaultTTL = 30 * 24 * time.Hour

const sweepInterval = 10 * time.Minute

// Store is the LevelDB-backed, append-only event history. Write is async;
// QueryJob is synchronous and read-only.
type Store struct {
	b       *bus.Bus
	db      *leveldb.DB
	writeCh chan types.Event
	ttl     time.Duration
}

// New opens (or creates) a LevelDB database at dbPath. ttl <= 0 uses DefaultTTL.
func New(b *bus.Bus, dbPath string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[HISTORY] failed to open LevelDB at %s: %v\n", dbPath, err)
		fmt.Fprintf(os.Stderr, "another numerus process may be running (LevelDB is single-writer)\n")
		os.Exit(1)
	}
	return &Store{
		b:       b,
		db:      db,
		writeCh: make(chan types.Event, 1024),
		ttl:     ttl,
	}
}

// Write enqueues e for async, non-blocking persistence. Drops e with a logged
// warning if the write queue is full — history must never slow down the
// orchestration path that produced the event.
func (s *Store) Write(e types.Event) {
	select {
	case s.writeCh <- e:
	default:
		log.Printf("[HISTORY] WARNING: write queue full — dropping event job=%s task=%s type=%s", e.JobID, e.TaskID, e.EventType)
	}
}

// Tail subscribes to every event on the bus and mirrors it into history. Call
// once at startup alongside Run.
func (s *Store) Tail() {
	tap := s.b.NewTap()
	go func() {
		for env := range tap {
			if e, ok := env.Payload.(types.Event); ok {
				s.Write(e)
			}
		}
	}()
}

// Run drains the write queue and runs the periodic TTL sweep until stop is
// closed, then drains whatever remains and closes the database.
func (s *Store) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			s.drainWriteQueue()
			if err := s.db.Close(); err != nil {
				log.Printf("[HISTORY] DB close error: %v", err)
			}
			return
		case e := <-s.writeCh:
			s.persistEvent(e)
		case <-ticker.C:
			scanned, deleted := s.sweep()
			if deleted > 0 {
				log.Printf("[HISTORY] TTL sweep: scanned=%d deleted=%d ttl=%s", scanned, deleted, s.ttl)
			}
		}
	}
}

// QueryJob returns every event recorded for jobID, oldest first. Synchronous;
// not called from any orchestration hot path.
func (s *Store) QueryJob(jobID string) ([]types.Event, error) {
	prefix := prefixJob + jobID + "|"
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var out []types.Event
	for iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), prefix)
		e, err := s.fetchEvent(id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) persistEvent(e types.Event) {
	id := uuid.New().String()
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[HISTORY] marshal event failed: %v", err)
		return
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixEvent+id), data)
	batch.Put([]byte(timeKey(e.Timestamp, id)), nil)
	batch.Put([]byte(prefixJob+e.JobID+"|"+id), nil)
	if err := s.db.Write(batch, nil); err != nil {
		log.Printf("[HISTORY] persist event failed: %v", err)
	}
}

func (s *Store) drainWriteQueue() {
	for {
		select {
		case e := <-s.writeCh:
			s.persistEvent(e)
		default:
			return
		}
	}
}

// sweep deletes every event older than the TTL. Returns (scanned, deleted).
func (s *Store) sweep() (scanned, deleted int) {
	cutoff := time.Now().Add(-s.ttl)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTime)), nil)
	var toDelete []string // event ids
	for iter.Next() {
		scanned++
		key := string(iter.Key())
		parts := strings.SplitN(strings.TrimPrefix(key, prefixTime), "|", 2)
		if len(parts) != 2 {
			continue
		}
		nanos, id := parts[0], parts[1]
		ts, err := parseUnixNano(nanos)
		if err != nil {
			continue
		}
		if ts.Before(cutoff) {
			toDelete = append(toDelete, id)
		}
	}
	iter.Release()

	for _, id := range toDelete {
		e, err := s.fetchEvent(id)
		if err != nil {
			continue
		}
		batch := new(leveldb.Batch)
		batch.Delete([]byte(prefixEvent + id))
		batch.Delete([]byte(timeKey(e.Timestamp, id)))
		batch.Delete([]byte(prefixJob + e.JobID + "|" + id))
		if err := s.db.Write(batch, nil); err == nil {
			deleted++
		}
	}
	return
}

func (s *Store) fetchEvent(id string) (types.Event, error) {
	data, err := s.db.Get([]byte(prefixEvent+id), nil)
	if err != nil {
		return types.Event{}, err
	}
	var e types.Event
	return e, json.Unmarshal(data, &e)
}

func timeKey(ts time.Time, id string) string {
	return fmt.Sprintf("%s%020d|%s", prefixTime, ts.UnixNano(), id)
}

func parseUnixNano(s string) (time.Time, error) {
	var nanos int64
	_, err := fmt.Sscanf(s, "%020d", &nanos)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
