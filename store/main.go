// Package store owns every Train, Station, Conflict, Alert and TrafficSuggestion record.
//
// Records live in memory and are written through to a buntdb file under "<kind>:<id>"
// keys. Removed records leave a tombstone under "retired:<kind>:<id>" so their ids are
// never handed out again, and id counters are kept under "seq:<kind>".
package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"
	"nyiyui.ca/hato/shirei"
	"nyiyui.ca/hato/shirei/notify"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Change describes one committed mutation. For removals, Entity is the last value.
type Change struct {
	Seq    uint64        `json:"seq"`
	Kind   shirei.Kind   `json:"kind"`
	ID     string        `json:"id"`
	Op     Op            `json:"op"`
	Entity shirei.Entity `json:"entity,omitempty"`
}

var prefixes = map[shirei.Kind]string{
	shirei.KindTrain:      "T",
	shirei.KindStation:    "S",
	shirei.KindConflict:   "C",
	shirei.KindAlert:      "A",
	shirei.KindSuggestion: "TS",
}

type ref struct {
	kind shirei.Kind
	id   string
}

func (r ref) key() string        { return Key(r.kind, r.id) }
func (r ref) retiredKey() string { return RetiredKey(r.kind, r.id) }

// Key is the buntdb key a record is stored under. An id of "*" gives a pattern matching
// every record of kind.
func Key(kind shirei.Kind, id string) string { return string(kind) + ":" + id }

// RetiredKey is the buntdb key a removed record's tombstone is stored under.
func RetiredKey(kind shirei.Kind, id string) string { return "retired:" + Key(kind, id) }

func seqKey(kind shirei.Kind) string { return "seq:" + string(kind) }

type Store struct {
	db         *buntdb.DB
	syncPolicy buntdb.SyncPolicy

	lock      sync.RWMutex
	records   map[shirei.Kind]map[string]shirei.Entity
	retired   map[shirei.Kind]map[string]shirei.Entity
	seq       map[shirei.Kind]int
	changeSeq uint64

	changes  *notify.MultiplexerSender[Change]
	changesM *notify.Multiplexer[Change]
}

type Option func(s *Store)

// WithSyncPolicy sets how often buntdb fsyncs. The default is buntdb.EverySecond.
func WithSyncPolicy(p buntdb.SyncPolicy) Option {
	return func(s *Store) { s.syncPolicy = p }
}

// Open opens (creating if needed) the store at path. ":memory:" keeps nothing on disk.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s := &Store{
		db:         db,
		syncPolicy: buntdb.EverySecond,
		records:    map[shirei.Kind]map[string]shirei.Entity{},
		retired:    map[shirei.Kind]map[string]shirei.Entity{},
		seq:        map[shirei.Kind]int{},
	}
	for _, kind := range shirei.Kinds {
		s.records[kind] = map[string]shirei.Entity{}
		s.retired[kind] = map[string]shirei.Entity{}
	}
	for _, opt := range opts {
		opt(s)
	}
	var cfg buntdb.Config
	if err := db.ReadConfig(&cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.SyncPolicy = s.syncPolicy
	if err := db.SetConfig(cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("set config: %w", err)
	}
	if err := s.load(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	s.changes, s.changesM = notify.NewMultiplexerSender[Change]("store")
	return s, nil
}

func (s *Store) load() error {
	n := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, value string) bool {
			parts := strings.SplitN(key, ":", 3)
			switch {
			case len(parts) == 2 && parts[0] == "seq":
				v, err := strconv.Atoi(value)
				if err != nil {
					zap.S().Errorw("parsing counter failed", "key", key, "value", value)
					return true
				}
				s.seq[shirei.Kind(parts[1])] = v
			case len(parts) == 3 && parts[0] == "retired":
				kind := shirei.Kind(parts[1])
				e, err := Decode(kind, []byte(value))
				if err != nil {
					zap.S().Errorw("unmarshalling tombstone failed", "key", key, "error", err)
					return true
				}
				s.retired[kind][parts[2]] = e
			case len(parts) == 2:
				kind := shirei.Kind(parts[0])
				e, err := Decode(kind, []byte(value))
				if err != nil {
					zap.S().Errorw("unmarshalling failed", "key", key, "error", err)
					return true
				}
				s.records[kind][parts[1]] = e
				n++
			default:
				zap.S().Warnw("ignoring unknown key", "key", key)
			}
			return true
		})
	})
	if err != nil {
		return err
	}
	zap.S().Infow("loaded records", "records", n)
	return nil
}

// Close stops change notifications and closes the database.
func (s *Store) Close() error {
	s.changes.Close()
	return s.db.Close()
}

// Changes returns the multiplexer every committed mutation is sent to, in commit order.
func (s *Store) Changes() *notify.Multiplexer[Change] {
	return s.changesM
}

func checkKind(kind shirei.Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("kind %q: %w", kind, shirei.ErrInvalidKind)
	}
	return nil
}

func (s *Store) Get(kind shirei.Kind, id string) (shirei.Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.records[kind][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, shirei.ErrNotFound)
	}
	return clone(e), nil
}

// Tombstone returns the last value of a removed record.
func (s *Store) Tombstone(kind shirei.Kind, id string) (shirei.Entity, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	e, ok := s.retired[kind][id]
	if !ok || e == nil {
		return nil, false
	}
	return clone(e), true
}

// Tombstones returns the last values of every removed record of kind, ordered by id.
func (s *Store) Tombstones(kind shirei.Kind) []shirei.Entity {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return sorted(s.retired[kind], nil)
}

// List returns the records of kind for which filter returns true (all if filter is nil),
// ordered by id.
func (s *Store) List(kind shirei.Kind, filter func(shirei.Entity) bool) ([]shirei.Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	s.lock.RLock()
	defer s.lock.RUnlock()
	return sorted(s.records[kind], filter), nil
}

func sorted(m map[string]shirei.Entity, filter func(shirei.Entity) bool) []shirei.Entity {
	res := make([]shirei.Entity, 0, len(m))
	for _, e := range m {
		if e == nil || (filter != nil && !filter(e)) {
			continue
		}
		res = append(res, clone(e))
	}
	sort.Slice(res, func(i, j int) bool { return LessID(res[i].EntityID(), res[j].EntityID()) })
	return res
}

// LessID orders ids so that T2 sorts before T10.
func LessID(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Upsert inserts or replaces e. An empty id is replaced with a fresh one.
// prev is nil when there was no previous record.
func (s *Store) Upsert(kind shirei.Kind, e shirei.Entity) (prev shirei.Entity, err error) {
	err = s.Update(func(b *Batch) error {
		prev, err = b.Upsert(kind, e)
		return err
	})
	return prev, err
}

// Remove deletes the record and retires its id. It reports whether the record existed.
func (s *Store) Remove(kind shirei.Kind, id string) (removed bool, err error) {
	err = s.Update(func(b *Batch) error {
		removed, err = b.Remove(kind, id)
		return err
	})
	return removed, err
}

// NewID reserves and returns a fresh id for kind.
func (s *Store) NewID(kind shirei.Kind) (id string, err error) {
	err = s.Update(func(b *Batch) error {
		id, err = b.NewID(kind)
		return err
	})
	return id, err
}

// Update runs fn with exclusive access to the store. Writes staged on the Batch are
// committed together if fn returns nil and discarded otherwise.
func (s *Store) Update(fn func(b *Batch) error) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	b := &Batch{
		s:      s,
		staged: map[ref]shirei.Entity{},
		retire: map[ref]shirei.Entity{},
		seqs:   map[shirei.Kind]bool{},
	}
	if err := fn(b); err != nil {
		return err
	}
	return s.commit(b)
}

func (s *Store) commit(b *Batch) error {
	if len(b.order) == 0 && len(b.seqs) == 0 {
		return nil
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		for _, r := range b.order {
			e := b.staged[r]
			if e == nil {
				_, err := tx.Delete(r.key())
				if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
					return err
				}
				data, err := Encode(b.retire[r])
				if err != nil {
					return err
				}
				if _, _, err := tx.Set(r.retiredKey(), string(data), nil); err != nil {
					return err
				}
				continue
			}
			data, err := Encode(e)
			if err != nil {
				return err
			}
			if _, _, err := tx.Set(r.key(), string(data), nil); err != nil {
				return err
			}
		}
		for kind := range b.seqs {
			if _, _, err := tx.Set(seqKey(kind), strconv.Itoa(s.seq[kind]), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		zap.S().Errorw("persisting batch failed", "error", err, "records", len(b.order))
		return fmt.Errorf("persist: %w", err)
	}
	for _, r := range b.order {
		e := b.staged[r]
		c := Change{Kind: r.kind, ID: r.id}
		if e == nil {
			delete(s.records[r.kind], r.id)
			s.retired[r.kind][r.id] = b.retire[r]
			c.Op = OpRemove
			c.Entity = clone(b.retire[r])
		} else {
			s.records[r.kind][r.id] = e
			c.Op = OpUpsert
			c.Entity = clone(e)
		}
		s.changeSeq++
		c.Seq = s.changeSeq
		s.changes.Send(c)
	}
	return nil
}

// Batch stages writes inside Store.Update. Reads through a Batch see its staged writes.
type Batch struct {
	s      *Store
	staged map[ref]shirei.Entity // nil means removed
	retire map[ref]shirei.Entity
	order  []ref
	seqs   map[shirei.Kind]bool
}

func (b *Batch) lookup(r ref) (shirei.Entity, bool) {
	if e, ok := b.staged[r]; ok {
		return e, e != nil
	}
	e, ok := b.s.records[r.kind][r.id]
	return e, ok
}

func (b *Batch) isRetired(r ref) bool {
	if _, ok := b.retire[r]; ok {
		return true
	}
	_, ok := b.s.retired[r.kind][r.id]
	return ok
}

func (b *Batch) Get(kind shirei.Kind, id string) (shirei.Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	e, ok := b.lookup(ref{kind, id})
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, shirei.ErrNotFound)
	}
	return clone(e), nil
}

// Tombstone is like Store.Tombstone, including removals staged on b.
func (b *Batch) Tombstone(kind shirei.Kind, id string) (shirei.Entity, bool) {
	r := ref{kind, id}
	if e, ok := b.retire[r]; ok {
		return clone(e), true
	}
	e, ok := b.s.retired[kind][id]
	if !ok || e == nil {
		return nil, false
	}
	return clone(e), true
}

func (b *Batch) Upsert(kind shirei.Kind, e shirei.Entity) (shirei.Entity, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if e == nil || e.EntityKind() != kind {
		return nil, fmt.Errorf("upsert into %s: %w", kind, shirei.ErrInvalidKind)
	}
	id := e.EntityID()
	if id == "" {
		var err error
		id, err = b.NewID(kind)
		if err != nil {
			return nil, err
		}
		e = e.WithID(id)
	} else {
		if strings.ContainsAny(id, ": ") {
			return nil, fmt.Errorf("%s id %q: %w", kind, id, shirei.ErrInvalid)
		}
		if b.isRetired(ref{kind, id}) {
			return nil, fmt.Errorf("%s %s: %w", kind, id, shirei.ErrRetiredID)
		}
	}
	if err := e.Check(); err != nil {
		return nil, err
	}
	b.bump(kind, id)
	r := ref{kind, id}
	prev, ok := b.lookup(r)
	if !ok {
		prev = nil
	} else {
		prev = clone(prev)
	}
	b.stage(r, clone(e))
	return prev, nil
}

func (b *Batch) Remove(kind shirei.Kind, id string) (bool, error) {
	if err := checkKind(kind); err != nil {
		return false, err
	}
	r := ref{kind, id}
	cur, ok := b.lookup(r)
	if !ok {
		return false, nil
	}
	b.retire[r] = cur
	b.stage(r, nil)
	return true, nil
}

func (b *Batch) stage(r ref, e shirei.Entity) {
	if _, ok := b.staged[r]; !ok {
		b.order = append(b.order, r)
	}
	b.staged[r] = e
}

// NewID reserves a fresh id for kind.
func (b *Batch) NewID(kind shirei.Kind) (string, error) {
	if err := checkKind(kind); err != nil {
		return "", err
	}
	for {
		b.s.seq[kind]++
		b.seqs[kind] = true
		id := fmt.Sprintf("%s%03d", prefixes[kind], b.s.seq[kind])
		r := ref{kind, id}
		if _, ok := b.lookup(r); ok || b.isRetired(r) {
			continue
		}
		return id, nil
	}
}

// bump advances kind's counter past an explicitly chosen id of the generated form.
func (b *Batch) bump(kind shirei.Kind, id string) {
	rest, ok := strings.CutPrefix(id, prefixes[kind])
	if !ok || rest == "" {
		return
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return
	}
	if n > b.s.seq[kind] {
		b.s.seq[kind] = n
		b.seqs[kind] = true
	}
}
