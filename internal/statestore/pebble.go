package statestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"duck-async/internal/domain"
)

// Key layout:
//
//	d|<dataSource>\x00<id>  -> pebbleRecord (JSON)
//	m|seq                   -> last issued seq_no (uint64 big endian)
//	m|term                  -> primary term of the current open (uint64 big endian)
const (
	pebbleDocPrefix = "d|"
	pebbleSeqKey    = "m|seq"
	pebbleTermKey   = "m|term"
)

type pebbleRecord struct {
	Type        domain.DocType `json:"t"`
	State       string         `json:"s"`
	Body        []byte         `json:"b"`
	SeqNo       int64          `json:"q"`
	PrimaryTerm int64          `json:"p"`
}

// PebbleStore is an embedded VersionedStore. Pebble has no conditional
// writes, so every mutation runs under mu: read the current record, compare
// versions, then commit a batch carrying the new record and the advanced
// sequence number. Each Open bumps the primary term.
type PebbleStore struct {
	db *pebble.DB

	mu   sync.Mutex
	seq  int64
	term int64
}

var _ domain.VersionedStore = (*PebbleStore)(nil)

// OpenPebbleStore opens or creates a store in dir.
func OpenPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble state store: %w", err)
	}
	s := &PebbleStore{db: db}

	if s.seq, err = s.readCounter(pebbleSeqKey); err != nil {
		_ = db.Close()
		return nil, err
	}
	term, err := s.readCounter(pebbleTermKey)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.term = term + 1
	if err := db.Set([]byte(pebbleTermKey), encodeCounter(s.term), pebble.Sync); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("persist primary term: %w", err)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Get implements domain.VersionedStore.
func (s *PebbleStore) Get(_ context.Context, dataSourceName, id string) (*domain.Document, error) {
	rec, err := s.load(dataSourceName, id)
	if err != nil {
		return nil, err
	}
	doc := rec.document(dataSourceName, id)
	return &doc, nil
}

// Create implements domain.VersionedStore.
func (s *PebbleStore) Create(_ context.Context, doc *domain.Document) (domain.Version, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Version{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.load(doc.DataSourceName, doc.ID)
	if err == nil {
		return domain.Version{}, domain.ErrAlreadyExists("document %q already exists in %q", doc.ID, doc.DataSourceName)
	}
	if !domain.IsNotFound(err) {
		return domain.Version{}, err
	}
	return s.put(doc)
}

// Update implements domain.VersionedStore.
func (s *PebbleStore) Update(_ context.Context, doc *domain.Document, expected domain.Version) (domain.Version, error) {
	if err := validateDocument(doc); err != nil {
		return domain.Version{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(doc.DataSourceName, doc.ID, expected); err != nil {
		return domain.Version{}, err
	}
	return s.put(doc)
}

// Delete implements domain.VersionedStore.
func (s *PebbleStore) Delete(_ context.Context, dataSourceName, id string, expected domain.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkVersion(dataSourceName, id, expected); err != nil {
		return err
	}
	if err := s.db.Delete(pebbleDocKey(dataSourceName, id), pebble.Sync); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}

// List implements domain.VersionedStore.
func (s *PebbleStore) List(_ context.Context, filter domain.DocumentFilter) ([]domain.Document, error) {
	var out []domain.Document
	err := s.scan(filter, func(doc domain.Document) {
		out = append(out, doc)
	})
	return out, err
}

// Count implements domain.VersionedStore.
func (s *PebbleStore) Count(_ context.Context, filter domain.DocumentFilter) (int64, error) {
	var n int64
	err := s.scan(filter, func(domain.Document) { n++ })
	return n, err
}

func (s *PebbleStore) scan(filter domain.DocumentFilter, fn func(domain.Document)) error {
	lower := []byte(pebbleDocPrefix)
	if filter.DataSourceName != "" {
		lower = append(lower, filter.DataSourceName...)
		lower = append(lower, 0)
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		ds, id, ok := splitDocKey(iter.Key())
		if !ok {
			continue
		}
		var rec pebbleRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode record %s/%s: %w", ds, id, err)
		}
		doc := rec.document(ds, id)
		if filter.Matches(&doc) {
			fn(doc)
		}
	}
	return iter.Error()
}

// put writes doc with a freshly issued version. Caller holds mu.
func (s *PebbleStore) put(doc *domain.Document) (domain.Version, error) {
	seq := s.seq + 1
	rec := pebbleRecord{
		Type:        doc.Type,
		State:       doc.State,
		Body:        doc.Body,
		SeqNo:       seq,
		PrimaryTerm: s.term,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return domain.Version{}, fmt.Errorf("encode record: %w", err)
	}

	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	if err := batch.Set(pebbleDocKey(doc.DataSourceName, doc.ID), value, nil); err != nil {
		return domain.Version{}, err
	}
	if err := batch.Set([]byte(pebbleSeqKey), encodeCounter(seq), nil); err != nil {
		return domain.Version{}, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return domain.Version{}, fmt.Errorf("commit document: %w", err)
	}
	s.seq = seq
	return domain.Version{SeqNo: seq, PrimaryTerm: s.term}, nil
}

func (s *PebbleStore) checkVersion(dataSourceName, id string, expected domain.Version) error {
	rec, err := s.load(dataSourceName, id)
	if err != nil {
		return err
	}
	cur := domain.Version{SeqNo: rec.SeqNo, PrimaryTerm: rec.PrimaryTerm}
	if cur != expected {
		return domain.ErrVersionConflict("document %q is at version %s, expected %s", id, cur, expected)
	}
	return nil
}

func (s *PebbleStore) load(dataSourceName, id string) (*pebbleRecord, error) {
	v, closer, err := s.db.Get(pebbleDocKey(dataSourceName, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, domain.ErrNotFound("document %q not found in %q", id, dataSourceName)
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s/%s: %w", dataSourceName, id, err)
	}
	defer func() { _ = closer.Close() }()

	var rec pebbleRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", dataSourceName, id, err)
	}
	return &rec, nil
}

func (s *PebbleStore) readCounter(key string) (int64, error) {
	v, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	defer func() { _ = closer.Close() }()
	if len(v) != 8 {
		return 0, fmt.Errorf("read %s: corrupt counter", key)
	}
	return int64(binary.BigEndian.Uint64(v)), nil
}

func (r *pebbleRecord) document(dataSourceName, id string) domain.Document {
	return domain.Document{
		ID:             id,
		DataSourceName: dataSourceName,
		Type:           r.Type,
		State:          r.State,
		Body:           r.Body,
		Version:        domain.Version{SeqNo: r.SeqNo, PrimaryTerm: r.PrimaryTerm},
	}
}

func pebbleDocKey(dataSourceName, id string) []byte {
	key := make([]byte, 0, len(pebbleDocPrefix)+len(dataSourceName)+1+len(id))
	key = append(key, pebbleDocPrefix...)
	key = append(key, dataSourceName...)
	key = append(key, 0)
	return append(key, id...)
}

func splitDocKey(key []byte) (dataSourceName, id string, ok bool) {
	rest := bytes.TrimPrefix(key, []byte(pebbleDocPrefix))
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", "", false
	}
	return string(rest[:i]), string(rest[i+1:]), true
}

func encodeCounter(n int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(n))
	return b
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
