package statestore

import (
	"context"
	"time"

	"duck-async/internal/domain"
)

// typedStore adapts a VersionedStore to one document kind. meta exposes
// the version and timestamp fields the store stamps on every write; they
// are only updated on the caller's value once the write succeeds.
type typedStore[T any] struct {
	store   domain.VersionedStore
	now     func() time.Time
	docType domain.DocType
	encode  func(*T) (*domain.Document, error)
	decode  func(*domain.Document) (*T, error)
	meta    func(*T) (*domain.Version, *int64)
}

func (s *typedStore[T]) get(ctx context.Context, dataSourceName, id string) (*T, error) {
	doc, err := s.store.Get(ctx, dataSourceName, id)
	if err != nil {
		return nil, err
	}
	return s.decode(doc)
}

func (s *typedStore[T]) create(ctx context.Context, v *T) error {
	doc, stamp, err := s.prepare(v)
	if err != nil {
		return err
	}
	ver, err := s.store.Create(ctx, doc)
	if err != nil {
		return err
	}
	s.commit(v, ver, stamp)
	return nil
}

func (s *typedStore[T]) update(ctx context.Context, v *T) error {
	doc, stamp, err := s.prepare(v)
	if err != nil {
		return err
	}
	expected, _ := s.meta(v)
	ver, err := s.store.Update(ctx, doc, *expected)
	if err != nil {
		return err
	}
	s.commit(v, ver, stamp)
	return nil
}

func (s *typedStore[T]) delete(ctx context.Context, dataSourceName, id string, expected domain.Version) error {
	return s.store.Delete(ctx, dataSourceName, id, expected)
}

func (s *typedStore[T]) list(ctx context.Context, dataSourceName string, states []string) ([]*T, error) {
	docs, err := s.store.List(ctx, domain.DocumentFilter{DataSourceName: dataSourceName, Type: s.docType, States: states})
	if err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(docs))
	for i := range docs {
		v, err := s.decode(&docs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *typedStore[T]) count(ctx context.Context, dataSourceName string, states []string) (int64, error) {
	return s.store.Count(ctx, domain.DocumentFilter{DataSourceName: dataSourceName, Type: s.docType, States: states})
}

// prepare encodes a copy of v stamped with the current time.
func (s *typedStore[T]) prepare(v *T) (*domain.Document, int64, error) {
	stamp := domain.NowMillis(s.now())
	cp := *v
	_, ts := s.meta(&cp)
	*ts = stamp
	doc, err := s.encode(&cp)
	return doc, stamp, err
}

func (s *typedStore[T]) commit(v *T, ver domain.Version, stamp int64) {
	vp, ts := s.meta(v)
	*vp = ver
	*ts = stamp
}

// Option configures a typed store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for lastUpdateTime stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// SessionStore persists sessions.
type SessionStore struct {
	docs typedStore[domain.Session]
}

// NewSessionStore wraps store for session documents.
func NewSessionStore(store domain.VersionedStore, opts ...Option) *SessionStore {
	o := buildOptions(opts)
	return &SessionStore{docs: typedStore[domain.Session]{
		store: store, now: o.now, docType: domain.DocTypeSession,
		encode: EncodeSession, decode: DecodeSession,
		meta: func(s *domain.Session) (*domain.Version, *int64) { return &s.Version, &s.LastUpdateTime },
	}}
}

// Get loads a session.
func (s *SessionStore) Get(ctx context.Context, dataSourceName, sessionID string) (*domain.Session, error) {
	return s.docs.get(ctx, dataSourceName, sessionID)
}

// Create persists a new session and stamps its version.
func (s *SessionStore) Create(ctx context.Context, sess *domain.Session) error {
	return s.docs.create(ctx, sess)
}

// Update writes sess if its version is still current.
func (s *SessionStore) Update(ctx context.Context, sess *domain.Session) error {
	return s.docs.update(ctx, sess)
}

// ListActive returns sessions that can still accept statements.
func (s *SessionStore) ListActive(ctx context.Context, dataSourceName string) ([]*domain.Session, error) {
	return s.docs.list(ctx, dataSourceName, domain.ActiveSessionStates)
}

// CountActive counts active sessions; an empty dataSourceName counts
// across all tenants.
func (s *SessionStore) CountActive(ctx context.Context, dataSourceName string) (int64, error) {
	return s.docs.count(ctx, dataSourceName, domain.ActiveSessionStates)
}

// StatementStore persists statements.
type StatementStore struct {
	docs typedStore[domain.Statement]
}

// NewStatementStore wraps store for statement documents.
func NewStatementStore(store domain.VersionedStore, opts ...Option) *StatementStore {
	o := buildOptions(opts)
	return &StatementStore{docs: typedStore[domain.Statement]{
		store: store, now: o.now, docType: domain.DocTypeStatement,
		encode: EncodeStatement, decode: DecodeStatement,
		meta: func(s *domain.Statement) (*domain.Version, *int64) { return &s.Version, &s.LastUpdateTime },
	}}
}

// Get loads a statement.
func (s *StatementStore) Get(ctx context.Context, dataSourceName, statementID string) (*domain.Statement, error) {
	return s.docs.get(ctx, dataSourceName, statementID)
}

// Create persists a new statement and stamps its version.
func (s *StatementStore) Create(ctx context.Context, st *domain.Statement) error {
	return s.docs.create(ctx, st)
}

// Update writes st if its version is still current.
func (s *StatementStore) Update(ctx context.Context, st *domain.Statement) error {
	return s.docs.update(ctx, st)
}

// ListBySession returns the statements of one session.
func (s *StatementStore) ListBySession(ctx context.Context, dataSourceName, sessionID string) ([]*domain.Statement, error) {
	all, err := s.docs.list(ctx, dataSourceName, nil)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, st := range all {
		if st.SessionID == sessionID {
			out = append(out, st)
		}
	}
	return out, nil
}

// CountActive counts WAITING and RUNNING statements.
func (s *StatementStore) CountActive(ctx context.Context, dataSourceName string) (int64, error) {
	return s.docs.count(ctx, dataSourceName, domain.ActiveStatementStates)
}

// IndexStateStore persists index lifecycle records.
type IndexStateStore struct {
	docs typedStore[domain.IndexState]
}

// NewIndexStateStore wraps store for index state documents.
func NewIndexStateStore(store domain.VersionedStore, opts ...Option) *IndexStateStore {
	o := buildOptions(opts)
	return &IndexStateStore{docs: typedStore[domain.IndexState]{
		store: store, now: o.now, docType: domain.DocTypeIndexState,
		encode: EncodeIndexState, decode: DecodeIndexState,
		meta: func(s *domain.IndexState) (*domain.Version, *int64) { return &s.Version, &s.LastUpdateTime },
	}}
}

// Get loads the state of the index with the given latest id.
func (s *IndexStateStore) Get(ctx context.Context, dataSourceName, latestID string) (*domain.IndexState, error) {
	return s.docs.get(ctx, dataSourceName, latestID)
}

// Create persists a new index state.
func (s *IndexStateStore) Create(ctx context.Context, st *domain.IndexState) error {
	return s.docs.create(ctx, st)
}

// Update writes st if its version is still current.
func (s *IndexStateStore) Update(ctx context.Context, st *domain.IndexState) error {
	return s.docs.update(ctx, st)
}

// Delete purges st if its version is still current.
func (s *IndexStateStore) Delete(ctx context.Context, st *domain.IndexState) error {
	return s.docs.delete(ctx, st.DataSourceName, st.LatestID, st.Version)
}

// CountInStatus counts indexes of a data source in the given status.
func (s *IndexStateStore) CountInStatus(ctx context.Context, dataSourceName string, status domain.IndexStatus) (int64, error) {
	return s.docs.count(ctx, dataSourceName, []string{string(status)})
}

// DMLResultStore persists index maintenance outcomes.
type DMLResultStore struct {
	docs typedStore[domain.DMLResult]
}

// NewDMLResultStore wraps store for DML result documents.
func NewDMLResultStore(store domain.VersionedStore, opts ...Option) *DMLResultStore {
	o := buildOptions(opts)
	return &DMLResultStore{docs: typedStore[domain.DMLResult]{
		store: store, now: o.now, docType: domain.DocTypeDMLResult,
		encode: EncodeDMLResult, decode: DecodeDMLResult,
		meta: func(r *domain.DMLResult) (*domain.Version, *int64) { return &r.Version, &r.UpdateTime },
	}}
}

// Get loads the result recorded for a query.
func (s *DMLResultStore) Get(ctx context.Context, dataSourceName, queryID string) (*domain.DMLResult, error) {
	return s.docs.get(ctx, dataSourceName, dmlResultDocID(queryID))
}

// Create records a result. Results are write-once.
func (s *DMLResultStore) Create(ctx context.Context, r *domain.DMLResult) error {
	return s.docs.create(ctx, r)
}

// JobMetadataStore persists the handle behind each async query id.
type JobMetadataStore struct {
	docs typedStore[domain.AsyncQueryJobMetadata]
}

// NewJobMetadataStore wraps store for job metadata documents.
func NewJobMetadataStore(store domain.VersionedStore, opts ...Option) *JobMetadataStore {
	o := buildOptions(opts)
	return &JobMetadataStore{docs: typedStore[domain.AsyncQueryJobMetadata]{
		store: store, now: o.now, docType: domain.DocTypeJobMetadata,
		encode: EncodeJobMetadata, decode: DecodeJobMetadata,
		meta: func(m *domain.AsyncQueryJobMetadata) (*domain.Version, *int64) {
			return &m.Version, &m.LastUpdateTime
		},
	}}
}

// Get loads the metadata of a query. The data source is recovered from
// the query id itself.
func (s *JobMetadataStore) Get(ctx context.Context, queryID string) (*domain.AsyncQueryJobMetadata, error) {
	ds, err := domain.DataSourceFromQueryID(queryID)
	if err != nil {
		return nil, err
	}
	return s.docs.get(ctx, ds, queryID)
}

// Create persists new job metadata.
func (s *JobMetadataStore) Create(ctx context.Context, m *domain.AsyncQueryJobMetadata) error {
	return s.docs.create(ctx, m)
}

// Update writes m if its version is still current.
func (s *JobMetadataStore) Update(ctx context.Context, m *domain.AsyncQueryJobMetadata) error {
	return s.docs.update(ctx, m)
}
