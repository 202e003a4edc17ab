package domain

import (
	"fmt"
	"time"
)

// Version is the compare-and-swap token of a persisted document: a
// monotonically increasing sequence number plus the term of the store
// generation that issued it.
type Version struct {
	SeqNo       int64
	PrimaryTerm int64
}

// IsZero reports whether v was never issued by a store.
func (v Version) IsZero() bool {
	return v.SeqNo == 0 && v.PrimaryTerm == 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d:%d", v.SeqNo, v.PrimaryTerm)
}

// DocType identifies the kind of a persisted state document.
type DocType string

// Persisted document kinds. The values are part of the wire contract.
const (
	DocTypeSession     DocType = "session"
	DocTypeStatement   DocType = "statement"
	DocTypeIndexState  DocType = "flintindexstate"
	DocTypeDMLResult   DocType = "dmlresult"
	DocTypeJobMetadata DocType = "jobmeta"
)

// DocumentVersion1 is the layout version written into every document.
const DocumentVersion1 = "1.0"

// Document is the raw form of a state document as held by a VersionedStore.
// Body carries the JSON wire encoding; Type and State are duplicated out of
// the body so stores can filter and count without decoding.
type Document struct {
	ID             string
	DataSourceName string
	Type           DocType
	State          string
	Body           []byte
	Version        Version
}

// DocumentFilter narrows List and Count. Empty fields match everything.
type DocumentFilter struct {
	DataSourceName string
	Type           DocType
	States         []string
}

// Matches reports whether doc satisfies the filter.
func (f DocumentFilter) Matches(doc *Document) bool {
	if f.DataSourceName != "" && f.DataSourceName != doc.DataSourceName {
		return false
	}
	if f.Type != "" && f.Type != doc.Type {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == doc.State {
			return true
		}
	}
	return false
}

// NowMillis returns t as epoch milliseconds, the unit of lastUpdateTime.
func NowMillis(t time.Time) int64 {
	return t.UnixMilli()
}
