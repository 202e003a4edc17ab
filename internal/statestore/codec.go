package statestore

import (
	"encoding/json"
	"fmt"

	"duck-async/internal/domain"
)

// wireDocument is the persisted JSON layout shared by every document kind.
// Kind-specific fields are omitted when empty; unknown fields are ignored
// on read. Each field decodes independently of the others.
type wireDocument struct {
	Version        string         `json:"version"`
	Type           domain.DocType `json:"type"`
	State          string         `json:"state"`
	ApplicationID  string         `json:"applicationId"`
	JobID          string         `json:"jobId"`
	LatestID       string         `json:"latestId"`
	DataSourceName string         `json:"dataSourceName"`
	LastUpdateTime int64          `json:"lastUpdateTime"`
	Error          *string        `json:"error"`

	SessionID   string `json:"sessionId,omitempty"`
	SessionType string `json:"sessionType,omitempty"`
	StatementID string `json:"statementId,omitempty"`
	Query       string `json:"query,omitempty"`
	QueryID     string `json:"queryId,omitempty"`
	Lang        string `json:"lang,omitempty"`
	SubmitTime  int64  `json:"submitTime,omitempty"`

	Status       string `json:"status,omitempty"`
	QueryRunTime int64  `json:"queryRunTime,omitempty"`
	UpdateTime   int64  `json:"updateTime,omitempty"`

	ResultIndex string `json:"resultIndex,omitempty"`
	JobType     string `json:"jobType,omitempty"`
	IndexName   string `json:"indexName,omitempty"`
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalDocument(id, dataSourceName string, w *wireDocument) (*domain.Document, error) {
	w.Version = domain.DocumentVersion1
	w.LatestID = id
	w.DataSourceName = dataSourceName
	body, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode %s document %q: %w", w.Type, id, err)
	}
	return &domain.Document{
		ID:             id,
		DataSourceName: dataSourceName,
		Type:           w.Type,
		State:          w.State,
		Body:           body,
	}, nil
}

func unmarshalDocument(doc *domain.Document, want domain.DocType) (*wireDocument, error) {
	if doc.Type != want {
		return nil, domain.ErrValidation("document %q is a %s, not a %s", doc.ID, doc.Type, want)
	}
	var w wireDocument
	if err := json.Unmarshal(doc.Body, &w); err != nil {
		return nil, fmt.Errorf("decode %s document %q: %w", want, doc.ID, err)
	}
	return &w, nil
}

// EncodeSession converts s into its stored form.
func EncodeSession(s *domain.Session) (*domain.Document, error) {
	return marshalDocument(s.SessionID, s.DataSourceName, &wireDocument{
		Type:           domain.DocTypeSession,
		State:          string(s.State),
		ApplicationID:  s.ApplicationID,
		JobID:          s.JobID,
		LastUpdateTime: s.LastUpdateTime,
		Error:          nullable(s.Error),
		SessionID:      s.SessionID,
		SessionType:    s.SessionType,
	})
}

// DecodeSession parses a stored session.
func DecodeSession(doc *domain.Document) (*domain.Session, error) {
	w, err := unmarshalDocument(doc, domain.DocTypeSession)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		SessionID:      doc.ID,
		SessionType:    w.SessionType,
		ApplicationID:  w.ApplicationID,
		JobID:          w.JobID,
		State:          domain.SessionState(w.State),
		DataSourceName: doc.DataSourceName,
		Error:          deref(w.Error),
		LastUpdateTime: w.LastUpdateTime,
		Version:        doc.Version,
	}, nil
}

// EncodeStatement converts st into its stored form.
func EncodeStatement(st *domain.Statement) (*domain.Document, error) {
	return marshalDocument(st.StatementID, st.DataSourceName, &wireDocument{
		Type:           domain.DocTypeStatement,
		State:          string(st.State),
		ApplicationID:  st.ApplicationID,
		JobID:          st.JobID,
		LastUpdateTime: st.LastUpdateTime,
		Error:          nullable(st.Error),
		SessionID:      st.SessionID,
		StatementID:    st.StatementID,
		Query:          st.Query,
		QueryID:        st.QueryID,
		Lang:           st.Lang,
		SubmitTime:     st.SubmitTime,
	})
}

// DecodeStatement parses a stored statement.
func DecodeStatement(doc *domain.Document) (*domain.Statement, error) {
	w, err := unmarshalDocument(doc, domain.DocTypeStatement)
	if err != nil {
		return nil, err
	}
	return &domain.Statement{
		StatementID:    doc.ID,
		SessionID:      w.SessionID,
		ApplicationID:  w.ApplicationID,
		JobID:          w.JobID,
		Query:          w.Query,
		QueryID:        w.QueryID,
		Lang:           w.Lang,
		State:          domain.StatementState(w.State),
		DataSourceName: doc.DataSourceName,
		SubmitTime:     w.SubmitTime,
		Error:          deref(w.Error),
		LastUpdateTime: w.LastUpdateTime,
		Version:        doc.Version,
	}, nil
}

// EncodeIndexState converts st into its stored form, keyed by LatestID.
func EncodeIndexState(st *domain.IndexState) (*domain.Document, error) {
	return marshalDocument(st.LatestID, st.DataSourceName, &wireDocument{
		Type:           domain.DocTypeIndexState,
		State:          string(st.Status),
		ApplicationID:  st.ApplicationID,
		JobID:          st.JobID,
		LastUpdateTime: st.LastUpdateTime,
		Error:          nullable(st.Error),
	})
}

// DecodeIndexState parses a stored index state.
func DecodeIndexState(doc *domain.Document) (*domain.IndexState, error) {
	w, err := unmarshalDocument(doc, domain.DocTypeIndexState)
	if err != nil {
		return nil, err
	}
	latestID := w.LatestID
	if latestID == "" {
		latestID = doc.ID
	}
	return &domain.IndexState{
		LatestID:       latestID,
		ApplicationID:  w.ApplicationID,
		JobID:          w.JobID,
		Status:         domain.IndexStatus(w.State),
		DataSourceName: doc.DataSourceName,
		Error:          deref(w.Error),
		LastUpdateTime: w.LastUpdateTime,
		Version:        doc.Version,
	}, nil
}

// dmlResultDocID keeps a query's DML result apart from its job metadata,
// which is stored under the bare query id.
func dmlResultDocID(queryID string) string {
	return queryID + "_dml"
}

// EncodeDMLResult converts r into its stored form.
func EncodeDMLResult(r *domain.DMLResult) (*domain.Document, error) {
	return marshalDocument(dmlResultDocID(r.QueryID), r.DataSourceName, &wireDocument{
		Type:           domain.DocTypeDMLResult,
		State:          r.Status,
		LastUpdateTime: r.UpdateTime,
		Error:          nullable(r.Error),
		QueryID:        r.QueryID,
		Status:         r.Status,
		QueryRunTime:   r.QueryRunTime,
		UpdateTime:     r.UpdateTime,
	})
}

// DecodeDMLResult parses a stored DML result.
func DecodeDMLResult(doc *domain.Document) (*domain.DMLResult, error) {
	w, err := unmarshalDocument(doc, domain.DocTypeDMLResult)
	if err != nil {
		return nil, err
	}
	return &domain.DMLResult{
		QueryID:        w.QueryID,
		DataSourceName: doc.DataSourceName,
		Status:         w.Status,
		Error:          deref(w.Error),
		QueryRunTime:   w.QueryRunTime,
		UpdateTime:     w.UpdateTime,
		Version:        doc.Version,
	}, nil
}

// EncodeJobMetadata converts m into its stored form.
func EncodeJobMetadata(m *domain.AsyncQueryJobMetadata) (*domain.Document, error) {
	return marshalDocument(m.QueryID, m.DataSourceName, &wireDocument{
		Type:           domain.DocTypeJobMetadata,
		State:          string(m.JobType),
		ApplicationID:  m.ApplicationID,
		JobID:          m.JobID,
		LastUpdateTime: m.LastUpdateTime,
		QueryID:        m.QueryID,
		SessionID:      m.SessionID,
		StatementID:    m.StatementID,
		ResultIndex:    m.ResultIndex,
		JobType:        string(m.JobType),
		IndexName:      m.IndexName,
	})
}

// DecodeJobMetadata parses stored job metadata.
func DecodeJobMetadata(doc *domain.Document) (*domain.AsyncQueryJobMetadata, error) {
	w, err := unmarshalDocument(doc, domain.DocTypeJobMetadata)
	if err != nil {
		return nil, err
	}
	return &domain.AsyncQueryJobMetadata{
		QueryID:        doc.ID,
		ApplicationID:  w.ApplicationID,
		JobID:          w.JobID,
		ResultIndex:    w.ResultIndex,
		SessionID:      w.SessionID,
		StatementID:    w.StatementID,
		DataSourceName: doc.DataSourceName,
		JobType:        domain.JobType(w.JobType),
		IndexName:      w.IndexName,
		LastUpdateTime: w.LastUpdateTime,
		Version:        doc.Version,
	}, nil
}
