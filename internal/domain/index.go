package domain

import (
	"encoding/base64"
	"strings"
)

// IndexStatus is the lifecycle state recorded on an IndexState document.
type IndexStatus string

// Index lifecycle states. IndexStatusNone is never persisted: as a stable
// state it instructs the operation driver to purge the document.
const (
	IndexStatusEmpty      IndexStatus = "empty"
	IndexStatusCreating   IndexStatus = "creating"
	IndexStatusActive     IndexStatus = "active"
	IndexStatusRefreshing IndexStatus = "refreshing"
	IndexStatusUpdating   IndexStatus = "updating"
	IndexStatusDeleting   IndexStatus = "deleting"
	IndexStatusDeleted    IndexStatus = "deleted"
	IndexStatusVacuuming  IndexStatus = "vacuuming"
	IndexStatusFailed     IndexStatus = "failed"
	IndexStatusNone       IndexStatus = "none"
)

// IsTransitioning reports whether an operation currently holds the index.
func (s IndexStatus) IsTransitioning() bool {
	switch s {
	case IndexStatusCreating, IndexStatusUpdating, IndexStatusDeleting, IndexStatusVacuuming:
		return true
	default:
		return false
	}
}

// IndexState is the lifecycle record of one derived index. It is the sole
// authority on index lifecycle and is mutated only by index operations.
type IndexState struct {
	LatestID       string
	ApplicationID  string
	JobID          string
	Status         IndexStatus
	DataSourceName string
	Error          string
	LastUpdateTime int64
	Version        Version
}

// IndexKind distinguishes the three kinds of derived index.
type IndexKind string

// Derived index kinds.
const (
	IndexKindSkipping         IndexKind = "skipping"
	IndexKindCovering         IndexKind = "covering"
	IndexKindMaterializedView IndexKind = "mv"
)

// IndexDetails describes the derived index a DDL statement refers to.
type IndexDetails struct {
	Kind      IndexKind
	IndexName string // covering index or materialized view name
	TableName string // fully qualified source table (catalog.db.table)
	// AutoRefresh is only meaningful when AutoRefreshSet is true.
	AutoRefresh    bool
	AutoRefreshSet bool
}

// PhysicalName returns the storage name of the derived index.
//
//	skipping: flint_<catalog>_<db>_<table>_skipping_index
//	covering: flint_<catalog>_<db>_<table>_<name>_index
//	mv:       flint_<catalog>_<db>_<name>
func (d IndexDetails) PhysicalName() string {
	switch d.Kind {
	case IndexKindSkipping:
		return "flint_" + flatten(d.TableName) + "_skipping_index"
	case IndexKindCovering:
		return "flint_" + flatten(d.TableName) + "_" + flatten(d.IndexName) + "_index"
	case IndexKindMaterializedView:
		return "flint_" + flatten(d.IndexName)
	default:
		return ""
	}
}

// LatestID returns the id of the IndexState document for this index.
func (d IndexDetails) LatestID() string {
	return IndexLatestID(d.PhysicalName())
}

// IndexLatestID derives the IndexState document id from a physical index name.
func IndexLatestID(physicalName string) string {
	return base64.StdEncoding.EncodeToString([]byte(physicalName))
}

// Qualified returns d with its table (and, for a materialized view, its
// name) prefixed by dataSourceName when they lack a catalog part.
func (d IndexDetails) Qualified(dataSourceName string) IndexDetails {
	d.TableName = qualify(dataSourceName, d.TableName)
	if d.Kind == IndexKindMaterializedView {
		d.IndexName = qualify(dataSourceName, d.IndexName)
	}
	return d
}

func qualify(catalog, name string) string {
	if name == "" || strings.Count(name, ".") >= 2 {
		return name
	}
	return catalog + "." + name
}

func flatten(qualified string) string {
	return strings.ReplaceAll(strings.ToLower(strings.ReplaceAll(qualified, "`", "")), ".", "_")
}

// DMLResult records the outcome of an index-maintenance command. It is
// written once, after the command completes.
type DMLResult struct {
	QueryID        string
	DataSourceName string
	Status         string
	Error          string
	QueryRunTime   int64
	UpdateTime     int64
	Version        Version
}

// DMLResult statuses.
const (
	DMLStatusSuccess = "SUCCESS"
	DMLStatusFailed  = "FAILED"
)
