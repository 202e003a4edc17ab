package domain

// StatementKind is the top-level classification of incoming SQL.
type StatementKind int

// Statement kinds.
const (
	StatementKindPlainQuery StatementKind = iota
	StatementKindIndexDDL
	StatementKindIndexCommand
)

func (k StatementKind) String() string {
	switch k {
	case StatementKindIndexDDL:
		return "index_ddl"
	case StatementKindIndexCommand:
		return "index_command"
	default:
		return "plain_query"
	}
}

// IndexCommandKind names the index statement verb.
type IndexCommandKind string

// Index statement verbs.
const (
	IndexCommandCreate  IndexCommandKind = "CREATE"
	IndexCommandRefresh IndexCommandKind = "REFRESH"
	IndexCommandDrop    IndexCommandKind = "DROP"
	IndexCommandAlter   IndexCommandKind = "ALTER"
	IndexCommandVacuum  IndexCommandKind = "VACUUM"
)

// Classification is the result of classifying a SQL text.
type Classification struct {
	Kind    StatementKind
	Command IndexCommandKind
	Index   IndexDetails
	// TableName is the fully qualified table a plain query touches, when known.
	TableName string
}

// Classifier classifies SQL text for routing.
type Classifier interface {
	Classify(sqlText string) (Classification, error)
}
