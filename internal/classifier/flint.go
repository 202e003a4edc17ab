// Package classifier recognizes index statements in the Flint SQL extension
// grammar and tells them apart from plain queries.
package classifier

import (
	"regexp"
	"strings"

	"duck-async/internal/domain"
)

const (
	verb  = `(CREATE|REFRESH|DROP|ALTER|VACUUM)`
	ident = "`?[A-Za-z0-9_]+`?(?:\\.`?[A-Za-z0-9_]+`?)*"
	ine   = `(?:IF\s+NOT\s+EXISTS\s+)?`
	ie    = `(?:IF\s+EXISTS\s+)?`
)

var (
	skippingRe = regexp.MustCompile(`(?is)^\s*` + verb + `\s+SKIPPING\s+INDEX\s+` + ine + ie + `ON\s+(` + ident + `)`)
	coveringRe = regexp.MustCompile(`(?is)^\s*` + verb + `\s+INDEX\s+` + ine + ie + `(` + ident + `)\s+ON\s+(` + ident + `)`)
	mvRe       = regexp.MustCompile(`(?is)^\s*` + verb + `\s+MATERIALIZED\s+VIEW\s+` + ine + ie + `(` + ident + `)`)

	autoRefreshRe = regexp.MustCompile(`(?i)['"]?auto_refresh['"]?\s*=\s*['"]?(true|false)['"]?`)
	fromRe        = regexp.MustCompile(`(?i)\bFROM\s+(` + ident + `)`)
)

// Flint classifies SQL text with the Flint index grammar.
type Flint struct{}

var _ domain.Classifier = Flint{}

// Classify implements domain.Classifier.
func (Flint) Classify(sqlText string) (domain.Classification, error) {
	text := stripComments(sqlText)
	if strings.TrimSpace(text) == "" {
		return domain.Classification{}, domain.ErrValidation("query is empty")
	}

	var (
		cmd     string
		details domain.IndexDetails
	)
	switch {
	case matchInto(skippingRe, text, &cmd, &details.TableName):
		details.Kind = domain.IndexKindSkipping
	case matchInto(coveringRe, text, &cmd, &details.IndexName, &details.TableName):
		details.Kind = domain.IndexKindCovering
	case matchInto(mvRe, text, &cmd, &details.IndexName):
		details.Kind = domain.IndexKindMaterializedView
		if m := fromRe.FindStringSubmatch(text); m != nil {
			details.TableName = unquote(m[1])
		}
	default:
		c := domain.Classification{Kind: domain.StatementKindPlainQuery}
		if m := fromRe.FindStringSubmatch(text); m != nil {
			c.TableName = unquote(m[1])
		}
		return c, nil
	}

	details.TableName = unquote(details.TableName)
	details.IndexName = unquote(details.IndexName)
	if m := autoRefreshRe.FindStringSubmatch(text); m != nil {
		details.AutoRefreshSet = true
		details.AutoRefresh = strings.EqualFold(m[1], "true")
	}

	command := domain.IndexCommandKind(strings.ToUpper(cmd))
	kind := domain.StatementKindIndexCommand
	if command == domain.IndexCommandCreate {
		kind = domain.StatementKindIndexDDL
	}
	return domain.Classification{
		Kind:      kind,
		Command:   command,
		Index:     details,
		TableName: details.TableName,
	}, nil
}

func matchInto(re *regexp.Regexp, text string, dst ...*string) bool {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	for i, d := range dst {
		*d = m[i+1]
	}
	return true
}

func unquote(name string) string {
	return strings.ReplaceAll(name, "`", "")
}

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
)

func stripComments(s string) string {
	s = blockCommentRe.ReplaceAllString(s, " ")
	return lineCommentRe.ReplaceAllString(s, " ")
}
