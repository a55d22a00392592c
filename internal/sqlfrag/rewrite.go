package sqlfrag

import (
	"fmt"
	"strconv"
	"strings"
)

// Method names one of the five ways a partition-key set can be injected
// back into a user query (spec §4.5 "apply-cache rewriter").
type Method string

const (
	MethodInList       Method = "in_list"
	MethodValuesList    Method = "values_list"
	MethodInSubquery    Method = "in_subquery"
	MethodTempTableIn   Method = "temp_table_in"
	MethodTempTableJoin Method = "temp_table_join"
)

// RewriteOptions configures Rewrite.
type RewriteOptions struct {
	Method       Method
	PartitionKey string
	// TempTable names the temp table VALUES are loaded into for the two
	// TempTable* methods. Empty uses "pcache_keys".
	TempTable string
	// Alias is the FROM-item alias the partition-key restriction attaches
	// to. When empty, Rewrite attaches to the first non-subquery item in
	// the query's outermost FROM list (not the spine detectSpineAlias picks).
	Alias string
}

func (o RewriteOptions) tempTable() string {
	if o.TempTable == "" {
		return "pcache_keys"
	}
	return o.TempTable
}

// formatLiteral renders a cache key value as a SQL literal. Values are
// accepted pre-formatted by the caller (the cache layer knows each
// partition key's declared datatype); Rewrite only quotes strings that
// aren't already quoted, since callers commonly pass plain text values for
// a text-typed partition key.
func formatLiteral(v string) string {
	if v == "" {
		return "''"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	if strings.HasPrefix(v, "'") && strings.HasSuffix(v, "'") {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// detectTargetAlias finds the alias Rewrite should attach the restriction
// to: the explicit RewriteOptions.Alias, else the first FROM item in the
// outermost query whose alias is not itself a subquery-only placeholder.
func detectTargetAlias(sql string, opts RewriteOptions) (string, error) {
	if opts.Alias != "" {
		return opts.Alias, nil
	}
	pq, err := Parse(StripTrailingClauses(CollapseWhitespace(StripComments(sql))))
	if err != nil {
		return "", err
	}
	for _, f := range pq.From {
		if !f.Subquery {
			return f.EffectiveAlias(), nil
		}
	}
	if len(pq.From) > 0 {
		return pq.From[0].EffectiveAlias(), nil
	}
	return "", fmt.Errorf("sqlfrag: could not determine a target alias to rewrite")
}

// injectWhere splices an extra predicate into sql's outermost WHERE clause
// (adding one if absent), inserting before any already-stripped trailing
// clause the caller re-appends itself. Rewrite operates on the caller's
// original (un-normalized) SQL text so formatting the user didn't ask to
// change is preserved outside the injected predicate.
func injectWhere(sql, predicate string) (string, error) {
	toks := NewLexer(sql).Tokenize()
	wherePos, err := findTopLevelKeyword(toks, 0, "WHERE")
	if err == nil {
		idx := tokenPos(toks, wherePos) + len("WHERE")
		return sql[:idx] + " " + predicate + " AND" + sql[idx:], nil
	}
	// No WHERE clause: insert one immediately before the first top-level
	// trailing-clause keyword, or at the end if there is none.
	depth := 0
	insertAt := len(sql)
	for _, t := range toks {
		switch t.Type {
		case TokLParen:
			depth++
		case TokRParen:
			depth--
		case TokIdent:
			if depth == 0 && isKeyword(t.Val, trailingClauseKeywords...) {
				insertAt = t.Pos
			}
		}
		if insertAt != len(sql) {
			break
		}
	}
	return sql[:insertAt] + " WHERE " + predicate + " " + sql[insertAt:], nil
}

// Rewrite injects a partition-key restriction built from keys into sql
// using the requested Method (spec §4.5). keys are pre-formatted literal
// values (the cache layer renders them per the partition key's datatype);
// Rewrite does not attempt to re-derive datatype from Go value kind.
func Rewrite(sql string, keys []string, opts RewriteOptions) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("sqlfrag: no cache keys to inject")
	}
	alias, err := detectTargetAlias(sql, opts)
	if err != nil {
		return "", err
	}
	column := alias + "." + opts.PartitionKey

	switch opts.Method {
	case MethodInList, "":
		literals := make([]string, len(keys))
		for i, k := range keys {
			literals[i] = formatLiteral(k)
		}
		predicate := fmt.Sprintf("%s IN (%s)", column, strings.Join(literals, ", "))
		return injectWhere(sql, predicate)

	case MethodValuesList:
		rows := make([]string, len(keys))
		for i, k := range keys {
			rows[i] = fmt.Sprintf("(%s)", formatLiteral(k))
		}
		predicate := fmt.Sprintf("%s IN (VALUES %s)", column, strings.Join(rows, ", "))
		return injectWhere(sql, predicate)

	case MethodInSubquery:
		literals := make([]string, len(keys))
		for i, k := range keys {
			literals[i] = formatLiteral(k)
		}
		predicate := fmt.Sprintf("%s IN (SELECT v FROM (VALUES %s) AS _pcache_v(v))", column,
			strings.Join(wrapEach(literals), ", "))
		return injectWhere(sql, predicate)

	case MethodTempTableIn:
		predicate := fmt.Sprintf("%s IN (SELECT key FROM %s)", column, opts.tempTable())
		return injectWhere(sql, predicate)

	case MethodTempTableJoin:
		predicate := fmt.Sprintf("EXISTS (SELECT 1 FROM %s __pk WHERE __pk.key = %s)", opts.tempTable(), column)
		return injectWhere(sql, predicate)

	default:
		return "", fmt.Errorf("sqlfrag: unknown rewrite method %q", opts.Method)
	}
}

func wrapEach(literals []string) []string {
	out := make([]string, len(literals))
	for i, l := range literals {
		out[i] = "(" + l + ")"
	}
	return out
}

// TempTableDDL renders the CREATE TEMP TABLE statement the TempTableIn /
// TempTableJoin methods expect to already exist in the executing session,
// matching the column name ("key") both methods' predicates reference.
func TempTableDDL(tempTable, datatype string) string {
	if tempTable == "" {
		tempTable = "pcache_keys"
	}
	return fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS %s (key %s PRIMARY KEY) ON COMMIT DROP", tempTable, datatype)
}
