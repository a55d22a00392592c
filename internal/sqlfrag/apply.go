package sqlfrag

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/partitioncache/partitioncache/internal/cache"
)

// ApplyMode selects how a cached partition-key set reaches the rewritten
// query (spec §4.5: "Eager" materializes the set client-side, "Lazy"
// defers computation to the source database via a SQL snippet or temp
// table).
type ApplyMode string

const (
	ModeEager ApplyMode = "eager"
	ModeLazy  ApplyMode = "lazy"
)

// ApplyOptions configures ApplyCache.
type ApplyOptions struct {
	Mode ApplyMode
	// HitThreshold is the minimum matched-key count eager mode requires
	// before it bothers rewriting at all; below it the original query is
	// returned unmodified (spec §4.5: "hits exceed a configurable
	// threshold").
	HitThreshold int
	Method       Method
	TempTable    string
	// P0Alias, when non-empty, names the FROM-list alias the p0-rewrite
	// equijoin should target (spec §4.5 "the caller may override with
	// p0_alias=…"). PartitionJoinTable names the materialized view.
	P0Alias            string
	PartitionJoinTable string
	EnablePO           bool
}

// Stats is the observability record spec §4.5 requires every ApplyCache
// call to return, regardless of whether it actually rewrote anything.
type Stats struct {
	GeneratedVariants int
	CacheHits         int
	Enhanced          int // 0 or 1
	P0Rewritten       int // 0 or 1
}

// ApplyCache generates fragments for sql, looks up their hashes in
// backend, and — if the lookup yields enough hits — returns sql rewritten
// with a partition-key restriction. Per spec §7's user-visible behavior
// guarantee ("apply_cache never fails a client query that would otherwise
// have run"), any failure at any stage returns the original sql
// unmodified with Enhanced=0 rather than propagating the error; the
// returned error is always nil.
func ApplyCache(ctx context.Context, backend cache.Backend, sql, partitionKey string, fragOpts Options, applyOpts ApplyOptions) (string, Stats, error) {
	p0SQL, p0Rewritten := maybeRewriteP0(sql, partitionKey, applyOpts)

	result, err := GenerateFragments(p0SQL, partitionKey, fragOpts)
	if err != nil {
		return sql, Stats{}, nil
	}
	stats := Stats{GeneratedVariants: len(result.Fragments)}
	if p0Rewritten {
		stats.P0Rewritten = 1
	}
	if len(result.Fragments) == 0 {
		return sql, stats, nil
	}

	hashes := make([]string, len(result.Fragments))
	for i, f := range result.Fragments {
		hashes[i] = f.Hash
	}

	alias := applyOpts.P0Alias
	if p0Rewritten && alias == "" {
		alias = "p0"
	}
	rewriteOpts := RewriteOptions{Method: applyOpts.Method, PartitionKey: partitionKey, TempTable: applyOpts.TempTable, Alias: alias}

	var enhanced string
	switch applyOpts.Mode {
	case ModeLazy:
		enhanced, stats.CacheHits, err = applyLazy(ctx, backend, p0SQL, partitionKey, hashes, rewriteOpts)
	default:
		enhanced, stats.CacheHits, err = applyEager(ctx, backend, p0SQL, partitionKey, hashes, rewriteOpts, applyOpts.HitThreshold)
	}
	if err != nil || enhanced == "" {
		return sql, stats, nil
	}
	stats.Enhanced = 1
	return enhanced, stats, nil
}

// applyEager implements spec §4.5 mode 1: get_intersected, and only
// rewrite if the hit count clears HitThreshold.
func applyEager(ctx context.Context, backend cache.Backend, sql, partitionKey string, hashes []string, opts RewriteOptions, threshold int) (string, int, error) {
	values, matched, err := backend.GetIntersected(ctx, partitionKey, hashes)
	if err != nil {
		return "", 0, err
	}
	if matched == 0 || matched < threshold || len(values) == 0 {
		return "", matched, nil
	}
	if opts.Method == "" {
		opts.Method = MethodInList
	}
	rewritten, err := Rewrite(sql, values, opts)
	if err != nil {
		return "", matched, err
	}
	return rewritten, matched, nil
}

// applyLazy implements spec §4.5 mode 2: get_intersected_lazy, preferring
// a SQL snippet injected via IN_SUBQUERY unless the caller asked for one
// of the two temp-table methods, in which case the snippet is
// materialized into a temp table first (the TEMP_TABLE_DDL + an INSERT
// ... SELECT from the snippet).
func applyLazy(ctx context.Context, backend cache.Backend, sql, partitionKey string, hashes []string, opts RewriteOptions) (string, int, error) {
	snippet, matched, err := backend.GetIntersectedLazy(ctx, partitionKey, hashes)
	if err != nil {
		return "", 0, err
	}
	if matched == 0 || snippet == "" {
		return "", matched, nil
	}

	switch opts.Method {
	case MethodTempTableIn, MethodTempTableJoin:
		datatype, ok, err := backend.Datatype(ctx, partitionKey)
		if err != nil {
			return "", matched, err
		}
		if !ok {
			datatype = cache.DatatypeText
		}
		ddl := TempTableDDL(opts.tempTable(), sqlTypeFor(datatype))
		insert := fmt.Sprintf("INSERT INTO %s (key) %s ON CONFLICT DO NOTHING", opts.tempTable(), snippet)
		rewritten, err := Rewrite(sql, []string{"__materialized__"}, opts)
		if err != nil {
			return "", matched, err
		}
		// The temp-table DDL/INSERT precede the rewritten statement; callers
		// executing this string must run it as a multi-statement batch (the
		// same way TempTableDDL's own doc comment assumes).
		return ddl + ";\n" + insert + ";\n" + rewritten, matched, nil
	default:
		if opts.Method == "" {
			opts.Method = MethodInSubquery
		}
		rewritten, err := rewriteWithSnippet(sql, snippet, partitionKey, opts)
		if err != nil {
			return "", matched, err
		}
		return rewritten, matched, nil
	}
}

// rewriteWithSnippet injects an already-computed SQL snippet as the body
// of an IN (...) predicate, bypassing Rewrite's literal-formatting path
// (lazy mode has no discrete key list to format, only a sub-SELECT).
func rewriteWithSnippet(sql, snippet, partitionKey string, opts RewriteOptions) (string, error) {
	alias, err := detectTargetAlias(sql, opts)
	if err != nil {
		return "", err
	}
	predicate := fmt.Sprintf("%s.%s IN (%s)", alias, partitionKey, snippet)
	return injectWhere(sql, predicate)
}

func sqlTypeFor(dt cache.Datatype) string {
	switch dt {
	case cache.DatatypeInteger:
		return "BIGINT"
	case cache.DatatypeFloat:
		return "DOUBLE PRECISION"
	case cache.DatatypeTimestamp:
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

var materializedViewRef = regexp.MustCompile(`(?i)\bAS\s+p0\b`)

// maybeRewriteP0 implements spec §4.5's p0 rewrite: when EnablePO is set
// and opts.PartitionJoinTable names a table, insert "<PartitionJoinTable>
// AS p0" into the FROM-list and an equijoin restricting it to the query's existing
// partition-key column, so downstream cache restrictions can target p0
// uniformly regardless of how many tables the original query joined. Runs
// on the original (un-rewritten) query per spec; a query that already
// references "AS p0" is passed through untouched.
func maybeRewriteP0(sql, partitionKey string, opts ApplyOptions) (string, bool) {
	if !opts.EnablePO || opts.PartitionJoinTable == "" {
		return sql, false
	}
	if materializedViewRef.MatchString(sql) {
		return sql, false
	}
	pq, err := Parse(StripTrailingClauses(CollapseWhitespace(StripComments(sql))))
	if err != nil || len(pq.From) == 0 {
		return sql, false
	}
	alias := opts.P0Alias
	if alias == "" {
		alias, err = detectTargetAlias(sql, RewriteOptions{})
		if err != nil {
			return sql, false
		}
	}
	joinClause := fmt.Sprintf(", %s AS p0", opts.PartitionJoinTable)
	predicate := fmt.Sprintf("%s.%s = p0.%s", alias, partitionKey, partitionKey)

	withFrom, err := insertFromItem(sql, joinClause)
	if err != nil {
		return sql, false
	}
	withWhere, err := injectWhere(withFrom, predicate)
	if err != nil {
		return sql, false
	}
	return withWhere, true
}

// insertFromItem splices extra (comma-joined FROM item) text immediately
// after the outermost FROM list, using word-boundary matching on the
// FROM/WHERE/trailing-clause keywords to find the insertion point, the
// same alias-detection discipline Rewrite itself uses.
func insertFromItem(sql, extra string) (string, error) {
	toks := NewLexer(sql).Tokenize()
	fromPos, err := findTopLevelKeyword(toks, 0, "FROM")
	if err != nil {
		return "", err
	}
	wherePos, werr := findTopLevelKeyword(toks, fromPos+1, "WHERE")
	var insertAt int
	if werr == nil {
		insertAt = tokenPos(toks, wherePos)
	} else {
		insertAt = len(sql)
		depth := 0
		for i := fromPos + 1; i < len(toks); i++ {
			t := toks[i]
			switch t.Type {
			case TokLParen:
				depth++
			case TokRParen:
				depth--
			case TokIdent:
				if depth == 0 && isKeyword(t.Val, trailingClauseKeywords...) {
					insertAt = t.Pos
					i = len(toks)
				}
			}
		}
	}
	trimmed := strings.TrimRight(sql[:insertAt], " \t\n")
	return trimmed + extra + " " + sql[insertAt:], nil
}
