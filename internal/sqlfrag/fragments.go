package sqlfrag

import (
	"sort"
	"strings"
)

// maxEnumerableExtraTables bounds how many non-spine aliases fragments.go
// will ever enumerate bitmask subsets over, independent of MaxSubsets: a
// query joining more than this many tables is vanishingly rare in the
// analytical workloads this cache targets, and 2^n subset enumeration past
// this point would dominate wall-clock regardless of the eventual cap.
const maxEnumerableExtraTables = 24

// detectSpineAlias picks the partition-join table (the table carrying the
// partition key every emitted fragment must include) per spec §4.1: an
// explicit Options.PartitionJoinTable wins; otherwise the alias with a
// partition-key restriction is used; failing that, a table whose name
// carries the conventional "p0_" prefix; failing that, the first FROM item.
func detectSpineAlias(pq *ParsedQuery, buckets Buckets, opts Options) string {
	if opts.PartitionJoinTable != "" {
		for _, f := range pq.From {
			if strings.EqualFold(f.Table, opts.PartitionJoinTable) {
				return f.EffectiveAlias()
			}
		}
		return opts.PartitionJoinTable
	}
	if len(buckets.PartitionKey) > 0 {
		known := knownAliasSet(pq.From)
		for _, c := range buckets.PartitionKey {
			if aliases := referencedAliases(c, known); len(aliases) == 1 {
				return aliases[0]
			}
		}
	}
	for _, f := range pq.From {
		if strings.HasPrefix(strings.ToLower(f.Table), "p0_") {
			return f.EffectiveAlias()
		}
	}
	if len(pq.From) > 0 {
		return pq.From[0].EffectiveAlias()
	}
	return ""
}

// buildJoinGraph returns an undirected adjacency map over aliases, built from every
// multi-alias condition bucket: a shared condition (distance, other, or
// disjunction) between two or more aliases is treated as a pairwise edge
// between each pair, since any of those aliases can traverse that condition
// to reach the others in a connected-subgraph enumeration.
func buildJoinGraph(buckets Buckets) map[string]map[string]bool {
	graph := map[string]map[string]bool{}
	addEdge := func(a, b string) {
		if a == b {
			return
		}
		if graph[a] == nil {
			graph[a] = map[string]bool{}
		}
		if graph[b] == nil {
			graph[b] = map[string]bool{}
		}
		graph[a][b] = true
		graph[b][a] = true
	}
	addTuple := func(key string) {
		aliases := strings.Split(key, ",")
		for i := 0; i < len(aliases); i++ {
			for j := i + 1; j < len(aliases); j++ {
				addEdge(aliases[i], aliases[j])
			}
		}
	}
	for key := range buckets.Distance {
		addTuple(key)
	}
	for key := range buckets.Other {
		addTuple(key)
	}
	for key := range buckets.Or {
		addTuple(key)
	}
	return graph
}

// connected reports whether subset (a non-empty alias slice) forms a single
// connected component of graph.
func connected(subset []string, graph map[string]map[string]bool) bool {
	if len(subset) <= 1 {
		return true
	}
	in := map[string]bool{}
	for _, a := range subset {
		in[a] = true
	}
	visited := map[string]bool{subset[0]: true}
	queue := []string{subset[0]}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for neighbor := range graph[cur] {
			if in[neighbor] && !visited[neighbor] {
				visited[neighbor] = true
				queue = append(queue, neighbor)
			}
		}
	}
	return len(visited) == len(subset)
}

// enumerateAliasSubsets returns every candidate alias subset (always
// including spine) that should produce a fragment, applying FollowGraph /
// Min-Max component size / MaxSubsets exactly as spec §4.1 describes, and
// appending a warning string whenever enumeration is truncated so no cap is
// silent.
func enumerateAliasSubsets(spine string, extra []string, graph map[string]map[string]bool, opts Options) ([][]string, []string) {
	var warnings []string
	if len(extra) > maxEnumerableExtraTables {
		warnings = append(warnings, "sqlfrag: query joins more tables than can be fully enumerated; truncating extra-table list")
		extra = extra[:maxEnumerableExtraTables]
	}

	minSize := opts.MinComponentSize
	if minSize < 1 {
		minSize = 1
	}
	maxSize := opts.MaxComponentSize
	if maxSize <= 0 {
		maxSize = len(extra) + 1
	}

	var subsets [][]string
	total := 1 << uint(len(extra))
	truncated := false
	for mask := 0; mask < total; mask++ {
		if !opts.FollowGraph && len(subsets) >= opts.maxSubsets() {
			truncated = true
			break
		}
		combo := []string{spine}
		for i, a := range extra {
			if mask&(1<<uint(i)) != 0 {
				combo = append(combo, a)
			}
		}
		if len(combo) < minSize || len(combo) > maxSize {
			continue
		}
		if opts.FollowGraph && !connected(combo, graph) {
			continue
		}
		subsets = append(subsets, combo)
	}
	if truncated {
		warnings = append(warnings, "sqlfrag: alias-subset enumeration hit MaxSubsets; remaining subsets were dropped")
	}
	return subsets, warnings
}

// assembleFragment builds the FromItem list and conjunct list for one alias
// subset: every FROM item whose alias is in subset, every attribute
// condition for an included alias, every distance/other/or condition whose
// full alias tuple is a subset of subset, every literal condition (always),
// and the partition-key conditions when requested.
func assembleFragment(pq *ParsedQuery, buckets Buckets, subset []string, opts Options) ([]FromItem, []string) {
	in := map[string]bool{}
	for _, a := range subset {
		in[a] = true
	}

	var from []FromItem
	for _, f := range pq.From {
		if in[f.EffectiveAlias()] {
			from = append(from, f)
		}
	}

	var conds []string
	conds = append(conds, buckets.Literal...)
	if opts.IncludePartitionKeyConditions {
		conds = append(conds, buckets.PartitionKey...)
	}
	for _, a := range subset {
		conds = append(conds, buckets.Attribute[a]...)
	}

	tupleSubsetOf := func(key string) bool {
		for _, a := range strings.Split(key, ",") {
			if !in[a] {
				return false
			}
		}
		return true
	}
	for key, cs := range buckets.Distance {
		if tupleSubsetOf(key) {
			conds = append(conds, cs...)
		}
	}
	for key, cs := range buckets.Other {
		if tupleSubsetOf(key) {
			conds = append(conds, cs...)
		}
	}
	for key, cs := range buckets.Or {
		if tupleSubsetOf(key) {
			conds = append(conds, cs...)
		}
	}
	return from, conds
}

// GenerateFragments runs the full pipeline (spec §4.1): normalize, parse,
// extract condition buckets, enumerate alias subsets, canonicalize, and
// hash, producing one deduplicated Fragment per distinct canonical string.
func GenerateFragments(sql, partitionKey string, opts Options) (*GenerateResult, error) {
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	sql = StripComments(sql)
	sql = CollapseWhitespace(sql)
	sql = StripTrailingClauses(sql)

	pq, err := Parse(sql)
	if err != nil {
		return nil, err
	}

	var warnings []string
	if opts.WarnIfPartitionKeyUnreferenced && !ReferencesPartitionKey(pq, partitionKey) {
		warnings = append(warnings, "sqlfrag: query does not reference the declared partition key")
	}

	buckets := ExtractConditions(pq, partitionKey, opts.bucketStep())
	graph := buildJoinGraph(buckets)

	spine := detectSpineAlias(pq, buckets, opts)
	var extra []string
	for _, f := range pq.From {
		if f.EffectiveAlias() != spine {
			extra = append(extra, f.EffectiveAlias())
		}
	}
	sort.Strings(extra)

	subsets, enumWarnings := enumerateAliasSubsets(spine, extra, graph, opts)
	warnings = append(warnings, enumWarnings...)

	seen := map[string]bool{}
	var fragments []Fragment
	for _, subset := range subsets {
		from, conds := assembleFragment(pq, buckets, subset, opts)
		if len(from) == 0 {
			continue
		}
		projection := pq.Projection
		if opts.StripSelect && partitionKey != "" {
			projection = from[0].EffectiveAlias() + "." + partitionKey
		}
		canonical := Canonicalize(projection, from, conds)
		if seen[canonical] {
			continue
		}
		seen[canonical] = true
		fragments = append(fragments, Fragment{Text: canonical, Hash: Hash(canonical)})
	}

	return &GenerateResult{Fragments: fragments, Warnings: warnings}, nil
}
