package sqlfrag

import (
	"sort"
	"strings"
)

// referencedAliases returns the sorted, deduplicated set of `alias.` prefixes
// a conjunct references, restricted to aliases that are actually in scope
// (the FROM list), so a column named like a keyword never gets mistaken for
// an alias reference.
func referencedAliases(conjunct string, known map[string]bool) []string {
	toks := NewLexer(conjunct).Tokenize()
	seen := map[string]bool{}
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].Type == TokIdent && toks[i+1].Type == TokDot {
			name := toks[i].Val
			if known[strings.ToLower(name)] {
				seen[name] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// knownAliasSet builds the lower-cased alias lookup table extract uses to
// distinguish real table aliases from coincidentally dotted expressions
// (e.g. a schema-qualified function call).
func knownAliasSet(from []FromItem) map[string]bool {
	known := map[string]bool{}
	for _, f := range from {
		known[strings.ToLower(f.EffectiveAlias())] = true
	}
	return known
}

// containsTopLevelOr reports whether a conjunct is itself a disjunction at
// its own top level (paren-depth 0 relative to the conjunct), which
// classifies it as an or_condition bucket entry rather than a single
// attribute/distance condition (spec §4.1 "Condition extraction").
func containsTopLevelOr(conjunct string) bool {
	toks := NewLexer(conjunct).Tokenize()
	depth := 0
	for _, t := range toks {
		switch t.Type {
		case TokLParen:
			depth++
		case TokRParen:
			depth--
		case TokIdent:
			if depth == 0 && isKeyword(t.Val, "OR") {
				return true
			}
		}
	}
	return false
}

// isDistanceCondition reports whether a two-alias conjunct matches the
// `<expr> {< | <=} <numeric literal>` shape that BucketDistanceThresholds
// rounds (spec §4.1 step 5: distance-predicate bucketing only applies to
// genuine two-alias conditions, never to a single-alias attribute filter).
func isDistanceCondition(conjunct string) bool {
	return distancePredRe.MatchString(conjunct)
}

// isPartitionKeyCondition reports whether a single-alias conjunct restricts
// the declared partition key column directly, e.g. `t1.partition_id = 5` or
// `t1.partition_id IN (1,2,3)`.
func isPartitionKeyCondition(conjunct, partitionKey string) bool {
	toks := NewLexer(conjunct).Tokenize()
	for i := 0; i+1 < len(toks); i++ {
		if toks[i].Type == TokDot && toks[i+1].Type == TokIdent && strings.EqualFold(toks[i+1].Val, partitionKey) {
			return true
		}
		if toks[i].Type == TokIdent && strings.EqualFold(toks[i].Val, partitionKey) && (i == 0 || toks[i-1].Type != TokDot) {
			return true
		}
	}
	return false
}

// Buckets holds the classified WHERE conjuncts, keyed the way spec §4.1's
// condition-extraction step describes: per-alias attribute filters, per-pair
// distance predicates, literal (zero-alias) conditions, OR groups keyed by
// their full referenced-alias tuple, and any explicit partition-key
// restriction singled out so callers can decide whether to copy it into
// every fragment (Options.IncludePartitionKeyConditions).
type Buckets struct {
	Attribute          map[string][]string   // alias -> conjuncts referencing only that alias
	Distance           map[string][]string   // sorted "a,b" key -> two-alias numeric distance conjuncts
	Other              map[string][]string   // sorted alias-tuple key -> other multi-alias conjuncts
	Literal            []string              // zero-alias conjuncts
	Or                 map[string][]string   // sorted alias-tuple key -> OR-group conjuncts
	PartitionKey       []string              // conjuncts that restrict the partition key directly
	AliasesByCondition map[string][]string   // conjunct text -> its referenced aliases, for fragment assembly
}

func tupleKey(aliases []string) string { return strings.Join(aliases, ",") }

// ExtractConditions classifies a ParsedQuery's WHERE conjuncts into Buckets.
// partitionKey may be empty, in which case no conjunct is ever classified as
// a partition-key restriction.
func ExtractConditions(pq *ParsedQuery, partitionKey string, bucketStep float64) Buckets {
	known := knownAliasSet(pq.From)
	b := Buckets{
		Attribute:          map[string][]string{},
		Distance:           map[string][]string{},
		Other:              map[string][]string{},
		Or:                 map[string][]string{},
		AliasesByCondition: map[string][]string{},
	}

	for _, conjunct := range pq.Where {
		conjunct = strings.TrimSpace(conjunct)
		if conjunct == "" {
			continue
		}
		aliases := referencedAliases(conjunct, known)
		b.AliasesByCondition[conjunct] = aliases

		switch {
		case containsTopLevelOr(conjunct):
			key := tupleKey(aliases)
			b.Or[key] = append(b.Or[key], conjunct)
		case len(aliases) == 0:
			b.Literal = append(b.Literal, conjunct)
		case len(aliases) == 1:
			if partitionKey != "" && isPartitionKeyCondition(conjunct, partitionKey) {
				b.PartitionKey = append(b.PartitionKey, conjunct)
			} else {
				b.Attribute[aliases[0]] = append(b.Attribute[aliases[0]], conjunct)
			}
		case len(aliases) == 2 && isDistanceCondition(conjunct):
			bucketed := BucketDistanceThresholds(conjunct, bucketStep)
			key := tupleKey(aliases)
			b.Distance[key] = append(b.Distance[key], bucketed)
		default:
			key := tupleKey(aliases)
			b.Other[key] = append(b.Other[key], conjunct)
		}
	}
	return b
}

// ReferencesPartitionKey reports whether any WHERE conjunct is a condition
// on partitionKey, used to drive Options.WarnIfPartitionKeyUnreferenced.
// The projection is not checked.
func ReferencesPartitionKey(pq *ParsedQuery, partitionKey string) bool {
	if partitionKey == "" {
		return true
	}
	for _, c := range pq.Where {
		if isPartitionKeyCondition(c, partitionKey) {
			return true
		}
	}
	return false
}
