package sqlfrag

// FromItem is one entry in a (possibly join-converted) FROM list.
type FromItem struct {
	Table string
	Alias string
	// Subquery marks a parenthesized FROM item (derived table, CTE
	// reference used positionally, etc.), whose raw, unmodified text is
	// kept in RawText. Per spec
	// §4.1 step 3, joins inside such constructs are never rewritten; we
	// treat the whole thing as opaque.
	Subquery bool
	RawText  string
}

// EffectiveAlias returns the alias if present, else the table name, which is
// how bare identifiers in WHERE conditions are resolved back to a FROM item.
func (f FromItem) EffectiveAlias() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Table
}

// ParsedQuery is the intermediate structural decomposition the normalizer
// and fragment enumerator operate on.
type ParsedQuery struct {
	Projection string
	From       []FromItem
	// Where holds the flat list of top-level conjuncts after join->comma
	// conversion (so JOIN...ON conditions have been appended here too) and
	// outer-paren flattening.
	Where []string
}

// AliasSet is a small ordered set of alias names, used as a map key after
// canonical (sorted) joining.
type AliasSet []string

// Condition is one extracted top-level WHERE conjunct, classified by the
// set of table aliases it references (spec §4.1 "Condition extraction").
type Condition struct {
	Text      string
	Aliases   []string // sorted, deduplicated
	IsOr      bool     // true if Text is a disjunction (OR-group)
	IsPKCond  bool     // explicit partition-key restriction
	IsLiteral bool     // references zero aliases (constant/literal condition)
}

// Options configures fragment generation and normalization (spec §4.1).
type Options struct {
	// BucketStep is the granularity distance-predicate thresholds round up
	// to. Zero means the default of 1.0.
	BucketStep float64
	// MinComponentSize / MaxComponentSize bound which connected subgraphs
	// of the alias-join graph produce a fragment. Zero MaxComponentSize
	// means "no upper bound" (all the way up to the full table count).
	MinComponentSize int
	MaxComponentSize int
	// FollowGraph, when true (the default), restricts enumeration to
	// connected subgraphs of the alias-join graph. When false, every
	// non-empty subset of extra tables is enumerated instead.
	FollowGraph bool
	// PartitionJoinTable, when set, names the table explicitly designated
	// as the partition-join table (spine) rather than relying on
	// smart-detection.
	PartitionJoinTable string
	// IncludePartitionKeyConditions mirrors spec §4.1: when true, explicit
	// partition-key restrictions are copied into every emitted fragment.
	IncludePartitionKeyConditions bool
	// WarnIfPartitionKeyUnreferenced turns on a warning (returned via
	// GenerateFragments's Warnings slice) when no condition in the query
	// textually references the declared partition key.
	WarnIfPartitionKeyUnreferenced bool
	// StripSelect, when true, replaces the projection of every fragment
	// with the bare partition-key column (useful for fragment execution,
	// spec §4.1 "Strip-select"). When false the original projection list
	// is preserved (useful for hashing the user-visible query).
	StripSelect bool
	// MaxSubsets caps the number of extra-table subsets considered when
	// FollowGraph is false, guarding against combinatorial blowup. Zero
	// means the package default of 4096.
	MaxSubsets int
}

// DefaultOptions returns the documented default options.
func DefaultOptions() Options {
	return Options{
		BucketStep:                    1.0,
		MinComponentSize:              1,
		MaxComponentSize:              0,
		FollowGraph:                   true,
		IncludePartitionKeyConditions: true,
		MaxSubsets:                    4096,
	}
}

func (o Options) bucketStep() float64 {
	if o.BucketStep <= 0 {
		return 1.0
	}
	return o.BucketStep
}

func (o Options) maxSubsets() int {
	if o.MaxSubsets <= 0 {
		return 4096
	}
	return o.MaxSubsets
}

// Fragment is one generated, hashable sub-query.
type Fragment struct {
	Text string
	Hash string
}

// GenerateResult is the output of GenerateFragments.
type GenerateResult struct {
	Fragments []Fragment
	Warnings  []string
}
