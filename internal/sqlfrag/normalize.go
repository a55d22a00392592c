package sqlfrag

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	whitespaceRe   = regexp.MustCompile(`\s+`)
)

// StripComments removes SQL line and block comments (normalization step 1).
func StripComments(sql string) string {
	sql = blockCommentRe.ReplaceAllString(sql, " ")
	sql = lineCommentRe.ReplaceAllString(sql, "")
	return sql
}

// CollapseWhitespace collapses runs of whitespace to a single space and
// trims the ends (normalization step 1).
func CollapseWhitespace(sql string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(sql, " "))
}

var trailingClauseKeywords = []string{"ORDER", "GROUP", "HAVING", "LIMIT", "OFFSET"}

// StripTrailingClauses removes ORDER BY, LIMIT/OFFSET, GROUP BY, and HAVING
// from the outermost query only (normalization step 2). It finds the
// earliest top-level (paren-depth 0) occurrence of any of those keywords
// and truncates the string there.
func StripTrailingClauses(sql string) string {
	toks := NewLexer(sql).Tokenize()
	depth := 0
	cut := -1
	for _, t := range toks {
		switch t.Type {
		case TokLParen:
			depth++
		case TokRParen:
			depth--
		case TokIdent:
			if depth == 0 && isKeyword(t.Val, trailingClauseKeywords...) {
				cut = t.Pos
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut < 0 {
		return sql
	}
	return strings.TrimSpace(sql[:cut])
}

// FlattenOuterParens repeatedly strips a single fully-enclosing parenthesis
// pair around the WHERE clause text (normalization step 4): "((a AND b))"
// becomes "a AND b". A pair only "fully encloses" the text if the opening
// paren's matching close is the very last character.
func FlattenOuterParens(s string) string {
	s = strings.TrimSpace(s)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		depth := 0
		matchesAtEnd := true
		for i, r := range s {
			switch r {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 && i != len(s)-1 {
					matchesAtEnd = false
				}
			}
		}
		if !matchesAtEnd {
			break
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// distancePredRe matches `<expr> {< | <=} <threshold>` where threshold is a
// (possibly negative) numeric literal. It is intentionally loose about
// `<expr>` — the alias-count check that decides whether a predicate is a
// genuine two-alias distance condition happens in extract.go, after
// aliases have been identified; this regex only locates the operator and
// numeric threshold so the value can be bucketed in place.
var distancePredRe = regexp.MustCompile(`(<=?)\s*(-?\d+(?:\.\d+)?)`)

// BucketDistanceThresholds rounds every `< threshold` / `<= threshold`
// numeric literal in a WHERE conjunct up to the next multiple of bucketStep
// (normalization step 5). Negative thresholds are left untouched per spec.
// Conjuncts that are not two-alias distance conditions are filtered out
// by the caller (extract.go) before this ever matters; calling it on an
// arbitrary conjunct is harmless since it only rewrites numeric
// comparisons against `<`/`<=`.
func BucketDistanceThresholds(conjunct string, bucketStep float64) string {
	if bucketStep <= 0 {
		bucketStep = 1.0
	}
	return distancePredRe.ReplaceAllStringFunc(conjunct, func(m string) string {
		sub := distancePredRe.FindStringSubmatch(m)
		op, numStr := sub[1], sub[2]
		val, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return m
		}
		if val < 0 {
			return m // negative thresholds are left untouched
		}
		bucketed := math.Ceil(val/bucketStep) * bucketStep
		return op + " " + formatBucketed(bucketed)
	})
}

// formatBucketed renders a bucketed float without an unnecessary trailing
// zero, keeping canonicalized text stable across equivalent representations.
func formatBucketed(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
