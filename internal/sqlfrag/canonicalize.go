package sqlfrag

import (
	"sort"
	"strings"
)

// sqlKeywords is the set of reserved words canonicalization lowercases;
// identifiers, aliases, and string literals are left exactly as scanned so
// case-sensitive column names on case-sensitive backends survive unchanged.
var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "IN": true, "IS": true, "NULL": true, "AS": true,
	"JOIN": true, "ON": true, "LIKE": true, "BETWEEN": true, "EXISTS": true,
	"DISTINCT": true, "TRUE": true, "FALSE": true,
}

// renameAliasesInText rewrites every occurrence of an old alias with its new
// name, token by token rather than by regex, so "t1" never matches inside
// "t10" and a rename never touches a string literal or an unrelated
// identifier that happens to share the alias's spelling but isn't in dotted
// (alias.column) or bare from-item position.
func renameAliasesInText(text string, rename map[string]string) string {
	if len(rename) == 0 {
		return text
	}
	toks := NewLexer(text).Tokenize()
	var b strings.Builder
	last := 0
	for i, t := range toks {
		if t.Type != TokIdent {
			continue
		}
		newName, ok := rename[strings.ToLower(t.Val)]
		if !ok {
			continue
		}
		// Only rename when the identifier is used as a table qualifier: it is
		// immediately followed by a dot, or stands alone as a FROM-list
		// alias (preceded by nothing relevant here since from-item renaming
		// is handled separately in canonicalFromText).
		if i+1 >= len(toks) || toks[i+1].Type != TokDot {
			continue
		}
		b.WriteString(text[last:t.Pos])
		b.WriteString(newName)
		last = t.Pos + len(t.Val)
	}
	b.WriteString(text[last:])
	return b.String()
}

// lowercaseKeywords rewrites reserved words to lowercase while leaving
// identifiers, numbers, and string literals untouched.
func lowercaseKeywords(text string) string {
	toks := NewLexer(text).Tokenize()
	var b strings.Builder
	last := 0
	for _, t := range toks {
		if t.Type != TokIdent || !sqlKeywords[strings.ToUpper(t.Val)] {
			continue
		}
		b.WriteString(text[last:t.Pos])
		b.WriteString(strings.ToLower(t.Val))
		last = t.Pos + len(t.Val)
	}
	b.WriteString(text[last:])
	return b.String()
}

// aliasRenameMap assigns canonical names t1..tn to the given FromItems in
// order of first appearance (spec §4.1 canonicalization: "aliases are
// renamed positionally so two fragments that differ only in the source
// query's alias spelling hash identically").
func aliasRenameMap(from []FromItem) map[string]string {
	rename := map[string]string{}
	n := 0
	for _, f := range from {
		old := strings.ToLower(f.EffectiveAlias())
		if old == "" {
			continue
		}
		if _, ok := rename[old]; ok {
			continue
		}
		n++
		rename[old] = "t" + itoa(n)
	}
	return rename
}

// itoa avoids importing strconv solely for small positive integers used in
// alias generation.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func canonicalFromText(from []FromItem, rename map[string]string) string {
	parts := make([]string, 0, len(from))
	for _, f := range from {
		if f.Subquery {
			alias := rename[strings.ToLower(f.Alias)]
			if alias == "" {
				alias = f.Alias
			}
			parts = append(parts, strings.TrimSpace(f.RawText)+" "+alias)
			continue
		}
		alias := rename[strings.ToLower(f.EffectiveAlias())]
		if alias == "" {
			alias = f.EffectiveAlias()
		}
		parts = append(parts, f.Table+" "+alias)
	}
	return strings.Join(parts, ", ")
}

// Canonicalize renders a fragment's FROM list and WHERE conjuncts into a
// stable SQL string: aliases renamed t1..tn by first appearance, conjuncts
// sorted lexicographically, keywords lowercased, and WHERE omitted entirely
// when there are no conjuncts (spec §4.1 canonicalization + "empty-WHERE
// safety").
func Canonicalize(projection string, from []FromItem, conjuncts []string) string {
	rename := aliasRenameMap(from)

	renamedConjuncts := make([]string, len(conjuncts))
	for i, c := range conjuncts {
		renamedConjuncts[i] = strings.TrimSpace(renameAliasesInText(c, rename))
	}
	sort.Strings(renamedConjuncts)

	fromText := canonicalFromText(from, rename)
	proj := strings.TrimSpace(projection)
	if proj == "" {
		proj = "*"
	} else {
		proj = renameAliasesInText(proj, rename)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(proj)
	sb.WriteString(" FROM ")
	sb.WriteString(fromText)
	if len(renamedConjuncts) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(renamedConjuncts, " AND "))
	}

	out := strings.TrimSpace(sb.String())
	out = strings.TrimSuffix(out, ";")
	out = lowercaseKeywords(out)
	return CollapseWhitespace(out)
}
