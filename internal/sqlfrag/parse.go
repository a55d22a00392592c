package sqlfrag

import (
	"fmt"
	"strings"
)

var joinModifiers = []string{"INNER", "LEFT", "RIGHT", "OUTER", "CROSS", "FULL"}

// Parse decomposes a normalized (comments stripped, trailing clauses
// stripped) SELECT into a ParsedQuery: projection text, a FROM list with
// JOIN...ON converted to comma-joins plus WHERE conjuncts (normalization
// step 3), and the flat list of top-level WHERE conjuncts after outer-paren
// flattening (step 4).
//
// Joins inside EXISTS(...), IN(SELECT ...), CTEs, and scalar subqueries are
// not rewritten: Parse only looks at the outermost SELECT's FROM list: a
// parenthesized FROM item is captured as an opaque subquery and never
// descended into.
func Parse(sql string) (*ParsedQuery, error) {
	toks := NewLexer(sql).Tokenize()

	selectPos, err := findKeywordPos(toks, 0, "SELECT")
	if err != nil {
		return nil, fmt.Errorf("sqlfrag: query does not start with SELECT")
	}
	fromPos, err := findTopLevelKeyword(toks, 0, "FROM")
	if err != nil {
		return nil, fmt.Errorf("sqlfrag: missing FROM clause")
	}
	wherePos := -1
	if p, err := findTopLevelKeyword(toks, 0, "WHERE"); err == nil {
		wherePos = p
	}

	projection := strings.TrimSpace(sliceByPos(sql, tokenPos(toks, selectPos)+len("SELECT"), tokenPos(toks, fromPos)))

	fromEnd := len(sql)
	if wherePos >= 0 {
		fromEnd = tokenPos(toks, wherePos)
	}
	fromRegion := sql[tokenPos(toks, fromPos)+len("FROM") : fromEnd]

	fromItems, extraConds, err := parseFromList(fromRegion)
	if err != nil {
		return nil, err
	}

	var whereConjuncts []string
	if wherePos >= 0 {
		whereText := sql[tokenPos(toks, wherePos)+len("WHERE"):]
		whereText = FlattenOuterParens(whereText)
		whereConjuncts = splitTopLevelAnd(whereText)
	}
	for _, c := range extraConds {
		whereConjuncts = append(whereConjuncts, splitTopLevelAnd(c)...)
	}

	return &ParsedQuery{
		Projection: projection,
		From:       fromItems,
		Where:      trimAll(whereConjuncts),
	}, nil
}

func trimAll(ss []string) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// findKeywordPos returns the index into toks of the first token at or after
// `from` matching kw exactly (used only for the leading SELECT check).
func findKeywordPos(toks []Token, from int, kw string) (int, error) {
	for i := from; i < len(toks); i++ {
		if toks[i].Type == TokIdent && isKeyword(toks[i].Val, kw) {
			return i, nil
		}
		if toks[i].Type != TokIdent {
			continue
		}
		return -1, fmt.Errorf("expected %s", kw)
	}
	return -1, fmt.Errorf("not found: %s", kw)
}

// findTopLevelKeyword finds the first occurrence of kw as a standalone
// identifier token at paren-depth 0.
func findTopLevelKeyword(toks []Token, from int, kw string) (int, error) {
	depth := 0
	for i := from; i < len(toks); i++ {
		switch toks[i].Type {
		case TokLParen:
			depth++
		case TokRParen:
			depth--
		case TokIdent:
			if depth == 0 && isKeyword(toks[i].Val, kw) {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("not found: %s", kw)
}

func tokenPos(toks []Token, i int) int {
	if i < 0 || i >= len(toks) {
		return 0
	}
	return toks[i].Pos
}

func sliceByPos(s string, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start >= end {
		return ""
	}
	return s[start:end]
}

// splitTopLevelAnd splits a WHERE-clause-shaped string into its top-level
// conjuncts at paren-depth 0 occurrences of the AND keyword.
func splitTopLevelAnd(s string) []string {
	toks := NewLexer(s).Tokenize()
	depth := 0
	var parts []string
	last := 0
	for _, t := range toks {
		switch t.Type {
		case TokLParen:
			depth++
		case TokRParen:
			depth--
		case TokIdent:
			if depth == 0 && isKeyword(t.Val, "AND") {
				parts = append(parts, s[last:t.Pos])
				last = t.Pos + len(t.Val)
			}
		}
	}
	parts = append(parts, s[last:])
	return trimAll(parts)
}

// parseFromList walks the FROM-region token stream, converting
// `a JOIN b ON cond [JOIN c ON cond...] , d` into a flat FromItem list plus
// the extracted ON conditions (normalization step 3).
func parseFromList(fromRegion string) ([]FromItem, []string, error) {
	toks := NewLexer(fromRegion).Tokenize()
	var items []FromItem
	var conds []string

	i := 0
	for i < len(toks) && toks[i].Type != TokEOF {
		item, next, err := parseOneFromItem(fromRegion, toks, i)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
		i = next

		for i < len(toks) && toks[i].Type != TokEOF {
			if toks[i].Type == TokComma {
				i++
				break // let outer loop parse the next item
			}
			if toks[i].Type == TokIdent {
				consumed := i
				for consumed < len(toks) && toks[consumed].Type == TokIdent && isKeyword(toks[consumed].Val, joinModifiers...) {
					consumed++
				}
				if consumed < len(toks) && toks[consumed].Type == TokIdent && isKeyword(toks[consumed].Val, "JOIN") {
					i = consumed + 1
					joinItem, next2, err := parseOneFromItem(fromRegion, toks, i)
					if err != nil {
						return nil, nil, err
					}
					items = append(items, joinItem)
					i = next2
					if i < len(toks) && toks[i].Type == TokIdent && isKeyword(toks[i].Val, "ON") {
						i++
						condStart := toks[i].Pos
						depth := 0
						condEndIdx := i
						for condEndIdx < len(toks) {
							t := toks[condEndIdx]
							if t.Type == TokLParen {
								depth++
							} else if t.Type == TokRParen {
								depth--
							} else if depth == 0 && t.Type == TokComma {
								break
							} else if depth == 0 && t.Type == TokIdent {
								up := strings.ToUpper(t.Val)
								if up == "JOIN" || (isKeyword(t.Val, joinModifiers...) && peekIsJoin(toks, condEndIdx)) {
									break
								}
							}
							condEndIdx++
						}
						condEnd := len(fromRegion)
						if condEndIdx < len(toks) {
							condEnd = toks[condEndIdx].Pos
						}
						conds = append(conds, strings.TrimSpace(fromRegion[condStart:condEnd]))
						i = condEndIdx
					}
					continue
				}
			}
			break
		}
	}
	return items, conds, nil
}

func peekIsJoin(toks []Token, i int) bool {
	j := i
	for j < len(toks) && toks[j].Type == TokIdent && isKeyword(toks[j].Val, joinModifiers...) {
		j++
	}
	return j < len(toks) && toks[j].Type == TokIdent && isKeyword(toks[j].Val, "JOIN")
}

// parseOneFromItem parses a single table reference starting at toks[i]:
// either `(subquery)` or `schema.table [[AS] alias]`. Returns the item and
// the index of the first unconsumed token.
func parseOneFromItem(region string, toks []Token, i int) (FromItem, int, error) {
	if i >= len(toks) {
		return FromItem{}, i, fmt.Errorf("sqlfrag: unexpected end of FROM list")
	}
	if toks[i].Type == TokLParen {
		depth := 0
		j := i
		for j < len(toks) {
			if toks[j].Type == TokLParen {
				depth++
			} else if toks[j].Type == TokRParen {
				depth--
				if depth == 0 {
					break
				}
			}
			j++
		}
		end := len(region)
		if j < len(toks) {
			end = toks[j].Pos + 1
		}
		raw := region[toks[i].Pos:end]
		k := j + 1
		alias := ""
		if k < len(toks) && toks[k].Type == TokIdent && isKeyword(toks[k].Val, "AS") {
			k++
		}
		if k < len(toks) && toks[k].Type == TokIdent && !isKeyword(toks[k].Val, "JOIN", "ON", "WHERE") && !isKeyword(toks[k].Val, joinModifiers...) {
			alias = toks[k].Val
			k++
		}
		return FromItem{Subquery: true, RawText: raw, Alias: alias}, k, nil
	}

	if toks[i].Type != TokIdent {
		return FromItem{}, i, fmt.Errorf("sqlfrag: expected table name in FROM list")
	}
	table := toks[i].Val
	j := i + 1
	for j+1 < len(toks) && toks[j].Type == TokDot && toks[j+1].Type == TokIdent {
		table = table + "." + toks[j+1].Val
		j += 2
	}
	alias := ""
	if j < len(toks) && toks[j].Type == TokIdent && isKeyword(toks[j].Val, "AS") {
		j++
	}
	if j < len(toks) && toks[j].Type == TokIdent && !isKeyword(toks[j].Val, "JOIN", "ON", "WHERE") && !isKeyword(toks[j].Val, joinModifiers...) {
		alias = toks[j].Val
		j++
	}
	return FromItem{Table: table, Alias: alias}, j, nil
}
