package config

import "strings"

// exprKeywords are tokens that look like identifiers but never name a column.
var exprKeywords = map[string]struct{}{
	"is": {}, "not": {}, "null": {}, "like": {}, "and": {}, "or": {},
	"true": {}, "false": {},
}

// ExpressionColumns lexically extracts the column names referenced by a
// calculated expression. Quoted string literals and numeric literals are
// skipped; everything identifier-shaped that is not a keyword counts as a
// column reference. The transform package performs the authoritative parse;
// this scan only feeds validation and dependency reporting.
func ExpressionColumns(expr string) []string {
	var cols []string
	seen := map[string]struct{}{}
	for _, tok := range scanIdents(expr) {
		if _, kw := exprKeywords[strings.ToLower(tok)]; kw {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		cols = append(cols, tok)
	}
	return cols
}

// PredicateColumn returns the column a conditional predicate tests, which the
// grammar fixes as the leading identifier ("col op literal" or
// "col IS [NOT] NULL"). Empty when the predicate starts with anything else.
func PredicateColumn(pred string) string {
	idents := scanIdents(pred)
	if len(idents) == 0 {
		return ""
	}
	if _, kw := exprKeywords[strings.ToLower(idents[0])]; kw {
		return ""
	}
	// The identifier must open the predicate, not follow an operator or
	// literal.
	trimmed := strings.TrimSpace(pred)
	if !strings.HasPrefix(trimmed, idents[0]) {
		return ""
	}
	return idents[0]
}

// scanIdents walks the text and returns identifier tokens in order, skipping
// single-quoted string literals (with '' escapes) and numeric literals.
func scanIdents(s string) []string {
	var out []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'':
			i++
			for i < len(s) {
				if s[i] == '\'' {
					if i+1 < len(s) && s[i+1] == '\'' {
						i += 2
						continue
					}
					i++
					break
				}
				i++
			}
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentPart(s[j]) {
				j++
			}
			out = append(out, s[i:j])
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			i = j
		default:
			i++
		}
	}
	return out
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
