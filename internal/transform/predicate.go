package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dbmigrate/internal/value"
)

// Predicate is one compiled conditional test: "col op literal",
// "col IS NULL", or "col IS NOT NULL".
type Predicate struct {
	Column  string
	op      string
	literal value.Value
	pattern *regexp.Regexp
	isNull  bool
	negate  bool
}

// predicate operators, longest first so ">=" wins over ">".
var predicateOps = []string{"!=", "<>", "<=", ">=", "≤", "≥", "=", "<", ">"}

// ParsePredicate compiles a predicate string. The grammar is fixed: a column
// name, then either IS [NOT] NULL or a comparison operator and a literal
// (single-quoted text or a bare number; any other bare word compares as text).
func ParsePredicate(s string) (*Predicate, error) {
	trimmed := strings.TrimSpace(s)
	col := PredicateLeadingIdent(trimmed)
	if col == "" {
		return nil, fmt.Errorf("predicate %q must start with a column name", s)
	}
	rest := strings.TrimSpace(trimmed[len(col):])

	upper := strings.ToUpper(rest)
	switch {
	case upper == "IS NULL":
		return &Predicate{Column: col, isNull: true}, nil
	case upper == "IS NOT NULL":
		return &Predicate{Column: col, isNull: true, negate: true}, nil
	}

	if strings.HasPrefix(upper, "LIKE") {
		lit, err := parsePredicateLiteral(strings.TrimSpace(rest[len("LIKE"):]))
		if err != nil {
			return nil, fmt.Errorf("predicate %q: %w", s, err)
		}
		if lit.Kind() != value.KindText {
			return nil, fmt.Errorf("predicate %q: LIKE requires a quoted pattern", s)
		}
		return &Predicate{Column: col, op: "LIKE", pattern: likeRegexp(lit.Text())}, nil
	}

	for _, op := range predicateOps {
		if strings.HasPrefix(rest, op) {
			lit, err := parsePredicateLiteral(strings.TrimSpace(rest[len(op):]))
			if err != nil {
				return nil, fmt.Errorf("predicate %q: %w", s, err)
			}
			return &Predicate{Column: col, op: normalizeOp(op), literal: lit}, nil
		}
	}
	return nil, fmt.Errorf("predicate %q: no recognized operator", s)
}

func normalizeOp(op string) string {
	switch op {
	case "<>":
		return "!="
	case "≤":
		return "<="
	case "≥":
		return ">="
	}
	return op
}

// PredicateLeadingIdent returns the identifier at the start of s, or "".
func PredicateLeadingIdent(s string) string {
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || i > 0 && c >= '0' && c <= '9' {
			i++
			continue
		}
		break
	}
	return s[:i]
}

func parsePredicateLiteral(s string) (value.Value, error) {
	if s == "" {
		return value.Null(), fmt.Errorf("missing comparison literal")
	}
	if s[0] == '\'' {
		if len(s) < 2 || s[len(s)-1] != '\'' {
			return value.Null(), fmt.Errorf("unterminated string literal %q", s)
		}
		inner := s[1 : len(s)-1]
		return value.Text(strings.ReplaceAll(inner, "''", "'")), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return value.Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return value.Decimal(f), nil
	}
	// Bare words compare as text.
	return value.Text(s), nil
}

// likeRegexp translates a LIKE pattern into an anchored regexp: % matches any
// sequence, _ matches any single character, everything else is literal.
func likeRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// Match evaluates the predicate against a source row. A null column value
// matches only IS NULL; every comparison against null is false.
func (p *Predicate) Match(row value.Row) bool {
	v, ok := rowLookup(row, p.Column)
	if !ok {
		v = value.Null()
	}

	if p.isNull {
		if p.negate {
			return !v.IsNull()
		}
		return v.IsNull()
	}
	if v.IsNull() {
		return false
	}

	if p.op == "LIKE" {
		return p.pattern.MatchString(v.Text())
	}

	cmp := value.Compare(v, p.literal)
	switch p.op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}
