package realtime

import (
	"fmt"
	"strings"

	"github.com/ecologicaleaving/startapp-sub002/errors"
)

// Filter operators
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpIn  = "in"
)

// RowFilter is a parsed "column=op.value" expression.
type RowFilter struct {
	Column string
	Op     string
	Values []string
}

// ParseFilter parses "col=eq.x", "col=neq.x" and "col=in.(a,b)".
// An empty expression yields a filter that matches every row.
func ParseFilter(expr string) (RowFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return RowFilter{}, nil
	}

	column, rest, ok := strings.Cut(expr, "=")
	if !ok || column == "" {
		return RowFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "realtime", "ParseFilter", fmt.Sprintf("parse %q", expr))
	}
	op, value, ok := strings.Cut(rest, ".")
	if !ok {
		return RowFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "realtime", "ParseFilter", fmt.Sprintf("parse %q", expr))
	}

	f := RowFilter{Column: strings.TrimSpace(column), Op: op}
	switch op {
	case OpEq, OpNeq:
		f.Values = []string{unquote(value)}
	case OpIn:
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return RowFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "realtime", "ParseFilter", fmt.Sprintf("in list %q", value))
		}
		inner := strings.TrimSuffix(strings.TrimPrefix(value, "("), ")")
		for _, v := range strings.Split(inner, ",") {
			if v = unquote(v); v != "" {
				f.Values = append(f.Values, v)
			}
		}
	default:
		return RowFilter{}, errors.WrapInvalid(errors.ErrInvalidFilter, "realtime", "ParseFilter", fmt.Sprintf("operator %q", op))
	}
	return f, nil
}

// InFilter builds the expression matching column against any of values.
func InFilter(column string, values []string) string {
	return column + "=in.(" + strings.Join(values, ",") + ")"
}

// Match evaluates the filter against a row. Values compare by their
// string form.
func (f RowFilter) Match(row map[string]any) bool {
	if f.Column == "" {
		return true
	}
	raw, ok := row[f.Column]
	if !ok || raw == nil {
		return f.Op == OpNeq
	}
	got := fmt.Sprint(raw)

	switch f.Op {
	case OpEq:
		return got == f.Values[0]
	case OpNeq:
		return got != f.Values[0]
	case OpIn:
		for _, v := range f.Values {
			if v == got {
				return true
			}
		}
	}
	return false
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}
