package toyengine

import (
	"strconv"
	"strings"
)

// evalExpr is the toy language's entire expression evaluator: a bare
// identifier resolves against the frame's locals, a quoted or numeric
// token is a literal, and one binary operator joining two such atoms
// is supported — enough to drive conditions, watches, and evaluate
// requests without a real parser.
func evalExpr(f *callFrame, expr string) (value, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return value{}, strconv.ErrSyntax
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "+", "-", "*", "/", "<", ">"} {
		if idx := strings.Index(expr, op); idx > 0 {
			lhs, rhs := strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+len(op):])
			if rhs == "" {
				continue
			}
			a, err := evalExpr(f, lhs)
			if err != nil {
				continue
			}
			b, err := evalExpr(f, rhs)
			if err != nil {
				continue
			}
			opName := map[string]string{
				"==": "EQ", "!=": "NEQ", "<=": "LTE", ">=": "GTE",
				"+": "ADD", "-": "SUB", "*": "MUL", "/": "DIV",
				"<": "LT", ">": "GT",
			}[op]
			return binaryArith(opName, a, b)
		}
	}

	if v, ok := f.locals[expr]; ok {
		return v, nil
	}
	if strings.HasPrefix(expr, `"`) {
		return parseLiteral(expr), nil
	}
	if n, err := strconv.ParseFloat(expr, 64); err == nil {
		return numVal(n), nil
	}
	return value{}, &unknownIdentError{expr}
}

type unknownIdentError struct{ name string }

func (e *unknownIdentError) Error() string { return "unknown identifier " + e.name }
