package core

import (
	"catalogcore/pkg/domain"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// valueParser converts one raw operand into a typed filter value.
type valueParser func(raw string) (any, error)

// operators in match order; longer prefixes first.
var operators = []string{"!=", "!~", ">=", "<=", "!", ">", "<", "=", "~"}

var dateDigits = regexp.MustCompile(`^\d{4,14}$`)

func parserFor(t ParamType) valueParser {
	switch t {
	case ParamInteger:
		return func(raw string) (any, error) { return strconv.ParseInt(raw, 10, 64) }
	case ParamDecimal:
		return func(raw string) (any, error) {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, err
			}
			return domain.Normalize(f), nil
		}
	case ParamBoolean:
		return func(raw string) (any, error) { return strconv.ParseBool(raw) }
	case ParamDate:
		return parseDate
	default:
		return func(raw string) (any, error) { return raw, nil }
	}
}

// parseDate accepts yyyy[MM[dd[HH[mm[ss]]]]] and pads it to the stored
// 14-digit form so string comparison orders correctly.
func parseDate(raw string) (any, error) {
	if !dateDigits.MatchString(raw) || len(raw)%2 != 0 {
		return nil, fmt.Errorf("%q is not a yyyyMMddHHmmss date", raw)
	}
	return raw + strings.Repeat("0", 14-len(raw)), nil
}

// compileExpression parses a value of the filter mini-language:
// "a,b" ORs terms, "a;b" ANDs them (mixing both is rejected), and every term
// may carry one of the prefixes != ! >= <= > < = ~ !~.
func compileExpression(param QueryParam, value any, parse valueParser) (domain.Filter, error) {
	if parse == nil {
		parse = parserFor(param.Type)
	}
	switch v := value.(type) {
	case nil:
		return domain.Filter{}, malformed(param.Name, value, "empty value")
	case string:
		return compileString(param, v, parse)
	case []string:
		terms := make([]domain.Filter, 0, len(v))
		for _, s := range v {
			f, err := compileString(param, s, parse)
			if err != nil {
				return domain.Filter{}, err
			}
			terms = append(terms, f)
		}
		return orTerms(param.Key, terms), nil
	case []any:
		terms := make([]domain.Filter, 0, len(v))
		for _, item := range v {
			f, err := compileExpression(param, item, parse)
			if err != nil {
				return domain.Filter{}, err
			}
			terms = append(terms, f)
		}
		return orTerms(param.Key, terms), nil
	default:
		typed, err := coerce(param, v, parse)
		if err != nil {
			return domain.Filter{}, err
		}
		return domain.Eq(param.Key, typed), nil
	}
}

func compileString(param QueryParam, raw string, parse valueParser) (domain.Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.Filter{}, malformed(param.Name, raw, "empty value")
	}
	hasOr := strings.Contains(raw, ",")
	hasAnd := strings.Contains(raw, ";")
	if hasOr && hasAnd {
		return domain.Filter{}, malformed(param.Name, raw, "cannot mix ',' and ';'")
	}
	sep := ","
	if hasAnd {
		sep = ";"
	}
	parts := strings.Split(raw, sep)
	terms := make([]domain.Filter, 0, len(parts))
	for _, part := range parts {
		f, err := compileTerm(param, strings.TrimSpace(part), parse)
		if err != nil {
			return domain.Filter{}, err
		}
		terms = append(terms, f)
	}
	if hasAnd {
		return andTerms(param.Key, terms), nil
	}
	return orTerms(param.Key, terms), nil
}

func compileTerm(param QueryParam, term string, parse valueParser) (domain.Filter, error) {
	if term == "" {
		return domain.Filter{}, malformed(param.Name, term, "empty term")
	}
	op, operand := splitOperator(term)
	if operand == "" {
		return domain.Filter{}, malformed(param.Name, term, "missing operand")
	}
	switch op {
	case "~", "!~":
		if _, err := regexp.Compile(operand); err != nil {
			return domain.Filter{}, malformed(param.Name, term, err.Error())
		}
		f := domain.Regex(param.Key, operand)
		if op == "!~" {
			return domain.Not(f), nil
		}
		return f, nil
	}
	if param.Type == ParamText && op == "" && strings.ContainsAny(operand, "*") {
		return domain.Regex(param.Key, wildcardPattern(operand)), nil
	}
	typed, err := parse(operand)
	if err != nil {
		return domain.Filter{}, malformed(param.Name, term, err.Error())
	}
	switch op {
	case "", "=":
		return domain.Eq(param.Key, typed), nil
	case "!=", "!":
		return domain.Ne(param.Key, typed), nil
	}
	if param.Type == ParamBoolean {
		return domain.Filter{}, malformed(param.Name, term, "range operators need an ordered type")
	}
	switch op {
	case ">":
		return domain.Gt(param.Key, typed), nil
	case ">=":
		return domain.Gte(param.Key, typed), nil
	case "<":
		return domain.Lt(param.Key, typed), nil
	default:
		return domain.Lte(param.Key, typed), nil
	}
}

func splitOperator(term string) (string, string) {
	for _, op := range operators {
		if rest, ok := strings.CutPrefix(term, op); ok {
			return op, strings.TrimSpace(rest)
		}
	}
	return "", term
}

func wildcardPattern(s string) string {
	parts := strings.Split(s, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}

// orTerms folds plain equalities into a single IN.
func orTerms(key string, terms []domain.Filter) domain.Filter {
	if len(terms) == 1 {
		return terms[0]
	}
	values := make([]any, 0, len(terms))
	for _, t := range terms {
		if t.Op != domain.OpEq || t.Field != key {
			return domain.Or(terms...)
		}
		values = append(values, t.Value)
	}
	return domain.In(key, values...)
}

// andTerms folds plain inequalities into a single NIN.
func andTerms(key string, terms []domain.Filter) domain.Filter {
	if len(terms) == 1 {
		return terms[0]
	}
	values := make([]any, 0, len(terms))
	for _, t := range terms {
		if t.Op != domain.OpNe || t.Field != key {
			return domain.And(terms...)
		}
		values = append(values, t.Value)
	}
	return domain.Nin(key, values...)
}

func coerce(param QueryParam, v any, parse valueParser) (any, error) {
	switch t := v.(type) {
	case bool:
		if param.Type == ParamBoolean || param.Type == ParamString || param.Type == ParamText {
			return t, nil
		}
	case int, int32, int64, float32, float64:
		n := domain.Normalize(t)
		switch param.Type {
		case ParamInteger:
			if i, ok := domain.Int64(n); ok {
				return i, nil
			}
		case ParamDecimal:
			return n, nil
		default:
			return parse(fmt.Sprintf("%v", n))
		}
	default:
		return parse(fmt.Sprintf("%v", v))
	}
	return nil, malformed(param.Name, v, fmt.Sprintf("expected %s value", param.Type))
}

func malformed(field string, value any, reason string) error {
	return domain.NewFieldError(field, value, fmt.Errorf("%w: %s", domain.ErrMalformedExpression, reason))
}
