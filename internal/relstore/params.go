package relstore

import "strings"

// RewriteNamedParams rewrites named placeholders (":name" or "%(name)s")
// into positional "$1", "$2", ... form and returns the positional
// argument slice built from params, in first-occurrence order. This is a
// deterministic textual rewrite (spec §9): no runtime reflection.
//
// A query containing no named placeholders is returned unchanged, with
// args built by scanning for existing "$N" placeholders in order.
func RewriteNamedParams(query string, params map[string]any) (string, []any) {
	if !strings.ContainsAny(query, ":%") || len(params) == 0 {
		return query, positionalArgsInOrder(query, params)
	}

	var b strings.Builder
	var args []any
	order := make(map[string]int)

	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == ':' && i+1 < len(runes) && runes[i+1] == ':':
			// "::" is a type cast, not a placeholder.
			b.WriteString("::")
			i++
		case c == ':' && i+1 < len(runes) && isNameStart(runes[i+1]):
			j := i + 1
			for j < len(runes) && isNameChar(runes[j]) {
				j++
			}
			name := string(runes[i+1 : j])
			b.WriteString(placeholderFor(name, params, order, &args))
			i = j - 1
		case c == '%' && i+1 < len(runes) && runes[i+1] == '(':
			j := i + 2
			for j < len(runes) && runes[j] != ')' {
				j++
			}
			name := string(runes[i+2 : j])
			// skip ")s" suffix if present
			k := j + 1
			if k < len(runes) && runes[k] == 's' {
				k++
			}
			b.WriteString(placeholderFor(name, params, order, &args))
			i = k - 1
		default:
			b.WriteRune(c)
		}
	}
	return b.String(), args
}

func placeholderFor(name string, params map[string]any, order map[string]int, args *[]any) string {
	if idx, ok := order[name]; ok {
		return positionalMarker(idx)
	}
	*args = append(*args, params[name])
	idx := len(*args)
	order[name] = idx
	return positionalMarker(idx)
}

func positionalMarker(idx int) string {
	return "$" + itoa(idx)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func isNameStart(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
}

func isNameChar(r rune) bool {
	return isNameStart(r) || (r >= '0' && r <= '9')
}

// positionalArgsInOrder handles the already-positional case: params
// values are matched to $1, $2, ... by numeric key convention "1", "2",
// or, if params is empty/unused, returns nil (caller passed literal args
// another way).
func positionalArgsInOrder(query string, params map[string]any) []any {
	if len(params) == 0 {
		return nil
	}
	// Find highest $N referenced to size the slice; values are looked up
	// by their string-of-N key if present, else left nil.
	max := 0
	runes := []rune(query)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '$' && i+1 < len(runes) && runes[i+1] >= '1' && runes[i+1] <= '9' {
			j := i + 1
			for j < len(runes) && runes[j] >= '0' && runes[j] <= '9' {
				j++
			}
			n := atoi(string(runes[i+1 : j]))
			if n > max {
				max = n
			}
		}
	}
	if max == 0 {
		return nil
	}
	args := make([]any, max)
	for i := 1; i <= max; i++ {
		if v, ok := params[itoa(i)]; ok {
			args[i-1] = v
		}
	}
	return args
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}
