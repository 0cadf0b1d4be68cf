// Package mustache implements the logic-less SQL template engine: a
// text-substitution-only directive set over a typed variable context, with
// explicit escape discipline so authors can distinguish "render safely for
// use inside a SQL string literal" from "render this identifier/number
// verbatim". The string-safe form adds no quotes of its own.
//
// Supported directives:
//
//	{{{ x }}}   string-safe: embedded single quotes are escaped by doubling.
//	{{ x }}     literal: no escaping at all, caller's responsibility.
//	{{#x}}...{{/x}}   truthy section.
//	{{^x}}...{{/x}}   falsy (inverted) section.
//
// Dotted lookup (params.foo.bar) is supported. Unknown variables in a
// non-conditional position render as empty string. Unbalanced section tags
// are a rendering error naming the offending tag.
package mustache

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the variable namespace a template renders against. Typical
// keys: "params", "conn", "cache", "env", "auth".
type Context map[string]any

// node is one piece of a parsed template.
type node interface{}

type textNode struct{ text string }

type varNode struct {
	path   string
	escape bool // true: {{{ }}} string-safe escaping. false: {{ }} literal.
}

type sectionNode struct {
	path     string
	negate   bool
	children []node
}

// Template is a parsed, reusable template. Parsing is separated from
// rendering so a template authored once (an endpoint's SQL template, a
// cache populate template) can be rendered many times without re-parsing.
type Template struct {
	nodes []node
	src   string
}

// Parse compiles src into a renderable Template. It returns an error naming
// the offending tag when section tags are unbalanced or mismatched.
func Parse(src string) (*Template, error) {
	p := &parser{src: src}
	nodes, err := p.parseNodes("")
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.src) {
		// parseNodes returned early without consuming everything: a stray
		// closing tag was found with no matching opener.
		return nil, fmt.Errorf("mustache: unexpected closing tag at position %d", p.pos)
	}
	return &Template{nodes: nodes, src: src}, nil
}

// MustParse is Parse but panics on error; useful for literals known at
// compile time (tests, embedded templates).
func MustParse(src string) *Template {
	t, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return t
}

// Render renders the template against ctx.
func Render(src string, ctx Context) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Render(ctx)
}

// Render renders the parsed template against ctx. Rendering is
// deterministic: repeated calls with the same ctx yield byte-identical
// output.
func (t *Template) Render(ctx Context) (string, error) {
	var b strings.Builder
	if err := renderNodes(t.nodes, ctx, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

func renderNodes(nodes []node, ctx Context, b *strings.Builder) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			b.WriteString(v.text)
		case varNode:
			val, _ := lookup(ctx, v.path)
			s := stringify(val)
			if v.escape {
				s = escapeSingleQuotes(s)
			}
			b.WriteString(s)
		case sectionNode:
			val, ok := lookup(ctx, v.path)
			show := ok && truthy(val)
			if v.negate {
				show = !show
			}
			if show {
				if err := renderNodes(v.children, ctx, b); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("mustache: unknown node type %T", n)
		}
	}
	return nil
}

// escapeSingleQuotes doubles every single quote, per the string-safe escape
// contract: output with N quotes in the source has 2N quotes in the result.
func escapeSingleQuotes(s string) string {
	if !strings.Contains(s, "'") {
		return s
	}
	return strings.ReplaceAll(s, "'", "''")
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", x)
	}
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	default:
		return true
	}
}

// lookup resolves a dotted path ("params.foo.bar") against ctx. The second
// return value is false if any segment along the path is absent.
func lookup(ctx Context, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any = map[string]any(ctx)
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
