package xpath

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// NodeSet is the node-set value type. Order is evaluation order.
type NodeSet []Node

// Values are one of NodeSet, string, float64 or bool.

// Normalize converts a Go value into an XPath value. Integers and floats
// become float64, Stringers and other values become strings.
func Normalize(v any) any {
	switch vv := v.(type) {
	case nil:
		return ""
	case NodeSet, string, float64, bool:
		return v
	case []Node:
		return NodeSet(vv)
	case int:
		return float64(vv)
	case int32:
		return float64(vv)
	case int64:
		return float64(vv)
	case float32:
		return float64(vv)
	case time.Time:
		return vv.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return vv.String()
	}
	return fmt.Sprint(v)
}

func stringOf(nav Navigator, v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case bool:
		if vv {
			return "true"
		}
		return "false"
	case float64:
		return FormatNumber(vv)
	case NodeSet:
		if len(vv) == 0 {
			return ""
		}
		return nav.StringValue(vv[0])
	}
	return fmt.Sprint(v)
}

func numberOf(nav Navigator, v any) float64 {
	switch vv := v.(type) {
	case float64:
		return vv
	case bool:
		if vv {
			return 1
		}
		return 0
	case string:
		return ParseNumber(vv)
	case NodeSet:
		return ParseNumber(stringOf(nav, vv))
	}
	return math.NaN()
}

func booleanOf(v any) bool {
	switch vv := v.(type) {
	case bool:
		return vv
	case float64:
		return vv != 0 && !math.IsNaN(vv)
	case string:
		return vv != ""
	case NodeSet:
		return len(vv) > 0
	}
	return false
}

// ParseNumber applies the XPath number() conversion to text
func ParseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	digits := strings.TrimPrefix(s, "-")
	for _, c := range digits {
		if (c < '0' || c > '9') && c != '.' {
			return math.NaN()
		}
	}
	if digits == "" || digits == "." || strings.Count(digits, ".") > 1 {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// FormatNumber renders a number the way the XPath string() function does
func FormatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// keyOf returns a map key for n, or false when n cannot be deduplicated
func keyOf(nav Navigator, n Node) (any, bool) {
	if k, ok := nav.(Keyer); ok {
		return k.Key(n), true
	}
	if n == nil || !reflect.TypeOf(n).Comparable() {
		return nil, false
	}
	return n, true
}

// nodeSetBuilder appends nodes in first-seen order
type nodeSetBuilder struct {
	nav   Navigator
	seen  map[any]struct{}
	nodes NodeSet
}

func newNodeSetBuilder(nav Navigator) *nodeSetBuilder {
	return &nodeSetBuilder{nav: nav, seen: make(map[any]struct{})}
}

func (b *nodeSetBuilder) add(n Node) bool {
	if k, ok := keyOf(b.nav, n); ok {
		if _, dup := b.seen[k]; dup {
			return false
		}
		b.seen[k] = struct{}{}
	}
	b.nodes = append(b.nodes, n)
	return true
}

// compare applies an XPath comparison operator to two values
func compare(nav Navigator, op string, l, r any) bool {
	ln, lok := l.(NodeSet)
	rn, rok := r.(NodeSet)
	switch {
	case lok && rok:
		for _, a := range ln {
			as := nav.StringValue(a)
			for _, b := range rn {
				if compareAtoms(op, as, nav.StringValue(b)) {
					return true
				}
			}
		}
		return false
	case lok:
		return compareSetWith(nav, op, ln, r, false)
	case rok:
		return compareSetWith(nav, op, rn, l, true)
	}
	return compareAtoms(op, l, r)
}

// compareSetWith compares every node of set with a non node-set value.
// flipped means the node-set was the right operand.
func compareSetWith(nav Navigator, op string, set NodeSet, other any, flipped bool) bool {
	if b, ok := other.(bool); ok {
		if flipped {
			return compareAtoms(op, b, len(set) > 0)
		}
		return compareAtoms(op, len(set) > 0, b)
	}
	for _, n := range set {
		var atom any = nav.StringValue(n)
		if _, isNum := other.(float64); isNum {
			atom = ParseNumber(atom.(string))
		}
		var ok bool
		if flipped {
			ok = compareAtoms(op, other, atom)
		} else {
			ok = compareAtoms(op, atom, other)
		}
		if ok {
			return true
		}
	}
	return false
}

// compareAtoms compares two non node-set values
func compareAtoms(op string, l, r any) bool {
	if op == "=" || op == "!=" {
		var eq bool
		_, lb := l.(bool)
		_, rb := r.(bool)
		_, lf := l.(float64)
		_, rf := r.(float64)
		switch {
		case lb || rb:
			eq = booleanOf(l) == booleanOf(r)
		case lf || rf:
			eq = atomNumber(l) == atomNumber(r)
		default:
			eq = atomString(l) == atomString(r)
		}
		if op == "=" {
			return eq
		}
		return !eq
	}

	a, b := atomNumber(l), atomNumber(r)
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func atomNumber(v any) float64 {
	switch vv := v.(type) {
	case float64:
		return vv
	case bool:
		if vv {
			return 1
		}
		return 0
	case string:
		return ParseNumber(vv)
	}
	return math.NaN()
}

func atomString(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case float64:
		return FormatNumber(vv)
	case bool:
		if vv {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(v)
}
