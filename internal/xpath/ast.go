package xpath

// Axis names an XPath axis
type Axis int

const (
	AxisChild Axis = iota
	AxisDescendant
	AxisParent
	AxisAncestor
	AxisFollowingSibling
	AxisPrecedingSibling
	AxisFollowing
	AxisPreceding
	AxisAttribute
	AxisNamespace
	AxisSelf
	AxisDescendantOrSelf
	AxisAncestorOrSelf
)

var axisNames = map[string]Axis{
	"child":              AxisChild,
	"descendant":         AxisDescendant,
	"parent":             AxisParent,
	"ancestor":           AxisAncestor,
	"following-sibling":  AxisFollowingSibling,
	"preceding-sibling":  AxisPrecedingSibling,
	"following":          AxisFollowing,
	"preceding":          AxisPreceding,
	"attribute":          AxisAttribute,
	"namespace":          AxisNamespace,
	"self":               AxisSelf,
	"descendant-or-self": AxisDescendantOrSelf,
	"ancestor-or-self":   AxisAncestorOrSelf,
}

func (a Axis) String() string {
	for name, axis := range axisNames {
		if axis == a {
			return name
		}
	}
	return "unknown"
}

type testKind int

const (
	testName      testKind = iota // prefix:local or local
	testAnyName                   // *
	testNamespace                 // prefix:*
	testNode                      // node()
	testText                      // text()
	testComment                   // comment()
	testPI                        // processing-instruction('target'?)
)

type nodeTest struct {
	kind   testKind
	prefix string
	local  string
}

type step struct {
	axis  Axis
	test  nodeTest
	preds []expr
}

// expr is a node of the parsed expression tree
type expr interface {
	eval(ev *evaluation, f frame) (any, error)
}

type binaryExpr struct {
	op   string
	l, r expr
}

type negExpr struct {
	x expr
}

type unionExpr struct {
	l, r expr
}

type literalExpr struct {
	val string
}

type numberExpr struct {
	val float64
}

type varExpr struct {
	prefix, local string
}

type callExpr struct {
	prefix, local string
	args          []expr
}

type filterExpr struct {
	primary expr
	preds   []expr
}

// pathExpr is a location path, optionally rooted at the document or
// applied to the node-set produced by filter
type pathExpr struct {
	absolute bool
	filter   expr
	steps    []*step
}
