package extract

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/standardbeagle/symvead/internal/debug"
	symerrors "github.com/standardbeagle/symvead/internal/errors"
	"github.com/standardbeagle/symvead/internal/types"
)

// maxSignatureLen caps the one-line signature stored on each symbol.
const maxSignatureLen = 200

// errNoSymbols is the cause recorded when a file parses only to error nodes.
var errNoSymbols = errors.New("syntax errors and no recoverable definitions")

// defRule describes a node kind that introduces a definition.
type defRule struct {
	kind types.SymbolKind
	// nameField is the grammar field holding the identifier.
	nameField string
	// nameMustBe restricts the name node kind (python assignments must bind a
	// plain identifier to count as a definition).
	nameMustBe string
	// outsideFunctions drops the rule inside function bodies.
	outsideFunctions bool
	// functionValue upgrades the kind to function when the "value" field is
	// a function literal (const f = () => {}).
	functionValue bool
	// receiver extracts a container from the node itself (Go methods).
	receiver func(n *tree_sitter.Node, content []byte) string
	// name locates the identifier when it is nested below the node
	// (C declarators, Java fields). Overrides nameField.
	name func(n *tree_sitter.Node) *tree_sitter.Node
	// kindOf refines the kind from the node's shape.
	kindOf func(n *tree_sitter.Node, kind types.SymbolKind) types.SymbolKind
	// needsField skips nodes missing the field, so a forward declaration
	// such as "struct Foo;" is not a definition.
	needsField string
}

type selectorFields struct {
	object   string
	property string
}

// languageSpec is the per-language table driving the generic walker.
type languageSpec struct {
	name       string
	extensions []string
	language   func() unsafe.Pointer

	defs   map[string]defRule
	scopes map[string]string // non-definition nodes that open a named scope (rust impl)

	calls       map[string]string // call node kind -> callee field
	assignments map[string]string // assignment node kind -> target field
	selectors   map[string]selectorFields
	qualTypes   map[string]selectorFields // qualified type names (pkg.Type, mod::Type)
	identifiers map[string]bool
	typeIdents  map[string]bool
	lists       map[string]bool // multi-target wrappers on the left of assignments
	skip        map[string]bool // subtrees never walked (imports)

	// callSelectors are calls whose node carries the receiver and method name
	// itself (Java method_invocation, PHP member_call_expression).
	callSelectors  map[string]selectorFields
	functionValues map[string]bool
	fileScope      func(path string, root *tree_sitter.Node, content []byte) string
	visibility     func(n *tree_sitter.Node, name string, content []byte) types.Visibility
}

// treeSitterExtractor runs a languageSpec over tree-sitter parse trees.
// Parsers are not goroutine safe, so each Extract borrows one from a pool.
type treeSitterExtractor struct {
	spec     *languageSpec
	language *tree_sitter.Language
	parsers  chan *tree_sitter.Parser
}

func newTreeSitterExtractor(spec *languageSpec) *treeSitterExtractor {
	return &treeSitterExtractor{
		spec:     spec,
		language: tree_sitter.NewLanguage(spec.language()),
		parsers:  make(chan *tree_sitter.Parser, runtime.NumCPU()),
	}
}

func (e *treeSitterExtractor) Language() string     { return e.spec.name }
func (e *treeSitterExtractor) Extensions() []string { return e.spec.extensions }

func (e *treeSitterExtractor) acquire() (*tree_sitter.Parser, error) {
	select {
	case p := <-e.parsers:
		return p, nil
	default:
	}
	p := tree_sitter.NewParser()
	if err := p.SetLanguage(e.language); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (e *treeSitterExtractor) release(p *tree_sitter.Parser) {
	select {
	case e.parsers <- p:
	default:
		p.Close()
	}
}

// Close frees pooled parsers.
func (e *treeSitterExtractor) Close() {
	for {
		select {
		case p := <-e.parsers:
			p.Close()
		default:
			return
		}
	}
}

// Extract parses content and walks the tree once, collecting definitions and uses.
func (e *treeSitterExtractor) Extract(ctx context.Context, path string, content []byte) (res *Result, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			debug.LogIndexing("tree-sitter panic in %s: %v", path, r)
			res = nil
			err = symerrors.NewExtractionError(path, e.spec.name, 0, fmt.Errorf("parser panic: %v", r))
		}
	}()

	parser, err := e.acquire()
	if err != nil {
		return nil, symerrors.NewExtractionError(path, e.spec.name, 0, err)
	}
	defer e.release(parser)

	// The C parser may retain or touch the buffer; never hand it caller memory
	buf := make([]byte, len(content))
	copy(buf, content)

	tree := parser.Parse(buf, nil)
	if tree == nil {
		return nil, symerrors.NewExtractionError(path, e.spec.name, 0, errors.New("parser returned no tree"))
	}
	defer tree.Close()

	root := tree.RootNode()
	w := &walker{
		spec:     e.spec,
		path:     path,
		content:  buf,
		consumed: make(map[uint]bool),
	}
	if e.spec.fileScope != nil {
		if s := e.spec.fileScope(path, root, buf); s != "" {
			w.scope = append(w.scope, scopeEntry{qname: s, kind: types.KindModule})
		}
	}
	w.visit(root)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if root.HasError() && len(w.symbols) == 0 && len(buf) > 0 {
		return nil, symerrors.NewExtractionError(path, e.spec.name, 0, errNoSymbols)
	}

	for i := range w.refs {
		w.refs[i].ID = types.NewReferenceID(path, i)
	}
	return &Result{Language: e.spec.name, Symbols: w.symbols, References: w.refs}, nil
}

type scopeEntry struct {
	qname string
	kind  types.SymbolKind
}

type walker struct {
	spec    *languageSpec
	path    string
	content []byte
	scope   []scopeEntry
	// consumed holds start bytes of identifier nodes already recorded as a
	// definition name or a more specific reference.
	consumed map[uint]bool
	symbols  []types.Symbol
	refs     []types.Reference
}

func (w *walker) visit(n *tree_sitter.Node) {
	if n == nil {
		return
	}
	kind := n.Kind()
	if w.spec.skip[kind] {
		return
	}

	pushed := false
	if rule, ok := w.spec.defs[kind]; ok {
		pushed = w.define(n, rule)
	} else if field, ok := w.spec.scopes[kind]; ok {
		if name := w.scopeName(n.ChildByFieldName(field)); name != "" {
			w.scope = append(w.scope, scopeEntry{qname: joinName(w.container(), name), kind: types.KindType})
			pushed = true
		}
	}

	w.reference(n, kind)

	count := n.NamedChildCount()
	for i := uint(0); i < count; i++ {
		w.visit(n.NamedChild(i))
	}

	if pushed {
		w.scope = w.scope[:len(w.scope)-1]
	}
}

func (w *walker) container() string {
	if len(w.scope) == 0 {
		return ""
	}
	return w.scope[len(w.scope)-1].qname
}

func (w *walker) inFunction() bool {
	for _, s := range w.scope {
		if s.kind == types.KindFunction {
			return true
		}
	}
	return false
}

// define records a definition and reports whether it opened a scope.
func (w *walker) define(n *tree_sitter.Node, rule defRule) bool {
	if rule.outsideFunctions && w.inFunction() {
		return false
	}
	if rule.needsField != "" && n.ChildByFieldName(rule.needsField) == nil {
		return false
	}
	var nameNode *tree_sitter.Node
	if rule.name != nil {
		nameNode = rule.name(n)
	} else {
		nameNode = n.ChildByFieldName(rule.nameField)
	}
	if nameNode == nil || (rule.nameMustBe != "" && nameNode.Kind() != rule.nameMustBe) {
		return false
	}
	name := nameNode.Utf8Text(w.content)
	if name == "" {
		return false
	}

	kind := rule.kind
	if rule.functionValue {
		if v := n.ChildByFieldName("value"); v != nil && w.spec.functionValues[v.Kind()] {
			kind = types.KindFunction
		}
	}
	if rule.kindOf != nil {
		kind = rule.kindOf(n, kind)
	}

	container := w.container()
	if rule.receiver != nil {
		if recv := rule.receiver(n, w.content); recv != "" {
			container = joinName(container, recv)
		}
	}
	qname := joinName(container, name)
	span := spanOf(n)

	vis := types.VisibilityPrivate
	if w.spec.visibility != nil {
		vis = w.spec.visibility(n, name, w.content)
	}

	w.consumed[nameNode.StartByte()] = true
	w.symbols = append(w.symbols, types.Symbol{
		ID:            types.NewSymbolID(w.path, qname, kind, span),
		Name:          name,
		QualifiedName: qname,
		Kind:          kind,
		Visibility:    vis,
		Path:          w.path,
		Span:          span,
		NameSpan:      spanOf(nameNode),
		Container:     container,
		Signature:     signature(n, w.content),
		Language:      w.spec.name,
	})

	w.scope = append(w.scope, scopeEntry{qname: qname, kind: kind})
	return true
}

func (w *walker) reference(n *tree_sitter.Node, kind string) {
	switch {
	case w.spec.calls[kind] != "":
		w.refTo(n.ChildByFieldName(w.spec.calls[kind]), types.RefCall)
	case w.spec.assignments[kind] != "":
		w.writeTargets(n.ChildByFieldName(w.spec.assignments[kind]))
	case w.spec.identifiers[kind]:
		w.addRef(n, "", types.RefRead)
	case w.spec.typeIdents[kind]:
		w.addRef(n, "", types.RefTypeUse)
	default:
		if f, ok := w.spec.callSelectors[kind]; ok {
			w.qualified(n, f, types.RefCall)
		} else if _, ok := w.spec.selectors[kind]; ok {
			w.refTo(n, types.RefRead)
		} else if f, ok := w.spec.qualTypes[kind]; ok {
			w.qualified(n, f, types.RefTypeUse)
		}
	}
}

// refTo records a use of the entity named by n, which may be a bare
// identifier or a member/selector expression.
func (w *walker) refTo(n *tree_sitter.Node, kind types.ReferenceKind) {
	if n == nil {
		return
	}
	k := n.Kind()
	switch {
	case w.spec.identifiers[k] || w.spec.typeIdents[k]:
		w.addRef(n, "", kind)
	default:
		if f, ok := w.spec.selectors[k]; ok {
			w.qualified(n, f, kind)
		} else if f, ok := w.spec.qualTypes[k]; ok {
			w.qualified(n, f, kind)
		}
	}
}

func (w *walker) qualified(n *tree_sitter.Node, f selectorFields, kind types.ReferenceKind) {
	prop := n.ChildByFieldName(f.property)
	if prop == nil {
		return
	}
	w.addRef(prop, w.qualifierText(n.ChildByFieldName(f.object)), kind)
}

// qualifierText reduces the object side of a member access to its last
// simple name: a.b.c qualifies c with "b".
func (w *walker) qualifierText(obj *tree_sitter.Node) string {
	if obj == nil {
		return ""
	}
	k := obj.Kind()
	if f, ok := w.spec.selectors[k]; ok {
		return w.qualifierText(obj.ChildByFieldName(f.property))
	}
	if f, ok := w.spec.qualTypes[k]; ok {
		return w.qualifierText(obj.ChildByFieldName(f.property))
	}
	text := obj.Utf8Text(w.content)
	if strings.ContainsAny(text, "()[]{} \t\n\"'") {
		return ""
	}
	return text
}

func (w *walker) writeTargets(n *tree_sitter.Node) {
	if n == nil {
		return
	}
	if w.spec.lists[n.Kind()] {
		count := n.NamedChildCount()
		for i := uint(0); i < count; i++ {
			w.writeTargets(n.NamedChild(i))
		}
		return
	}
	w.refTo(n, types.RefWrite)
}

func (w *walker) addRef(n *tree_sitter.Node, qualifier string, kind types.ReferenceKind) {
	start := n.StartByte()
	if w.consumed[start] {
		return
	}
	name := n.Utf8Text(w.content)
	if name == "" {
		return
	}
	w.consumed[start] = true
	w.refs = append(w.refs, types.Reference{
		Target:    types.Target{Name: name, Qualifier: qualifier},
		Kind:      kind,
		Path:      w.path,
		Span:      spanOf(n),
		Container: w.container(),
	})
}

func (w *walker) scopeName(n *tree_sitter.Node) string {
	if n == nil {
		return ""
	}
	// impl<T> Foo<T> scopes under Foo
	if t := n.ChildByFieldName("type"); t != nil && n.Kind() == "generic_type" {
		n = t
	}
	return n.Utf8Text(w.content)
}

func joinName(container, name string) string {
	if container == "" {
		return name
	}
	return container + "." + name
}

func spanOf(n *tree_sitter.Node) types.Span {
	s, e := n.StartPosition(), n.EndPosition()
	return types.Span{
		Start: types.Position{Line: int(s.Row) + 1, Column: int(s.Column)},
		End:   types.Position{Line: int(e.Row) + 1, Column: int(e.Column)},
	}
}

func signature(n *tree_sitter.Node, content []byte) string {
	start, end := n.StartByte(), n.EndByte()
	if end > uint(len(content)) || start >= end {
		return ""
	}
	text := content[start:end]
	if i := strings.IndexByte(string(text), '\n'); i >= 0 {
		text = text[:i]
	}
	sig := strings.TrimSpace(string(text))
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

func set(kinds ...string) map[string]bool {
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}
