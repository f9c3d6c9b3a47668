package extract

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"github.com/standardbeagle/symvead/internal/types"
)

// NewGoExtractor returns the Go adapter. Top-level names are qualified by
// the package clause so fmt.Println resolves through the suffix rule.
func NewGoExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "go",
		extensions: []string{".go"},
		language:   tree_sitter_go.Language,
		defs: map[string]defRule{
			"function_declaration": {kind: types.KindFunction, nameField: "name"},
			"method_declaration":   {kind: types.KindFunction, nameField: "name", receiver: goReceiver},
			"method_elem":          {kind: types.KindFunction, nameField: "name"},
			"type_spec":            {kind: types.KindType, nameField: "name"},
			"type_alias":           {kind: types.KindType, nameField: "name"},
			"const_spec":           {kind: types.KindVariable, nameField: "name"},
			"var_spec":             {kind: types.KindVariable, nameField: "name"},
			"field_declaration":    {kind: types.KindVariable, nameField: "name"},
		},
		calls: map[string]string{"call_expression": "function"},
		assignments: map[string]string{
			"assignment_statement":  "left",
			"short_var_declaration": "left",
		},
		selectors:   map[string]selectorFields{"selector_expression": {object: "operand", property: "field"}},
		qualTypes:   map[string]selectorFields{"qualified_type": {object: "package", property: "name"}},
		identifiers: set("identifier"),
		typeIdents:  set("type_identifier"),
		lists:       set("expression_list"),
		skip:        set("import_declaration", "package_clause", "comment"),
		fileScope:   goPackage,
		visibility: func(_ *tree_sitter.Node, name string, _ []byte) types.Visibility {
			r, _ := utf8.DecodeRuneInString(name)
			if unicode.IsUpper(r) {
				return types.VisibilityPublic
			}
			return types.VisibilityPrivate
		},
	})
}

func goPackage(_ string, root *tree_sitter.Node, content []byte) string {
	count := root.NamedChildCount()
	for i := uint(0); i < count; i++ {
		c := root.NamedChild(i)
		if c.Kind() != "package_clause" {
			continue
		}
		if id := findFirst(c, "package_identifier"); id != nil {
			return id.Utf8Text(content)
		}
	}
	return ""
}

// goReceiver names the receiver type of a method: func (s *Server) Run() -> "Server".
func goReceiver(n *tree_sitter.Node, content []byte) string {
	recv := n.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	if t := findFirst(recv, "type_identifier"); t != nil {
		return t.Utf8Text(content)
	}
	return ""
}

// NewPythonExtractor returns the Python adapter. Names are qualified by the
// module name derived from the file path.
func NewPythonExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "python",
		extensions: []string{".py", ".pyi"},
		language:   tree_sitter_python.Language,
		defs: map[string]defRule{
			"function_definition": {kind: types.KindFunction, nameField: "name"},
			"class_definition":    {kind: types.KindType, nameField: "name"},
			"assignment": {
				kind:             types.KindVariable,
				nameField:        "left",
				nameMustBe:       "identifier",
				outsideFunctions: true,
			},
		},
		calls: map[string]string{"call": "function"},
		assignments: map[string]string{
			"assignment":           "left",
			"augmented_assignment": "left",
		},
		selectors:   map[string]selectorFields{"attribute": {object: "object", property: "attribute"}},
		identifiers: set("identifier"),
		lists:       set("pattern_list", "tuple_pattern", "list_pattern"),
		skip:        set("import_statement", "import_from_statement", "future_import_statement", "comment"),
		fileScope: func(path string, _ *tree_sitter.Node, _ []byte) string {
			module := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			if module == "__init__" {
				module = filepath.Base(filepath.Dir(path))
			}
			return module
		},
		visibility: func(_ *tree_sitter.Node, name string, _ []byte) types.Visibility {
			dunder := strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
			if strings.HasPrefix(name, "_") && !dunder {
				return types.VisibilityPrivate
			}
			return types.VisibilityPublic
		},
	})
}

var jsDefs = map[string]defRule{
	"function_declaration":           {kind: types.KindFunction, nameField: "name"},
	"generator_function_declaration": {kind: types.KindFunction, nameField: "name"},
	"class_declaration":              {kind: types.KindType, nameField: "name"},
	"method_definition":              {kind: types.KindFunction, nameField: "name"},
	"field_definition":               {kind: types.KindVariable, nameField: "property"},
	"variable_declarator": {
		kind:          types.KindVariable,
		nameField:     "name",
		nameMustBe:    "identifier",
		functionValue: true,
	},
}

func jsSpec(name string, extensions []string, language func() unsafe.Pointer) *languageSpec {
	return &languageSpec{
		name:       name,
		extensions: extensions,
		language:   language,
		defs:       jsDefs,
		calls: map[string]string{
			"call_expression": "function",
			"new_expression":  "constructor",
		},
		assignments: map[string]string{
			"assignment_expression":           "left",
			"augmented_assignment_expression": "left",
		},
		selectors:      map[string]selectorFields{"member_expression": {object: "object", property: "property"}},
		identifiers:    set("identifier", "shorthand_property_identifier"),
		skip:           set("import_statement", "comment"),
		functionValues: set("arrow_function", "function_expression", "function", "generator_function"),
		visibility:     jsVisibility,
	}
}

// NewJavaScriptExtractor returns the JavaScript (and JSX) adapter.
func NewJavaScriptExtractor() Extractor {
	return newTreeSitterExtractor(jsSpec("javascript", []string{".js", ".jsx", ".mjs", ".cjs"}, tree_sitter_javascript.Language))
}

func tsSpec(name string, extensions []string, language func() unsafe.Pointer) *languageSpec {
	spec := jsSpec(name, extensions, language)
	defs := make(map[string]defRule, len(jsDefs)+10)
	for k, v := range jsDefs {
		defs[k] = v
	}
	for k, v := range map[string]defRule{
		"abstract_class_declaration": {kind: types.KindType, nameField: "name"},
		"interface_declaration":      {kind: types.KindType, nameField: "name"},
		"type_alias_declaration":     {kind: types.KindType, nameField: "name"},
		"enum_declaration":           {kind: types.KindType, nameField: "name"},
		"function_signature":         {kind: types.KindFunction, nameField: "name"},
		"method_signature":           {kind: types.KindFunction, nameField: "name"},
		"abstract_method_signature":  {kind: types.KindFunction, nameField: "name"},
		"public_field_definition":    {kind: types.KindVariable, nameField: "name"},
		"property_signature":         {kind: types.KindVariable, nameField: "name"},
		"internal_module":            {kind: types.KindModule, nameField: "name"},
		"module":                     {kind: types.KindModule, nameField: "name"},
	} {
		defs[k] = v
	}
	spec.defs = defs
	spec.typeIdents = set("type_identifier")
	spec.qualTypes = map[string]selectorFields{"nested_type_identifier": {object: "module", property: "name"}}
	return spec
}

// NewTypeScriptExtractor returns the TypeScript adapter.
func NewTypeScriptExtractor() Extractor {
	return newTreeSitterExtractor(tsSpec("typescript", []string{".ts", ".mts", ".cts"}, tree_sitter_typescript.LanguageTypescript))
}

// NewTSXExtractor returns the TSX adapter, which needs its own grammar.
func NewTSXExtractor() Extractor {
	return newTreeSitterExtractor(tsSpec("tsx", []string{".tsx"}, tree_sitter_typescript.LanguageTSX))
}

func jsVisibility(n *tree_sitter.Node, name string, content []byte) types.Visibility {
	// export function f / export const f = ... / export class C
	p := n.Parent()
	for depth := 0; p != nil && depth < 3; depth++ {
		switch p.Kind() {
		case "export_statement":
			return types.VisibilityPublic
		case "class_body":
			if strings.HasPrefix(name, "#") || strings.HasPrefix(name, "_") {
				return types.VisibilityPrivate
			}
			if mod := findChild(n, "accessibility_modifier"); mod != nil {
				if text := mod.Utf8Text(content); text == "private" || text == "protected" {
					return types.VisibilityPrivate
				}
			}
			return types.VisibilityPublic
		case "program", "statement_block":
			return types.VisibilityPrivate
		}
		p = p.Parent()
	}
	return types.VisibilityPrivate
}

// NewRustExtractor returns the Rust adapter. Methods inside impl blocks are
// qualified by the implementing type.
func NewRustExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "rust",
		extensions: []string{".rs"},
		language:   tree_sitter_rust.Language,
		defs: map[string]defRule{
			"function_item":           {kind: types.KindFunction, nameField: "name"},
			"function_signature_item": {kind: types.KindFunction, nameField: "name"},
			"macro_definition":        {kind: types.KindFunction, nameField: "name"},
			"struct_item":             {kind: types.KindType, nameField: "name"},
			"enum_item":               {kind: types.KindType, nameField: "name"},
			"union_item":              {kind: types.KindType, nameField: "name"},
			"trait_item":              {kind: types.KindType, nameField: "name"},
			"type_item":               {kind: types.KindType, nameField: "name"},
			"const_item":              {kind: types.KindVariable, nameField: "name"},
			"static_item":             {kind: types.KindVariable, nameField: "name"},
			"field_declaration":       {kind: types.KindVariable, nameField: "name"},
			"enum_variant":            {kind: types.KindOther, nameField: "name"},
			"mod_item":                {kind: types.KindModule, nameField: "name"},
		},
		scopes: map[string]string{"impl_item": "type"},
		calls: map[string]string{
			"call_expression":  "function",
			"macro_invocation": "macro",
		},
		assignments: map[string]string{
			"assignment_expression":    "left",
			"compound_assignment_expr": "left",
		},
		selectors: map[string]selectorFields{
			"field_expression":  {object: "value", property: "field"},
			"scoped_identifier": {object: "path", property: "name"},
		},
		qualTypes:   map[string]selectorFields{"scoped_type_identifier": {object: "path", property: "name"}},
		identifiers: set("identifier"),
		typeIdents:  set("type_identifier"),
		lists:       set("tuple_expression"),
		skip:        set("use_declaration", "attribute_item", "inner_attribute_item", "line_comment", "block_comment"),
		visibility: func(n *tree_sitter.Node, _ string, _ []byte) types.Visibility {
			if findChild(n, "visibility_modifier") != nil {
				return types.VisibilityPublic
			}
			return types.VisibilityPrivate
		},
	})
}

// findChild returns the first direct named child of the given kind.
func findChild(n *tree_sitter.Node, kind string) *tree_sitter.Node {
	count := n.NamedChildCount()
	for i := uint(0); i < count; i++ {
		if c := n.NamedChild(i); c.Kind() == kind {
			return c
		}
	}
	return nil
}

// findFirst searches n's subtree depth-first for a node of the given kind.
func findFirst(n *tree_sitter.Node, kind string) *tree_sitter.Node {
	if n.Kind() == kind {
		return n
	}
	count := n.NamedChildCount()
	for i := uint(0); i < count; i++ {
		if found := findFirst(n.NamedChild(i), kind); found != nil {
			return found
		}
	}
	return nil
}
