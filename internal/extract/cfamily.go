package extract

import (
	"path/filepath"
	"strings"

	tree_sitter_zig "github.com/tree-sitter-grammars/tree-sitter-zig/bindings/go"
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_csharp "github.com/tree-sitter/tree-sitter-c-sharp/bindings/go"
	tree_sitter_cpp "github.com/tree-sitter/tree-sitter-cpp/bindings/go"
	tree_sitter_java "github.com/tree-sitter/tree-sitter-java/bindings/go"
	tree_sitter_php "github.com/tree-sitter/tree-sitter-php/bindings/go"

	"github.com/standardbeagle/symvead/internal/types"
)

// NewJavaExtractor returns the Java adapter. Names are qualified by the
// package declaration.
func NewJavaExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "java",
		extensions: []string{".java"},
		language:   tree_sitter_java.Language,
		defs: map[string]defRule{
			"class_declaration":           {kind: types.KindType, nameField: "name"},
			"record_declaration":          {kind: types.KindType, nameField: "name"},
			"interface_declaration":       {kind: types.KindType, nameField: "name"},
			"enum_declaration":            {kind: types.KindType, nameField: "name"},
			"annotation_type_declaration": {kind: types.KindType, nameField: "name"},
			"method_declaration":          {kind: types.KindFunction, nameField: "name"},
			"constructor_declaration":     {kind: types.KindFunction, nameField: "name"},
			"enum_constant":               {kind: types.KindVariable, nameField: "name"},
			"field_declaration":           {kind: types.KindVariable, name: declaratorField("name")},
			"constant_declaration":        {kind: types.KindVariable, name: declaratorField("name")},
		},
		calls: map[string]string{"object_creation_expression": "type"},
		callSelectors: map[string]selectorFields{
			"method_invocation": {object: "object", property: "name"},
		},
		assignments: map[string]string{"assignment_expression": "left"},
		selectors:   map[string]selectorFields{"field_access": {object: "object", property: "field"}},
		identifiers: set("identifier"),
		typeIdents:  set("type_identifier"),
		skip:        set("import_declaration", "package_declaration", "line_comment", "block_comment"),
		fileScope: func(_ string, root *tree_sitter.Node, content []byte) string {
			if pkg := findChild(root, "package_declaration"); pkg != nil && pkg.NamedChildCount() > 0 {
				return pkg.NamedChild(0).Utf8Text(content)
			}
			return ""
		},
		visibility: modifierVisibility("public", "protected"),
	})
}

// NewCSharpExtractor returns the C# adapter.
func NewCSharpExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "csharp",
		extensions: []string{".cs"},
		language:   tree_sitter_csharp.Language,
		defs: map[string]defRule{
			"class_declaration":                 {kind: types.KindType, nameField: "name"},
			"interface_declaration":             {kind: types.KindType, nameField: "name"},
			"struct_declaration":                {kind: types.KindType, nameField: "name"},
			"record_declaration":                {kind: types.KindType, nameField: "name"},
			"enum_declaration":                  {kind: types.KindType, nameField: "name"},
			"delegate_declaration":              {kind: types.KindType, nameField: "name"},
			"method_declaration":                {kind: types.KindFunction, nameField: "name"},
			"constructor_declaration":           {kind: types.KindFunction, nameField: "name"},
			"property_declaration":              {kind: types.KindVariable, nameField: "name"},
			"enum_member_declaration":           {kind: types.KindVariable, nameField: "name"},
			"field_declaration":                 {kind: types.KindVariable, name: csharpFieldName},
			"event_field_declaration":           {kind: types.KindVariable, name: csharpFieldName},
			"namespace_declaration":             {kind: types.KindModule, nameField: "name"},
			"file_scoped_namespace_declaration": {kind: types.KindModule, nameField: "name"},
		},
		calls: map[string]string{
			"invocation_expression":      "function",
			"object_creation_expression": "type",
		},
		assignments: map[string]string{"assignment_expression": "left"},
		selectors:   map[string]selectorFields{"member_access_expression": {object: "expression", property: "name"}},
		qualTypes:   map[string]selectorFields{"qualified_name": {object: "qualifier", property: "name"}},
		identifiers: set("identifier"),
		skip:        set("using_directive", "comment"),
		visibility:  modifierVisibility("public", "internal", "protected"),
	})
}

// csharpFieldName digs the first declarator out of
// field_declaration > variable_declaration > variable_declarator.
func csharpFieldName(n *tree_sitter.Node) *tree_sitter.Node {
	decl := findChild(n, "variable_declaration")
	if decl == nil {
		return nil
	}
	v := findChild(decl, "variable_declarator")
	if v == nil {
		return nil
	}
	if name := v.ChildByFieldName("name"); name != nil {
		return name
	}
	return findChild(v, "identifier")
}

// NewCppExtractor returns the C and C++ adapter; one grammar parses both.
// Out-of-line member definitions (void Foo::bar()) are qualified by their
// class.
func NewCppExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "cpp",
		extensions: []string{".c", ".h", ".cc", ".cpp", ".cxx", ".hh", ".hpp", ".hxx"},
		language:   tree_sitter_cpp.Language,
		defs: map[string]defRule{
			"function_definition": {kind: types.KindFunction, name: cDeclaratorName, receiver: cppScope},
			"declaration": {
				kind:             types.KindVariable,
				name:             cDeclaratorName,
				kindOf:           cDeclarationKind,
				outsideFunctions: true,
			},
			"field_declaration":    {kind: types.KindVariable, name: cDeclaratorName, kindOf: cDeclarationKind},
			"type_definition":      {kind: types.KindType, name: cDeclaratorName},
			"class_specifier":      {kind: types.KindType, nameField: "name", needsField: "body"},
			"struct_specifier":     {kind: types.KindType, nameField: "name", needsField: "body"},
			"union_specifier":      {kind: types.KindType, nameField: "name", needsField: "body"},
			"enum_specifier":       {kind: types.KindType, nameField: "name", needsField: "body"},
			"enumerator":           {kind: types.KindVariable, nameField: "name"},
			"namespace_definition": {kind: types.KindModule, nameField: "name"},
		},
		calls:       map[string]string{"call_expression": "function"},
		assignments: map[string]string{"assignment_expression": "left"},
		selectors: map[string]selectorFields{
			"field_expression":     {object: "argument", property: "field"},
			"qualified_identifier": {object: "scope", property: "name"},
		},
		identifiers: set("identifier"),
		typeIdents:  set("type_identifier"),
		skip:        set("preproc_include", "using_declaration", "comment"),
		visibility: func(n *tree_sitter.Node, _ string, content []byte) types.Visibility {
			count := n.NamedChildCount()
			for i := uint(0); i < count; i++ {
				c := n.NamedChild(i)
				if c.Kind() == "storage_class_specifier" && c.Utf8Text(content) == "static" {
					return types.VisibilityPrivate
				}
			}
			return types.VisibilityPublic
		},
	})
}

// cDeclaratorName follows the declarator chain (pointer, reference, init
// and function declarators) down to the declared name.
func cDeclaratorName(n *tree_sitter.Node) *tree_sitter.Node {
	d := n.ChildByFieldName("declarator")
	for d != nil {
		switch d.Kind() {
		case "identifier", "field_identifier", "type_identifier", "destructor_name", "operator_name":
			return d
		case "qualified_identifier":
			d = d.ChildByFieldName("name")
		default:
			d = d.ChildByFieldName("declarator")
		}
	}
	return nil
}

// cDeclarationKind makes prototypes and method declarations functions.
func cDeclarationKind(n *tree_sitter.Node, kind types.SymbolKind) types.SymbolKind {
	for d := n.ChildByFieldName("declarator"); d != nil; d = d.ChildByFieldName("declarator") {
		if d.Kind() == "function_declarator" {
			return types.KindFunction
		}
	}
	return kind
}

// cppScope returns Foo for an out-of-line definition of Foo::bar.
func cppScope(n *tree_sitter.Node, content []byte) string {
	for d := n.ChildByFieldName("declarator"); d != nil; d = d.ChildByFieldName("declarator") {
		if d.Kind() != "qualified_identifier" {
			continue
		}
		scope := d.ChildByFieldName("scope")
		if scope == nil {
			return ""
		}
		// Foo<T>::bar scopes under Foo
		if t := scope.ChildByFieldName("name"); t != nil && scope.Kind() == "template_type" {
			scope = t
		}
		return strings.ReplaceAll(scope.Utf8Text(content), "::", ".")
	}
	return ""
}

// NewPHPExtractor returns the PHP adapter. A braceless namespace statement
// qualifies every name in the file.
func NewPHPExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "php",
		extensions: []string{".php", ".phtml"},
		language:   tree_sitter_php.LanguagePHP,
		defs: map[string]defRule{
			"class_declaration":     {kind: types.KindType, nameField: "name"},
			"interface_declaration": {kind: types.KindType, nameField: "name"},
			"trait_declaration":     {kind: types.KindType, nameField: "name"},
			"enum_declaration":      {kind: types.KindType, nameField: "name"},
			"function_definition":   {kind: types.KindFunction, nameField: "name"},
			"method_declaration":    {kind: types.KindFunction, nameField: "name"},
			"property_element":      {kind: types.KindVariable, name: fieldOrChild("name", "variable_name")},
			"namespace_definition":  {kind: types.KindModule, nameField: "name", needsField: "body"},
		},
		calls: map[string]string{"function_call_expression": "function"},
		callSelectors: map[string]selectorFields{
			"member_call_expression":          {object: "object", property: "name"},
			"nullsafe_member_call_expression": {object: "object", property: "name"},
			"scoped_call_expression":          {object: "scope", property: "name"},
		},
		assignments: map[string]string{"assignment_expression": "left"},
		selectors:   map[string]selectorFields{"member_access_expression": {object: "object", property: "name"}},
		identifiers: set("name"),
		skip:        set("namespace_use_declaration", "comment", "php_tag"),
		fileScope: func(_ string, root *tree_sitter.Node, content []byte) string {
			ns := findChild(root, "namespace_definition")
			if ns == nil || ns.ChildByFieldName("body") != nil {
				return ""
			}
			if name := ns.ChildByFieldName("name"); name != nil {
				return strings.ReplaceAll(strings.Trim(name.Utf8Text(content), `\`), `\`, ".")
			}
			return ""
		},
		visibility: func(n *tree_sitter.Node, _ string, content []byte) types.Visibility {
			if n.Kind() == "property_element" {
				n = n.Parent()
			}
			if n == nil {
				return types.VisibilityPublic
			}
			if mod := findChild(n, "visibility_modifier"); mod != nil && mod.Utf8Text(content) != "public" {
				return types.VisibilityPrivate
			}
			return types.VisibilityPublic
		},
	})
}

// NewZigExtractor returns the Zig adapter. `const Foo = struct {...}`
// defines a type; other top-level constants and variables are variables.
func NewZigExtractor() Extractor {
	return newTreeSitterExtractor(&languageSpec{
		name:       "zig",
		extensions: []string{".zig"},
		language:   tree_sitter_zig.Language,
		defs: map[string]defRule{
			"function_declaration": {kind: types.KindFunction, name: firstIdentifier},
			"variable_declaration": {
				kind:             types.KindVariable,
				name:             firstIdentifier,
				outsideFunctions: true,
				kindOf: func(n *tree_sitter.Node, kind types.SymbolKind) types.SymbolKind {
					for _, k := range []string{"struct_declaration", "union_declaration", "enum_declaration", "opaque_declaration"} {
						if findChild(n, k) != nil {
							return types.KindType
						}
					}
					return kind
				},
			},
		},
		calls:       map[string]string{"call_expression": "function"},
		assignments: map[string]string{"assignment_expression": "left"},
		selectors:   map[string]selectorFields{"field_expression": {object: "object", property: "member"}},
		identifiers: set("identifier"),
		skip:        set("comment"),
		fileScope: func(path string, _ *tree_sitter.Node, _ []byte) string {
			return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		},
		visibility: func(n *tree_sitter.Node, _ string, _ []byte) types.Visibility {
			count := n.ChildCount()
			for i := uint(0); i < count; i++ {
				if n.Child(i).Kind() == "pub" {
					return types.VisibilityPublic
				}
			}
			return types.VisibilityPrivate
		},
	})
}

// fieldOrChild prefers the named field and falls back to the first child
// of the given kind, for grammar versions that leave the field unnamed.
func fieldOrChild(field, kind string) func(*tree_sitter.Node) *tree_sitter.Node {
	return func(n *tree_sitter.Node) *tree_sitter.Node {
		if c := n.ChildByFieldName(field); c != nil {
			return c
		}
		return findChild(n, kind)
	}
}

func firstIdentifier(n *tree_sitter.Node) *tree_sitter.Node {
	return findChild(n, "identifier")
}

// declaratorField returns the named field of the node's first declarator
// (Java: field_declaration > variable_declarator > name).
func declaratorField(field string) func(*tree_sitter.Node) *tree_sitter.Node {
	return func(n *tree_sitter.Node) *tree_sitter.Node {
		d := n.ChildByFieldName("declarator")
		if d == nil {
			return nil
		}
		return d.ChildByFieldName(field)
	}
}

// modifierVisibility treats a declaration as public when its modifier list
// carries one of the given keywords. Java wraps keywords in a modifiers
// node; C# lists each modifier as its own child.
func modifierVisibility(public ...string) func(*tree_sitter.Node, string, []byte) types.Visibility {
	return func(n *tree_sitter.Node, _ string, content []byte) types.Visibility {
		count := n.ChildCount()
		for i := uint(0); i < count; i++ {
			c := n.Child(i)
			switch c.Kind() {
			case "modifiers", "modifier":
				for _, word := range strings.Fields(c.Utf8Text(content)) {
					for _, p := range public {
						if word == p {
							return types.VisibilityPublic
						}
					}
				}
			}
		}
		return types.VisibilityPrivate
	}
}
