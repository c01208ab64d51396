package templates

// BuiltinSource marks templates shipped with the binary.
const BuiltinSource = "builtin"

func identifierParam(name, description string) Param {
	return Param{Name: name, Description: description, Kind: KindIdentifier, Required: true}
}

// Builtins returns the built-in template set. Each call returns fresh,
// validated copies.
func Builtins() []*Template {
	defs := []*Template{
		{
			Name:        "function_definition",
			Description: "Find function definitions by name.",
			Anchor:      "function_name",
			Params:      []Param{identifierParam("function_name", "Name of the function to find")},
			Patterns: map[string][]string{
				"python": {
					"def {{.function_name}}($$$PARAMS): $$$BODY",
					"def {{.function_name}}($$$PARAMS) -> $RET: $$$BODY",
					"async def {{.function_name}}($$$PARAMS): $$$BODY",
					"async def {{.function_name}}($$$PARAMS) -> $RET: $$$BODY",
				},
				"go": {
					"func {{.function_name}}($$$PARAMS) { $$$BODY }",
					"func {{.function_name}}($$$PARAMS) $RET { $$$BODY }",
					"func ($RECV) {{.function_name}}($$$PARAMS) { $$$BODY }",
					"func ($RECV) {{.function_name}}($$$PARAMS) $RET { $$$BODY }",
				},
				"javascript": {
					"function {{.function_name}}($$$PARAMS) { $$$BODY }",
					"async function {{.function_name}}($$$PARAMS) { $$$BODY }",
					"const {{.function_name}} = ($$$PARAMS) => $BODY",
				},
				"typescript": {
					"function {{.function_name}}($$$PARAMS) { $$$BODY }",
					"function {{.function_name}}($$$PARAMS): $RET { $$$BODY }",
					"async function {{.function_name}}($$$PARAMS) { $$$BODY }",
					"const {{.function_name}} = ($$$PARAMS) => $BODY",
				},
				"rust": {
					"fn {{.function_name}}($$$PARAMS) { $$$BODY }",
					"fn {{.function_name}}($$$PARAMS) -> $RET { $$$BODY }",
					"pub fn {{.function_name}}($$$PARAMS) { $$$BODY }",
					"pub fn {{.function_name}}($$$PARAMS) -> $RET { $$$BODY }",
				},
				"java": {
					"$RET {{.function_name}}($$$PARAMS) { $$$BODY }",
				},
				"ruby": {
					"def {{.function_name}}($$$PARAMS)\n  $$$BODY\nend",
				},
				"php": {
					"function {{.function_name}}($$$PARAMS) { $$$BODY }",
				},
			},
		},
		{
			Name:        "class_definition",
			Description: "Find class, struct, interface or trait definitions by name.",
			Anchor:      "class_name",
			Params:      []Param{identifierParam("class_name", "Name of the type to find")},
			Patterns: map[string][]string{
				"python": {
					"class {{.class_name}}: $$$BODY",
					"class {{.class_name}}($$$BASES): $$$BODY",
				},
				"javascript": {
					"class {{.class_name}} { $$$BODY }",
					"class {{.class_name}} extends $BASE { $$$BODY }",
				},
				"typescript": {
					"class {{.class_name}} { $$$BODY }",
					"class {{.class_name}} extends $BASE { $$$BODY }",
					"interface {{.class_name}} { $$$BODY }",
				},
				"java": {
					"class {{.class_name}} { $$$BODY }",
					"interface {{.class_name}} { $$$BODY }",
				},
				"go": {
					"type {{.class_name}} struct { $$$FIELDS }",
					"type {{.class_name}} interface { $$$METHODS }",
				},
				"rust": {
					"struct {{.class_name}} { $$$FIELDS }",
					"enum {{.class_name}} { $$$VARIANTS }",
					"trait {{.class_name}} { $$$BODY }",
				},
				"ruby": {
					"class {{.class_name}}\n  $$$BODY\nend",
				},
				"php": {
					"class {{.class_name}} { $$$BODY }",
				},
			},
		},
		{
			Name:        "function_call",
			Description: "Find call sites of a function by name.",
			Anchor:      "function_name",
			Params:      []Param{identifierParam("function_name", "Name of the called function")},
			Patterns: map[string][]string{
				"python":     {"{{.function_name}}($$$ARGS)"},
				"go":         {"{{.function_name}}($$$ARGS)"},
				"javascript": {"{{.function_name}}($$$ARGS)"},
				"typescript": {"{{.function_name}}($$$ARGS)"},
				"rust":       {"{{.function_name}}($$$ARGS)"},
				"java":       {"{{.function_name}}($$$ARGS)"},
				"c":          {"{{.function_name}}($$$ARGS)"},
				"cpp":        {"{{.function_name}}($$$ARGS)"},
				"ruby":       {"{{.function_name}}($$$ARGS)"},
				"php":        {"{{.function_name}}($$$ARGS)"},
			},
		},
		{
			Name:        "method_call",
			Description: "Find method calls by method name on any receiver.",
			Anchor:      "method_name",
			Params:      []Param{identifierParam("method_name", "Name of the called method")},
			Patterns: map[string][]string{
				"python":     {"$RECV.{{.method_name}}($$$ARGS)"},
				"go":         {"$RECV.{{.method_name}}($$$ARGS)"},
				"javascript": {"$RECV.{{.method_name}}($$$ARGS)"},
				"typescript": {"$RECV.{{.method_name}}($$$ARGS)"},
				"rust":       {"$RECV.{{.method_name}}($$$ARGS)"},
				"java":       {"$RECV.{{.method_name}}($$$ARGS)"},
				"ruby":       {"$RECV.{{.method_name}}($$$ARGS)"},
			},
		},
		{
			Name:        "import_statement",
			Description: "Find imports of a module or package.",
			Anchor:      "module",
			Params: []Param{{
				Name:        "module",
				Description: "Module or package path as written in the import",
				Kind:        KindModule,
				Required:    true,
			}},
			Patterns: map[string][]string{
				"python": {
					"import {{.module}}",
					"import {{.module}} as $ALIAS",
					"from {{.module}} import $$$NAMES",
				},
				"go": {
					`import "{{.module}}"`,
					`import $ALIAS "{{.module}}"`,
				},
				"javascript": {
					`import $$$ from "{{.module}}"`,
					`import $$$ from '{{.module}}'`,
					`require("{{.module}}")`,
					`require('{{.module}}')`,
				},
				"typescript": {
					`import $$$ from "{{.module}}"`,
					`import $$$ from '{{.module}}'`,
				},
				"rust": {
					"use {{.module}};",
				},
				"java": {
					"import {{.module}};",
				},
			},
		},
		{
			Name:        "assignment",
			Description: "Find assignments and declarations of a variable by name.",
			Anchor:      "variable_name",
			Params:      []Param{identifierParam("variable_name", "Name of the assigned variable")},
			Patterns: map[string][]string{
				"python": {"{{.variable_name}} = $VALUE"},
				"go": {
					"{{.variable_name}} := $VALUE",
					"{{.variable_name}} = $VALUE",
					"var {{.variable_name}} = $VALUE",
				},
				"javascript": {
					"const {{.variable_name}} = $VALUE",
					"let {{.variable_name}} = $VALUE",
					"var {{.variable_name}} = $VALUE",
					"{{.variable_name}} = $VALUE",
				},
				"typescript": {
					"const {{.variable_name}} = $VALUE",
					"let {{.variable_name}} = $VALUE",
					"{{.variable_name}} = $VALUE",
				},
				"rust": {
					"let {{.variable_name}} = $VALUE;",
					"let mut {{.variable_name}} = $VALUE;",
				},
			},
		},
	}

	for _, t := range defs {
		t.Source = BuiltinSource
		if err := t.Validate(); err != nil {
			panic(err)
		}
	}
	return defs
}
