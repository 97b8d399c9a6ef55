package skill

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

var dangerousModules = map[string]bool{
	"child_process": true, "cluster": true, "dgram": true, "dns": true, "net": true, "tls": true,
}

var filesystemModules = map[string]bool{
	"fs": true, "fs/promises": true,
}

var sandboxEscapeProps = map[string]bool{
	"constructor": true, "__proto__": true, "prototype": true,
}

var hexLiteral = regexp.MustCompile(`^[0-9a-fA-F]{30,}$`)
var base64Literal = regexp.MustCompile(`^[A-Za-z0-9+/]{50,}={0,2}$`)
var unicodeEscapeLiteral = regexp.MustCompile(`\\u[0-9a-fA-F]{4}`)

func stripNodePrefix(mod string) string {
	return strings.TrimPrefix(mod, "node:")
}

// AnalyzeStatic parses code as an ES module and walks its AST for
// dangerous calls, imports, sandbox-escape vectors, and obfuscated string
// literals, per the fixed vulnerability-type/severity table.
func AnalyzeStatic(code string) StaticResult {
	fset := &file.FileSet{}
	program, err := parser.ParseFile(fset, "skill.js", code, 0)
	if err != nil {
		return StaticResult{
			Severity: SeverityInfo,
			Vulnerabilities: []Vulnerability{{
				Type: "parse_error", Severity: SeverityInfo,
				Message: "Parse error - code may be obfuscated",
			}},
			Patterns: []string{"Parse error - code may be obfuscated"},
		}
	}

	w := &walker{fset: fset}
	w.walk(program)

	return StaticResult{
		Severity:        overallSeverity(w.vulns),
		Vulnerabilities: w.vulns,
		Patterns:        w.patterns,
	}
}

func overallSeverity(vulns []Vulnerability) Severity {
	best := SeverityInfo
	for _, v := range vulns {
		if severityRank[v.Severity] > severityRank[best] {
			best = v.Severity
		}
	}
	return best
}

type walker struct {
	fset     *file.FileSet
	vulns    []Vulnerability
	patterns []string
}

func (w *walker) record(idx file.Idx, typ string, sev Severity, msg string) {
	pos := w.fset.Position(idx)
	w.vulns = append(w.vulns, Vulnerability{Type: typ, Severity: sev, Message: msg, Line: pos.Line, Column: pos.Column})
}

func (w *walker) pattern(p string) {
	w.patterns = append(w.patterns, p)
}

// walk performs a generic, reflection-driven traversal of the AST rooted
// at node, visiting every reachable struct, pointer, interface, and slice
// field. This sidesteps hand-enumerating every statement/expression kind
// goja's grammar produces; node-specific handling lives in visit.
func (w *walker) walk(node any) {
	if node == nil {
		return
	}
	w.visit(node)

	v := reflect.ValueOf(node)
	w.walkValue(v, map[uintptr]bool{})
}

func (w *walker) walkValue(v reflect.Value, seen map[uintptr]bool) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return
		}
		if v.Pointer() != 0 {
			if seen[v.Pointer()] {
				return
			}
			seen[v.Pointer()] = true
		}
		w.walkValue(v.Elem(), seen)
	case reflect.Interface:
		if v.IsNil() {
			return
		}
		elem := v.Elem()
		w.visit(elem.Interface())
		w.walkValue(elem, seen)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if !f.CanInterface() {
				continue
			}
			w.walkValue(f, seen)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walkValue(v.Index(i), seen)
		}
	}
}

// visit inspects one AST node for the fixed set of dangerous constructs.
// Node kinds this build is not certain of the exact field layout for are
// matched defensively by reflected type name rather than a static type
// switch, so an unrecognized grammar addition degrades to "not matched"
// instead of a compile failure.
func (w *walker) visit(node any) {
	if node == nil {
		return
	}
	typeName := reflect.TypeOf(node).String()

	switch n := node.(type) {
	case *ast.CallExpression:
		w.visitCall(n)
	case *ast.NewExpression:
		w.visitNew(n)
	case *ast.DotExpression:
		w.visitDot(n)
	case *ast.StringLiteral:
		w.visitStringLiteral(string(n.Value), n.Literal, n.Idx0())
	case *ast.WithStatement:
		w.record(n.Idx0(), "sandbox_escape", SeverityCritical, "with statement")
		w.pattern("with statement")
	case *ast.ImportDeclaration:
		w.visitImportSource(importDeclSource(n), n.Idx0())
	}

	if strings.Contains(typeName, "Import") && strings.Contains(typeName, "Call") {
		w.record(identIdx(node), "dynamic_import", SeverityCritical, "dynamic import expression")
		w.pattern("dynamic import() expression")
	}
}

func identIdx(node any) file.Idx {
	if n, ok := node.(ast.Expression); ok {
		return n.Idx0()
	}
	return file.Idx(0)
}

func importDeclSource(n *ast.ImportDeclaration) string {
	v := reflect.ValueOf(n).Elem()
	f := v.FieldByName("Source")
	if !f.IsValid() {
		return ""
	}
	return stringField(f)
}

func stringField(v reflect.Value) string {
	if v.Kind() == reflect.String {
		return v.String()
	}
	if v.CanInterface() {
		if s, ok := v.Interface().(interface{ String() string }); ok {
			return s.String()
		}
	}
	return ""
}

func (w *walker) visitImportSource(source string, idx file.Idx) {
	mod := stripNodePrefix(source)
	if dangerousModules[mod] {
		w.record(idx, "dangerous_module", SeverityCritical, "import of dangerous module: "+mod)
		w.pattern("import " + mod)
	} else if filesystemModules[mod] {
		w.record(idx, "filesystem_access", SeverityHigh, "import of filesystem module: "+mod)
		w.pattern("import " + mod)
	}
}

func calleeName(expr ast.Expression) (string, bool) {
	if id, ok := expr.(*ast.Identifier); ok {
		return string(id.Name), true
	}
	return "", false
}

func literalArg(args []ast.Expression) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	if lit, ok := args[0].(*ast.StringLiteral); ok {
		return string(lit.Value), true
	}
	return "", false
}

func (w *walker) visitCall(n *ast.CallExpression) {
	name, isIdent := calleeName(n.Callee)

	if isIdent {
		switch name {
		case "eval":
			w.record(n.Idx0(), "dangerous_function", SeverityCritical, "call to eval")
			w.pattern("eval(...)")
			return
		case "Function", "setTimeout", "setInterval":
			w.record(n.Idx0(), "dangerous_function", SeverityHigh, "call to "+name)
			w.pattern(name + "(...)")
			return
		case "require":
			if lit, ok := literalArg(n.ArgumentList); ok {
				w.visitImportSource(lit, n.Idx0())
			}
			return
		case "fetch":
			if lit, ok := literalArg(n.ArgumentList); ok {
				w.record(n.Idx0(), "network_request", SeverityMedium, "fetch to "+lit)
				w.pattern("fetch(" + lit + ")")
			} else {
				w.record(n.Idx0(), "network_request", SeverityHigh, "fetch with dynamic URL")
				w.pattern("fetch(<dynamic>)")
			}
			return
		}
	}

	if dot, ok := n.Callee.(*ast.DotExpression); ok {
		if string(dot.Identifier.Name) == "callee" {
			if left, ok := dot.Left.(*ast.Identifier); ok && string(left.Name) == "arguments" {
				w.record(n.Idx0(), "sandbox_escape", SeverityCritical, "arguments.callee")
				w.pattern("arguments.callee")
			}
		}
	}
}

func (w *walker) visitNew(n *ast.NewExpression) {
	name, isIdent := calleeName(n.Callee)
	if !isIdent {
		return
	}
	switch name {
	case "Function":
		w.record(n.Idx0(), "dangerous_function", SeverityCritical, "new Function(...)")
		w.pattern("new Function(...)")
	case "Proxy", "Reflect":
		w.record(n.Idx0(), "sandbox_escape", SeverityCritical, "new "+name+"(...)")
		w.pattern("new " + name + "(...)")
	}
}

func (w *walker) visitDot(n *ast.DotExpression) {
	prop := string(n.Identifier.Name)

	if left, ok := n.Left.(*ast.Identifier); ok {
		leftName := string(left.Name)
		if leftName == "Proxy" || leftName == "Reflect" {
			w.record(n.Idx0(), "sandbox_escape", SeverityCritical, leftName+"."+prop)
			w.pattern(leftName + "." + prop)
			return
		}
		if leftName == "process" && prop == "env" {
			w.record(n.Idx0(), "env_access", SeverityHigh, "process.env")
			w.pattern("process.env")
			return
		}
	}

	if sandboxEscapeProps[prop] {
		w.record(n.Idx0(), "sandbox_escape", SeverityCritical, "access to "+prop)
		w.pattern("." + prop)
	}
}

func (w *walker) visitStringLiteral(value, rawLiteral string, idx file.Idx) {
	switch {
	case len(value) >= 30 && hexLiteral.MatchString(value):
		w.record(idx, "obfuscation", SeverityMedium, "long hex string literal")
		w.pattern("obfuscated hex literal")
	case len(value) >= 50 && base64Literal.MatchString(value):
		w.record(idx, "obfuscation", SeverityMedium, "long base64-shaped string literal")
		w.pattern("obfuscated base64 literal")
	case len(unicodeEscapeLiteral.FindAllString(rawLiteral, -1)) >= 5:
		w.record(idx, "obfuscation", SeverityMedium, "string literal with many unicode escapes")
		w.pattern("obfuscated unicode-escaped literal")
	}
}
