package sandbox

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"path"
	"strconv"
	"strings"
)

// goAnalyzer walks go/ast output. Snippets without a package clause are
// analyzed as if they were the body of package main.
type goAnalyzer struct {
	modules  moduleSet
	builtins nameSet
}

// goSource returns parseable source and the number of lines prepended to it.
func goSource(code string) (string, int) {
	if hasPackageClause(code) {
		return code, 0
	}
	return "package main\n" + code, 1
}

func hasPackageClause(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "//") {
			continue
		}
		return strings.HasPrefix(t, "package ")
	}
	return false
}

func (a goAnalyzer) analyze(code string) []SecurityViolation {
	src, offset := goSource(code)
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "sandboxed.go", src, parser.SkipObjectResolution)
	if err != nil {
		line, col := 1, 0
		var list scanner.ErrorList
		if errors.As(err, &list) && len(list) > 0 {
			line, col = list[0].Pos.Line-offset, list[0].Pos.Column-1
		}
		if line < 1 {
			line = 1
		}
		return []SecurityViolation{NewViolation(line, col, ViolationSyntaxError, "Syntax error: "+firstLine(err.Error()))}
	}

	var out []SecurityViolation
	add := func(pos token.Pos, kind, desc string) {
		p := fset.Position(pos)
		out = append(out, NewViolation(p.Line-offset, p.Column-1, kind, desc))
	}

	// local package name -> import path
	locals := make(map[string]string)
	for _, spec := range file.Imports {
		ipath, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			continue
		}
		local := path.Base(ipath)
		if spec.Name != nil {
			local = spec.Name.Name
		}
		locals[local] = ipath
		if a.modules.blocks(ipath) {
			add(spec.Pos(), ViolationBlockedImport, fmt.Sprintf("Import of blocked package '%s'", ipath))
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fn := call.Fun.(type) {
		case *ast.Ident:
			if a.builtins.has(fn.Name) {
				add(call.Pos(), ViolationBlockedBuiltin, fmt.Sprintf("Call to blocked builtin '%s'", fn.Name))
			}
		case *ast.SelectorExpr:
			id, ok := fn.X.(*ast.Ident)
			if !ok {
				return true
			}
			pkg := id.Name
			if ipath, ok := locals[pkg]; ok {
				pkg = ipath
			}
			if a.modules.blocks(pkg) {
				add(call.Pos(), ViolationBlockedModuleCall, fmt.Sprintf("Call to blocked package function '%s.%s'", id.Name, fn.Sel.Name))
			}
		}
		return true
	})
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
