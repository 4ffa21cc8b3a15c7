package sandbox

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// pythonAnalyzer walks a tree-sitter Python syntax tree by node type.
type pythonAnalyzer struct {
	modules  moduleSet
	builtins nameSet
}

func (a pythonAnalyzer) analyze(ctx context.Context, code string) ([]SecurityViolation, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	src := []byte(code)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("python parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line, col := 1, 0
		if n := firstErrorNode(root); n != nil {
			line, col = int(n.StartPoint().Row)+1, int(n.StartPoint().Column)
		}
		return []SecurityViolation{NewViolation(line, col, ViolationSyntaxError, "Syntax error: invalid syntax")}, nil
	}

	w := &pyWalker{a: a, src: src, aliases: make(map[string]string)}
	w.walk(root)
	return w.out, nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

type pyWalker struct {
	a       pythonAnalyzer
	src     []byte
	aliases map[string]string // local name -> module path
	out     []SecurityViolation
}

func (w *pyWalker) add(n *sitter.Node, kind, desc string) {
	p := n.StartPoint()
	w.out = append(w.out, NewViolation(int(p.Row)+1, int(p.Column), kind, desc))
}

func (w *pyWalker) walk(n *sitter.Node) {
	switch n.Type() {
	case "import_statement":
		w.importStatement(n)
	case "import_from_statement":
		w.importFrom(n)
	case "call":
		w.call(n)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

// import a.b, c as d
func (w *pyWalker) importStatement(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		var module, local string
		switch child.Type() {
		case "dotted_name":
			module = child.Content(w.src)
			local = strings.SplitN(module, ".", 2)[0]
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name == nil {
				continue
			}
			module = name.Content(w.src)
			local = module
			if alias != nil {
				local = alias.Content(w.src)
			}
		default:
			continue
		}
		w.aliases[local] = module
		if w.a.modules.blocks(module) {
			w.add(n, ViolationBlockedImport, fmt.Sprintf("Import of blocked module '%s'", module))
		}
	}
}

// from a.b import c as d
func (w *pyWalker) importFrom(n *sitter.Node) {
	modNode := n.ChildByFieldName("module_name")
	if modNode == nil || modNode.Type() == "relative_import" {
		return
	}
	module := modNode.Content(w.src)

	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.StartByte() == modNode.StartByte() {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			name := child.Content(w.src)
			w.aliases[name] = module + "." + name
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name != nil && alias != nil {
				w.aliases[alias.Content(w.src)] = module + "." + name.Content(w.src)
			}
		}
	}

	if w.a.modules.blocks(module) {
		w.add(n, ViolationBlockedImport, fmt.Sprintf("Import from blocked module '%s'", module))
	}
}

func (w *pyWalker) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	switch fn.Type() {
	case "identifier":
		name := fn.Content(w.src)
		if w.a.builtins.has(name) {
			w.add(n, ViolationBlockedBuiltin, fmt.Sprintf("Call to blocked builtin '%s'", name))
			return
		}
		if module, ok := w.aliases[name]; ok && w.a.modules.blocks(module) {
			w.add(n, ViolationBlockedModuleCall, fmt.Sprintf("Call to blocked module function '%s'", module))
		}
	case "attribute":
		root := fn
		for root.Type() == "attribute" {
			obj := root.ChildByFieldName("object")
			if obj == nil {
				return
			}
			root = obj
		}
		if root.Type() != "identifier" {
			return
		}
		name := root.Content(w.src)
		module := name
		if m, ok := w.aliases[name]; ok {
			module = m
		}
		if w.a.modules.blocks(module) {
			w.add(n, ViolationBlockedModuleCall, fmt.Sprintf("Call to blocked module function '%s'", fn.Content(w.src)))
		}
	}
}
