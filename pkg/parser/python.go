// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package parser

import (
	"log/slog"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/kraklabs/codectx/pkg/graph"
)

type pythonParser struct {
	logger *slog.Logger
}

func newPythonParser(logger *slog.Logger) *pythonParser {
	return &pythonParser{logger: logger}
}

func (p *pythonParser) Language() string     { return "python" }
func (p *pythonParser) Extensions() []string { return []string{".py"} }

func (p *pythonParser) ParseFile(path string, content []byte, rc Context) (*graph.Batch, error) {
	tree, err := parseTree(python.GetLanguage(), content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	b := newFileBuilder(path, content, rc, "python")
	isTest := IsTestPath(b.path)

	b.addModule(pythonModuleName(b.path), pythonPackageName(b.path))

	root := tree.RootNode()
	if doc := pythonBodyDocstring(root, content); doc != "" {
		b.addDoc("module", "docstring", doc)
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		p.walkTopLevel(child, content, b, isTest)
	}

	return b.batch, nil
}

func (p *pythonParser) walkTopLevel(node *sitter.Node, content []byte, b *fileBuilder, isTest bool) {
	switch node.Type() {
	case "class_definition":
		p.extractClass(node, content, b, isTest)

	case "function_definition":
		p.extractFunction(node, content, b, isTest)

	case "decorated_definition":
		if def := pythonDecoratedDefinition(node); def != nil {
			switch def.Type() {
			case "class_definition":
				p.extractClass(def, content, b, isTest)
			case "function_definition":
				p.extractFunction(def, content, b, isTest)
			}
		}

	case "expression_statement":
		p.extractAssignments(node, content, b)

	case "import_statement", "import_from_statement":
		for _, imp := range pythonImports(node, content) {
			b.addImport(imp)
		}

	case "comment":
		text := strings.TrimLeft(nodeText(node, content), "# ")
		b.addDoc(pythonCommentAnchor(node), "comment", text)
	}
}

func (p *pythonParser) extractClass(node *sitter.Node, content []byte, b *fileBuilder, isTest bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nodeText(nameNode, content)
	classID := b.addClass(name, b.snippet(startLine(node)), startLine(node), endLine(node))

	body := node.ChildByFieldName("body")
	if body == nil {
		return
	}
	if doc := pythonBodyDocstring(body, content); doc != "" {
		b.addDoc("class:"+name, "docstring", doc)
	}
	if isTest && strings.HasPrefix(name, "Test") {
		b.addTest(name, "class")
	}

	for i := 0; i < int(body.NamedChildCount()); i++ {
		child := body.NamedChild(i)
		def := child
		if child.Type() == "decorated_definition" {
			def = pythonDecoratedDefinition(child)
		}
		if def == nil || def.Type() != "function_definition" {
			continue
		}
		methodName := nodeText(def.ChildByFieldName("name"), content)
		if methodName == "" {
			continue
		}
		signature := methodName + nodeText(def.ChildByFieldName("parameters"), content)
		b.addMethod(classID, name, methodName, signature, b.snippet(startLine(def)), startLine(def), endLine(def))

		if mb := def.ChildByFieldName("body"); mb != nil {
			if doc := pythonBodyDocstring(mb, content); doc != "" {
				b.addDoc("method:"+name+"."+methodName, "docstring", doc)
			}
		}
		if isTest && strings.HasPrefix(methodName, "test") {
			b.addTest(name+"."+methodName, testKind(b.path))
		}
	}
}

func (p *pythonParser) extractFunction(node *sitter.Node, content []byte, b *fileBuilder, isTest bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nodeText(nameNode, content)
	signature := name + nodeText(node.ChildByFieldName("parameters"), content)
	b.addFunction(name, signature, b.snippet(startLine(node)), startLine(node), endLine(node))

	if body := node.ChildByFieldName("body"); body != nil {
		if doc := pythonBodyDocstring(body, content); doc != "" {
			b.addDoc("func:"+name, "docstring", doc)
		}
	}
	if isTest && strings.HasPrefix(name, "test") {
		b.addTest(name, testKind(b.path))
	}
}

func (p *pythonParser) extractAssignments(node *sitter.Node, content []byte, b *fileBuilder) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "assignment" {
			continue
		}
		left := child.ChildByFieldName("left")
		if left == nil || left.Type() != "identifier" {
			continue
		}
		b.addVariable(nodeText(left, content), "global", startLine(node))
	}
}

// pythonBodyDocstring returns the docstring when a body's first statement
// is a bare string literal.
func pythonBodyDocstring(body *sitter.Node, content []byte) string {
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return ""
	}
	expr := first.NamedChild(0)
	if expr.Type() != "string" {
		return ""
	}
	return pythonStringContent(nodeText(expr, content))
}

func pythonStringContent(raw string) string {
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		raw = strings.TrimPrefix(raw, q)
		raw = strings.TrimSuffix(raw, q)
	}
	return strings.TrimSpace(raw)
}

func pythonDecoratedDefinition(node *sitter.Node) *sitter.Node {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "class_definition", "function_definition":
			return child
		}
	}
	return nil
}

func pythonImports(node *sitter.Node, content []byte) []string {
	var imports []string
	switch node.Type() {
	case "import_statement":
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "dotted_name" || child.Type() == "aliased_import" {
				name := nodeText(child, content)
				if idx := strings.Index(name, " as "); idx != -1 {
					name = name[:idx]
				}
				imports = append(imports, name)
			}
		}
	case "import_from_statement":
		if module := node.ChildByFieldName("module_name"); module != nil {
			imports = append(imports, nodeText(module, content))
		}
	}
	return imports
}

func pythonCommentAnchor(node *sitter.Node) string {
	return "comment:" + strconv.Itoa(startLine(node))
}

// pythonModuleName converts a path like "pkg/util/io.py" to "pkg.util.io".
func pythonModuleName(path string) string {
	name := strings.TrimSuffix(path, ".py")
	name = strings.ReplaceAll(name, "/", ".")
	return strings.TrimSuffix(name, ".__init__")
}

// pythonPackageName is the module name without its last segment.
func pythonPackageName(path string) string {
	module := pythonModuleName(path)
	if idx := strings.LastIndex(module, "."); idx > 0 {
		return module[:idx]
	}
	return ""
}
