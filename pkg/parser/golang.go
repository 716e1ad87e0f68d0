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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/kraklabs/codectx/pkg/graph"
)

type goParser struct {
	logger *slog.Logger
}

func newGoParser(logger *slog.Logger) *goParser {
	return &goParser{logger: logger}
}

func (p *goParser) Language() string     { return "go" }
func (p *goParser) Extensions() []string { return []string{".go"} }

func (p *goParser) ParseFile(path string, content []byte, rc Context) (*graph.Batch, error) {
	tree, err := parseTree(golang.GetLanguage(), content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	b := newFileBuilder(path, content, rc, "go")
	isTest := IsTestPath(b.path)

	root := tree.RootNode()
	pkg := goPackageName(root, content)
	if pkg != "" {
		b.addModule(pkg, pkg)
	}

	// Struct and interface declarations map onto Class nodes; methods
	// attach to them by receiver type.
	classIDs := map[string]string{}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "import_declaration":
			for _, imp := range goImports(child, content) {
				b.addImport(imp)
			}

		case "type_declaration":
			p.extractTypes(child, content, b, classIDs)

		case "var_declaration", "const_declaration":
			p.extractVars(child, content, b)

		case "comment":
			text := strings.TrimSpace(strings.TrimPrefix(nodeText(child, content), "//"))
			if text != "" && i == 0 {
				// Leading file comment only; per-declaration comments
				// would flood the graph.
				b.addDoc("module", "comment", text)
			}
		}
	}

	// Second pass for functions and methods so every receiver type is
	// already known.
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		switch child.Type() {
		case "function_declaration":
			p.extractFunction(child, content, b, isTest)
		case "method_declaration":
			p.extractMethod(child, content, b, classIDs)
		}
	}

	return b.batch, nil
}

func (p *goParser) extractTypes(node *sitter.Node, content []byte, b *fileBuilder, classIDs map[string]string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		spec := node.NamedChild(i)
		if spec.Type() != "type_spec" {
			continue
		}
		nameNode := spec.ChildByFieldName("name")
		typeNode := spec.ChildByFieldName("type")
		if nameNode == nil || typeNode == nil {
			continue
		}
		switch typeNode.Type() {
		case "struct_type", "interface_type":
			name := nodeText(nameNode, content)
			classIDs[name] = b.addClass(name, b.snippet(startLine(spec)), startLine(spec), endLine(spec))
		}
	}
}

func (p *goParser) extractVars(node *sitter.Node, content []byte, b *fileBuilder) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		spec := node.NamedChild(i)
		if spec.Type() != "var_spec" && spec.Type() != "const_spec" {
			continue
		}
		nameNode := spec.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}
		b.addVariable(nodeText(nameNode, content), "global", startLine(spec))
	}
}

func (p *goParser) extractFunction(node *sitter.Node, content []byte, b *fileBuilder, isTest bool) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nodeText(nameNode, content)
	signature := goSignature(node, content, "", name)
	b.addFunction(name, signature, b.snippet(startLine(node)), startLine(node), endLine(node))

	if isTest && strings.HasPrefix(name, "Test") {
		b.addTest(name, testKind(b.path))
	}
}

func (p *goParser) extractMethod(node *sitter.Node, content []byte, b *fileBuilder, classIDs map[string]string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nodeText(nameNode, content)
	receiver := nodeText(node.ChildByFieldName("receiver"), content)
	receiverType := goReceiverType(node.ChildByFieldName("receiver"), content)
	signature := goSignature(node, content, receiver, name)

	classID, ok := classIDs[receiverType]
	if !ok {
		// Receiver type declared in another file: record as a plain
		// function so the method is still searchable.
		b.addFunction(receiverType+"."+name, signature, b.snippet(startLine(node)), startLine(node), endLine(node))
		return
	}
	b.addMethod(classID, receiverType, name, signature, b.snippet(startLine(node)), startLine(node), endLine(node))
}

// goSignature renders "func [receiver ]name[typeParams](params)[ result]"
// from the declaration node's fields.
func goSignature(node *sitter.Node, content []byte, receiver, name string) string {
	var sb strings.Builder
	sb.WriteString("func ")
	if receiver != "" {
		sb.WriteString(receiver)
		sb.WriteString(" ")
	}
	sb.WriteString(name)
	sb.WriteString(nodeText(node.ChildByFieldName("type_parameters"), content))
	sb.WriteString(nodeText(node.ChildByFieldName("parameters"), content))
	if result := nodeText(node.ChildByFieldName("result"), content); result != "" {
		sb.WriteString(" ")
		sb.WriteString(result)
	}
	return sb.String()
}

// goReceiverType extracts the base type name from a receiver list,
// stripping pointers and type parameters.
func goReceiverType(receiverNode *sitter.Node, content []byte) string {
	if receiverNode == nil {
		return ""
	}
	for i := 0; i < int(receiverNode.ChildCount()); i++ {
		child := receiverNode.Child(i)
		if child.Type() != "parameter_declaration" {
			continue
		}
		typeName := nodeText(child.ChildByFieldName("type"), content)
		typeName = strings.TrimPrefix(typeName, "*")
		if idx := strings.Index(typeName, "["); idx > 0 {
			typeName = typeName[:idx]
		}
		return typeName
	}
	return ""
}

func goPackageName(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if child.Type() != "package_clause" {
			continue
		}
		for j := 0; j < int(child.NamedChildCount()); j++ {
			if grand := child.NamedChild(j); grand.Type() == "package_identifier" {
				return nodeText(grand, content)
			}
		}
	}
	return ""
}

func goImports(node *sitter.Node, content []byte) []string {
	var imports []string
	var collect func(n *sitter.Node)
	collect = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "import_spec":
				for j := 0; j < int(child.NamedChildCount()); j++ {
					if lit := child.NamedChild(j); lit.Type() == "interpreted_string_literal" {
						imports = append(imports, strings.Trim(nodeText(lit, content), `"`))
					}
				}
			case "import_spec_list":
				collect(child)
			}
		}
	}
	collect(node)
	return imports
}
