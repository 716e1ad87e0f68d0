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
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/kraklabs/codectx/pkg/graph"
)

// scriptParser covers the TypeScript/JavaScript family. The grammars differ
// per extension (tsx carries JSX productions) but the node shapes we read
// are shared.
type scriptParser struct {
	logger   *slog.Logger
	name     string
	exts     []string
	grammars map[string]*sitter.Language
}

func newTypeScriptParser(logger *slog.Logger) *scriptParser {
	return &scriptParser{
		logger: logger,
		name:   "typescript",
		exts:   []string{".ts", ".tsx"},
		grammars: map[string]*sitter.Language{
			".ts":  typescript.GetLanguage(),
			".tsx": tsx.GetLanguage(),
		},
	}
}

func newJavaScriptParser(logger *slog.Logger) *scriptParser {
	lang := javascript.GetLanguage()
	return &scriptParser{
		logger: logger,
		name:   "javascript",
		exts:   []string{".js", ".jsx", ".mjs"},
		grammars: map[string]*sitter.Language{
			".js":  lang,
			".jsx": lang,
			".mjs": lang,
		},
	}
}

func (p *scriptParser) Language() string     { return p.name }
func (p *scriptParser) Extensions() []string { return p.exts }

func (p *scriptParser) ParseFile(path string, content []byte, rc Context) (*graph.Batch, error) {
	grammar, ok := p.grammars[strings.ToLower(filepath.Ext(path))]
	if !ok {
		grammar = p.grammars[p.exts[0]]
	}
	tree, err := parseTree(grammar, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	b := newFileBuilder(path, content, rc, p.name)
	isTest := IsTestPath(b.path)

	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		p.walkTopLevel(root.NamedChild(i), content, b, i == 0)
	}
	if isTest {
		p.walkTests(root, content, b)
	}
	return b.batch, nil
}

func (p *scriptParser) walkTopLevel(node *sitter.Node, content []byte, b *fileBuilder, first bool) {
	switch node.Type() {
	case "export_statement":
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			p.walkTopLevel(decl, content, b, false)
		}

	case "function_declaration", "generator_function_declaration":
		p.extractFunction(node, content, b)

	case "class_declaration":
		p.extractClass(node, content, b)

	case "lexical_declaration", "variable_declaration":
		p.extractDeclarators(node, content, b)

	case "import_statement":
		if source := node.ChildByFieldName("source"); source != nil {
			b.addImport(strings.Trim(nodeText(source, content), "\"'`"))
		}

	case "comment":
		if first {
			b.addDoc("module", "comment", scriptCommentText(nodeText(node, content)))
		}
	}
}

func (p *scriptParser) extractFunction(node *sitter.Node, content []byte, b *fileBuilder) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := nodeText(nameNode, content)
	signature := name + nodeText(node.ChildByFieldName("parameters"), content)
	b.addFunction(name, signature, b.snippet(startLine(node)), startLine(node), endLine(node))
}

func (p *scriptParser) extractClass(node *sitter.Node, content []byte, b *fileBuilder) {
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
	for i := 0; i < int(body.NamedChildCount()); i++ {
		member := body.NamedChild(i)
		if member.Type() != "method_definition" {
			continue
		}
		methodName := nodeText(member.ChildByFieldName("name"), content)
		if methodName == "" {
			continue
		}
		signature := methodName + nodeText(member.ChildByFieldName("parameters"), content)
		b.addMethod(classID, name, methodName, signature, b.snippet(startLine(member)), startLine(member), endLine(member))
	}
}

// extractDeclarators handles const/let/var declarations. Arrow functions
// and function expressions bound to a name become Function nodes; anything
// else becomes a Variable.
func (p *scriptParser) extractDeclarators(node *sitter.Node, content []byte, b *fileBuilder) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		declarator := node.NamedChild(i)
		if declarator.Type() != "variable_declarator" {
			continue
		}
		nameNode := declarator.ChildByFieldName("name")
		if nameNode == nil || nameNode.Type() != "identifier" {
			continue
		}
		name := nodeText(nameNode, content)

		value := declarator.ChildByFieldName("value")
		if value != nil && (value.Type() == "arrow_function" || value.Type() == "function_expression" || value.Type() == "function") {
			signature := name + nodeText(value.ChildByFieldName("parameters"), content)
			b.addFunction(name, signature, b.snippet(startLine(declarator)), startLine(declarator), endLine(declarator))
			continue
		}
		b.addVariable(name, "global", startLine(declarator))
	}
}

// walkTests finds it("...")/test("...") calls and records them as Test
// nodes named by their description string.
func (p *scriptParser) walkTests(node *sitter.Node, content []byte, b *fileBuilder) {
	if node.Type() == "call_expression" {
		fn := node.ChildByFieldName("function")
		if fn != nil && fn.Type() == "identifier" {
			callee := nodeText(fn, content)
			if callee == "it" || callee == "test" {
				if name := scriptFirstStringArg(node, content); name != "" {
					b.addTest(name, testKind(b.path))
				}
			}
		}
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		p.walkTests(node.NamedChild(i), content, b)
	}
}

func scriptFirstStringArg(call *sitter.Node, content []byte) string {
	args := call.ChildByFieldName("arguments")
	if args == nil {
		return ""
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() == "string" || arg.Type() == "template_string" {
			return strings.Trim(nodeText(arg, content), "\"'`")
		}
	}
	return ""
}

func scriptCommentText(raw string) string {
	raw = strings.TrimPrefix(raw, "/*")
	raw = strings.TrimSuffix(raw, "*/")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "//")
		line = strings.TrimPrefix(line, "*")
		lines = append(lines, strings.TrimSpace(line))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
