// Package typescript extracts HTTP client calls and Express routes from
// TypeScript and JavaScript sources.
package typescript

import (
	"context"
	"path"
	"strconv"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/treesitter"
)

const language = "typescript"

var httpVerbs = map[string]bool{"get": true, "post": true, "put": true, "delete": true, "patch": true}

var serverObjects = map[string]bool{"app": true, "router": true, "server": true}

var serviceSuffixes = []string{"Service", "Api", "Client", "Repository"}

// Extractor covers .ts, .tsx and the JavaScript family
type Extractor struct {
	conf extract.Confidence
}

// New creates a TypeScript/JavaScript extractor
func New(conf extract.Confidence) *Extractor {
	return &Extractor{conf: conf}
}

func (e *Extractor) Language() string { return language }

func (e *Extractor) Extensions() []string {
	return []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}
}

// grammar picks the tree-sitter grammar for a file extension
func grammar(file string) string {
	switch path.Ext(file) {
	case ".tsx":
		return "tsx"
	case ".ts":
		if strings.HasSuffix(file, ".d.ts") {
			return ""
		}
		return "typescript"
	default:
		return "javascript"
	}
}

func isTestFile(p string) bool {
	base := path.Base(p)
	for _, marker := range []string{".test.", ".spec.", ".e2e."} {
		if strings.Contains(base, marker) {
			return true
		}
	}
	for _, dir := range strings.Split(path.Dir(p), "/") {
		if dir == "__tests__" || dir == "test" || dir == "tests" || dir == "e2e" {
			return true
		}
	}
	return false
}

// Extract implements extract.Extractor
func (e *Extractor) Extract(ctx context.Context, file extract.SourceFile) (*extract.FileResult, error) {
	result := extract.NewFileResult(file, language)
	lang := grammar(file.Path)
	if lang == "" {
		return result, nil
	}

	tree, err := treesitter.ParseChecked(lang, file.Content)
	if err != nil {
		return nil, errors.ParseError(err, file.Path)
	}
	defer tree.Close()

	v := &visitor{
		ex:       e,
		code:     file.Content,
		result:   result,
		isTest:   isTestFile(file.Path),
		owners:   make(map[string]models.Entity),
		callSeq:  make(map[string]int),
		routeSeq: make(map[string]int),
	}

	root := tree.RootNode()
	v.collectServices(root)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	treesitter.Walk(root, func(n *sitter.Node) bool {
		if n.Kind() == "call_expression" {
			v.call(n)
		}
		return true
	})

	result.Sort()
	return result, nil
}

type visitor struct {
	ex     *Extractor
	code   []byte
	result *extract.FileResult
	isTest bool
	// owners maps class names to their service entity
	owners   map[string]models.Entity
	callSeq  map[string]int
	routeSeq map[string]int
}

func (v *visitor) conf(key string, def float64) float64 {
	return v.ex.conf.Get("typescript."+key, def)
}

func (v *visitor) text(n *sitter.Node) string {
	return treesitter.Text(n, v.code)
}

func (v *visitor) collectServices(root *sitter.Node) {
	treesitter.Walk(root, func(n *sitter.Node) bool {
		if n.Kind() != "class_declaration" && n.Kind() != "class" {
			return true
		}
		name := v.text(n.ChildByFieldName("name"))
		if name == "" || !hasServiceSuffix(name) {
			return true
		}
		v.owners[name] = v.result.Add(extract.EntitySpec{
			Kind:       models.KindService,
			Name:       name,
			StartLine:  treesitter.Line(n),
			EndLine:    treesitter.EndLine(n),
			Confidence: v.conf("service_class", 0.7),
			Attributes: map[string]string{"role": "class"},
		})
		return true
	})
}

func hasServiceSuffix(name string) bool {
	for _, suffix := range serviceSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func (v *visitor) args(call *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for _, arg := range treesitter.NamedChildren(call.ChildByFieldName("arguments")) {
		if arg.Kind() != "comment" {
			out = append(out, arg)
		}
	}
	return out
}

func (v *visitor) call(n *sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn == nil {
		return
	}
	switch fn.Kind() {
	case "identifier":
		if v.text(fn) == "fetch" {
			v.fetch(n)
		}
	case "member_expression":
		verb := v.text(fn.ChildByFieldName("property"))
		if !httpVerbs[verb] {
			return
		}
		object := fn.ChildByFieldName("object")
		v.member(n, object, strings.ToUpper(verb))
	}
}

func (v *visitor) member(n, object *sitter.Node, method string) {
	args := v.args(n)
	if len(args) == 0 {
		return
	}
	route, ok := treesitter.StringValue(args[0], v.code)
	if !ok {
		return
	}
	name := v.text(object)
	last := name
	if i := strings.LastIndex(last, "."); i >= 0 {
		last = last[i+1:]
	}
	lower := strings.ToLower(last)

	switch {
	case object.Kind() == "call_expression" && v.text(object.ChildByFieldName("function")) == "request":
		// supertest: request(app).get('/x')
		v.clientCall(n, method, route, "supertest", v.conf("supertest_call", 0.7), true)

	case lower == "axios":
		v.clientCall(n, method, route, "axios", v.conf("axios_call", 0.9), v.isTest)

	case serverObjects[lower] || strings.HasSuffix(last, "Router"):
		if strings.HasPrefix(route, "/") && !v.isTest {
			v.route(n, name, method, route, args)
		}

	case strings.HasSuffix(lower, "api") || strings.HasSuffix(lower, "client") || strings.HasSuffix(lower, "http"):
		if strings.HasPrefix(stripInterpolation(route), "/") {
			v.clientCall(n, method, route, "client", v.conf("generic_call", 0.6), v.isTest)
		}
	}
}

func (v *visitor) fetch(n *sitter.Node) {
	args := v.args(n)
	if len(args) == 0 {
		return
	}
	route, ok := treesitter.StringValue(args[0], v.code)
	if !ok {
		return
	}
	method := "GET"
	if len(args) > 1 && args[1].Kind() == "object" {
		for _, pair := range treesitter.NamedChildren(args[1]) {
			if pair.Kind() != "pair" {
				continue
			}
			key := treesitter.Unquote(v.text(pair.ChildByFieldName("key")))
			if key != "method" {
				continue
			}
			if m, ok := treesitter.StringValue(pair.ChildByFieldName("value"), v.code); ok {
				method = strings.ToUpper(m)
			}
		}
	}
	v.clientCall(n, method, route, "fetch", v.conf("fetch_call", 0.8), v.isTest)
}

// owner names the function or class a call site belongs to
func (v *visitor) owner(n *sitter.Node) (string, *models.Entity) {
	if class := treesitter.EnclosingKind(n, "class_declaration", "class"); class != nil {
		name := v.text(class.ChildByFieldName("name"))
		if svc, ok := v.owners[name]; ok {
			return name, &svc
		}
		if name != "" {
			return name, nil
		}
	}
	for cur := n.Parent(); cur != nil; cur = cur.Parent() {
		switch cur.Kind() {
		case "function_declaration", "method_definition":
		case "variable_declarator":
			value := cur.ChildByFieldName("value")
			if value == nil || (value.Kind() != "arrow_function" && value.Kind() != "function_expression" && value.Kind() != "function") {
				continue
			}
		default:
			continue
		}
		if name := v.text(cur.ChildByFieldName("name")); name != "" {
			return name, nil
		}
	}
	return "<module>", nil
}

func (v *visitor) clientCall(n *sitter.Node, method, raw, heuristic string, confidence float64, test bool) {
	route := stripInterpolation(raw)
	if route == "" {
		return
	}
	owner, svc := v.owner(n)
	key := owner + "/call:" + method + " " + route
	idx := v.callSeq[key]
	v.callSeq[key]++

	attrs := map[string]string{
		models.AttrMethod: method,
		models.AttrPath:   route,
		"heuristic":       heuristic,
		"owner":           owner,
	}
	if raw != route {
		attrs["raw_path"] = raw
	}
	if test {
		attrs[models.AttrOrigin] = models.OriginTest
	}

	call := v.result.Add(extract.EntitySpec{
		Kind:       models.KindClientCall,
		Name:       method + " " + route,
		SymbolPath: key + "#" + strconv.Itoa(idx),
		StartLine:  treesitter.Line(n),
		EndLine:    treesitter.EndLine(n),
		Confidence: confidence,
		Attributes: attrs,
	})
	if svc != nil {
		v.result.Relate(extract.Ref(*svc), extract.Ref(call), models.RelCalls, 1.0)
	}
}

func (v *visitor) route(n *sitter.Node, router, method, route string, args []*sitter.Node) {
	attrs := map[string]string{
		models.AttrMethod: method,
		models.AttrPath:   route,
		"router":          router,
	}
	if handler := args[len(args)-1]; handler.Kind() == "identifier" || handler.Kind() == "member_expression" {
		attrs[models.AttrHandler] = v.text(handler)
	}

	key := method + " " + route
	symbol := key
	if idx := v.routeSeq[key]; idx > 0 {
		symbol = key + "#" + strconv.Itoa(idx)
	}
	v.routeSeq[key]++

	v.result.Add(extract.EntitySpec{
		Kind:       models.KindEndpoint,
		Name:       key,
		SymbolPath: symbol,
		StartLine:  treesitter.Line(n),
		EndLine:    treesitter.EndLine(n),
		Confidence: v.conf("express_route", 1.0),
		Attributes: attrs,
	})
}

// stripInterpolation drops a leading ${base} so template URLs keep their path
func stripInterpolation(s string) string {
	for strings.HasPrefix(s, "${") {
		end := strings.Index(s, "}")
		if end < 0 {
			return s
		}
		s = s[end+1:]
	}
	return s
}
