// Package python extracts FastAPI endpoints, pydantic and SQLAlchemy
// models, validators and services from Python source.
package python

import (
	"context"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/brutev/fd-agent/internal/treesitter"
)

const language = "python"

var (
	httpVerbs = map[string]bool{"get": true, "post": true, "put": true, "delete": true, "patch": true}

	validatorDecorators = map[string]bool{
		"validator": true, "field_validator": true, "root_validator": true, "model_validator": true,
	}

	modelBases = map[string]bool{"BaseModel": true, "BaseSettings": true, "SQLModel": true}
	ormBases   = map[string]bool{"Base": true, "DeclarativeBase": true, "Model": true}

	typeName = regexp.MustCompile(`\b[A-Z]\w*`)

	typingNames = map[string]bool{
		"List": true, "Dict": true, "Optional": true, "Union": true, "Any": true, "Tuple": true,
		"Set": true, "Sequence": true, "Iterable": true, "Literal": true, "Annotated": true,
		"Callable": true, "Type": true, "None": true, "True": true, "False": true,
	}
)

// Extractor walks a tree-sitter Python syntax tree
type Extractor struct {
	conf extract.Confidence
}

// New creates a Python extractor
func New(conf extract.Confidence) *Extractor {
	return &Extractor{conf: conf}
}

func (e *Extractor) Language() string     { return language }
func (e *Extractor) Extensions() []string { return []string{".py"} }

// Extract implements extract.Extractor
func (e *Extractor) Extract(ctx context.Context, file extract.SourceFile) (*extract.FileResult, error) {
	tree, err := treesitter.ParseChecked(language, file.Content)
	if err != nil {
		return nil, errors.ParseError(err, file.Path)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := &visitor{
		ex:       e,
		code:     file.Content,
		result:   extract.NewFileResult(file, language),
		prefixes: make(map[string]string),
		models:   make(map[string]models.Entity),
		isTest:   isTestFile(file.Path),
	}

	root := tree.RootNode()
	v.collectRouters(root)
	v.collectClasses(root)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.collectFunctions(root)
	if v.isTest {
		v.collectTestCalls(root)
	}

	v.result.Sort()
	return v.result, nil
}

func isTestFile(p string) bool {
	base := path.Base(p)
	if strings.HasPrefix(base, "test_") || strings.HasSuffix(base, "_test.py") || base == "conftest.py" {
		return true
	}
	for _, dir := range strings.Split(path.Dir(p), "/") {
		if dir == "tests" || dir == "test" {
			return true
		}
	}
	return false
}

type visitor struct {
	ex     *Extractor
	code   []byte
	result *extract.FileResult
	// prefixes maps APIRouter variables to their prefix
	prefixes map[string]string
	models   map[string]models.Entity
	isTest   bool
}

func (v *visitor) conf(key string, def float64) float64 {
	return v.ex.conf.Get("python."+key, def)
}

func (v *visitor) text(n *sitter.Node) string {
	return treesitter.Text(n, v.code)
}

func topLevel(root *sitter.Node) []*sitter.Node {
	return treesitter.NamedChildren(root)
}

// definition returns the class/function node and its decorators
func definition(n *sitter.Node) (*sitter.Node, []*sitter.Node) {
	if n.Kind() != "decorated_definition" {
		return n, nil
	}
	var decorators []*sitter.Node
	for _, child := range treesitter.NamedChildren(n) {
		if child.Kind() == "decorator" {
			decorators = append(decorators, child)
		}
	}
	return n.ChildByFieldName("definition"), decorators
}

// decoratorCall splits a decorator into callee text and its call node
func (v *visitor) decoratorCall(dec *sitter.Node) (string, *sitter.Node) {
	children := treesitter.NamedChildren(dec)
	if len(children) == 0 {
		return "", nil
	}
	expr := children[0]
	if expr.Kind() == "call" {
		return v.text(expr.ChildByFieldName("function")), expr
	}
	return v.text(expr), nil
}

func (v *visitor) collectRouters(root *sitter.Node) {
	for _, stmt := range topLevel(root) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, assign := range treesitter.NamedChildren(stmt) {
			if assign.Kind() != "assignment" {
				continue
			}
			right := assign.ChildByFieldName("right")
			if right == nil || right.Kind() != "call" {
				continue
			}
			callee := v.text(right.ChildByFieldName("function"))
			if callee != "APIRouter" && callee != "FastAPI" && !strings.HasSuffix(callee, ".APIRouter") {
				continue
			}
			name := v.text(assign.ChildByFieldName("left"))
			v.prefixes[name] = v.keywordString(right, "prefix")
		}
	}
}

// keywordString returns a string keyword argument of call
func (v *visitor) keywordString(call *sitter.Node, key string) string {
	value := v.keyword(call, key)
	s, _ := treesitter.StringValue(value, v.code)
	return s
}

func (v *visitor) keyword(call *sitter.Node, key string) *sitter.Node {
	if call == nil {
		return nil
	}
	for _, arg := range treesitter.NamedChildren(call.ChildByFieldName("arguments")) {
		if arg.Kind() != "keyword_argument" {
			continue
		}
		if v.text(arg.ChildByFieldName("name")) == key {
			return arg.ChildByFieldName("value")
		}
	}
	return nil
}

func (v *visitor) positional(call *sitter.Node) []*sitter.Node {
	if call == nil {
		return nil
	}
	var out []*sitter.Node
	for _, arg := range treesitter.NamedChildren(call.ChildByFieldName("arguments")) {
		switch arg.Kind() {
		case "keyword_argument", "comment", "list_splat", "dictionary_splat":
			continue
		}
		out = append(out, arg)
	}
	return out
}

func (v *visitor) superclasses(class *sitter.Node) []string {
	var bases []string
	for _, arg := range treesitter.NamedChildren(class.ChildByFieldName("superclasses")) {
		if arg.Kind() == "keyword_argument" {
			continue
		}
		base := v.text(arg)
		if i := strings.LastIndex(base, "."); i >= 0 {
			base = base[i+1:]
		}
		bases = append(bases, base)
	}
	return bases
}

func (v *visitor) collectClasses(root *sitter.Node) {
	// First pass: names of pydantic models so subclasses of local models count too.
	localModels := make(map[string]bool)
	for _, stmt := range topLevel(root) {
		def, _ := definition(stmt)
		if def == nil || def.Kind() != "class_definition" {
			continue
		}
		for _, base := range v.superclasses(def) {
			if modelBases[base] || localModels[base] {
				localModels[v.text(def.ChildByFieldName("name"))] = true
			}
		}
	}

	for _, stmt := range topLevel(root) {
		def, _ := definition(stmt)
		if def == nil || def.Kind() != "class_definition" {
			continue
		}
		name := v.text(def.ChildByFieldName("name"))
		bases := v.superclasses(def)
		body := def.ChildByFieldName("body")

		switch {
		case localModels[name]:
			v.addModel(def, name, bases, body, "pydantic", v.conf("pydantic_model", 1.0))

		case anyIn(bases, ormBases) || v.tableName(body) != "":
			v.addModel(def, name, bases, body, "orm", v.conf("orm_model", 0.9))

		case strings.HasSuffix(name, "Validator"):
			v.result.Add(extract.EntitySpec{
				Kind:       models.KindValidator,
				Name:       name,
				StartLine:  treesitter.Line(def),
				EndLine:    treesitter.EndLine(def),
				Confidence: v.conf("validator_class", 0.9),
				Attributes: map[string]string{"style": "class"},
			})

		case contains(bases, "BaseHTTPMiddleware"):
			v.result.Add(extract.EntitySpec{
				Kind:       models.KindService,
				Name:       name,
				StartLine:  treesitter.Line(def),
				EndLine:    treesitter.EndLine(def),
				Confidence: v.conf("middleware", 0.9),
				Attributes: map[string]string{"role": "middleware"},
			})

		case strings.HasSuffix(name, "Service"):
			v.result.Add(extract.EntitySpec{
				Kind:       models.KindService,
				Name:       name,
				StartLine:  treesitter.Line(def),
				EndLine:    treesitter.EndLine(def),
				Confidence: v.conf("service_class", 0.8),
				Attributes: map[string]string{"role": "class"},
			})
		}
	}
}

func (v *visitor) tableName(body *sitter.Node) string {
	for _, stmt := range treesitter.NamedChildren(body) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, assign := range treesitter.NamedChildren(stmt) {
			if assign.Kind() == "assignment" && v.text(assign.ChildByFieldName("left")) == "__tablename__" {
				s, _ := treesitter.StringValue(assign.ChildByFieldName("right"), v.code)
				return s
			}
		}
	}
	return ""
}

func (v *visitor) addModel(def *sitter.Node, name string, bases []string, body *sitter.Node, flavor string, confidence float64) {
	var fields, related []string
	for _, stmt := range treesitter.NamedChildren(body) {
		if stmt.Kind() != "expression_statement" {
			continue
		}
		for _, assign := range treesitter.NamedChildren(stmt) {
			if assign.Kind() != "assignment" {
				continue
			}
			left := v.text(assign.ChildByFieldName("left"))
			if strings.HasPrefix(left, "_") {
				continue
			}
			right := assign.ChildByFieldName("right")
			switch {
			case assign.ChildByFieldName("type") != nil:
				fields = append(fields, left)
			case right != nil && right.Kind() == "call":
				callee := v.text(right.ChildByFieldName("function"))
				switch callee {
				case "Column", "mapped_column", "Field":
					fields = append(fields, left)
				case "relationship":
					if args := v.positional(right); len(args) > 0 {
						if target, ok := treesitter.StringValue(args[0], v.code); ok {
							related = append(related, target)
						} else {
							related = append(related, v.text(args[0]))
						}
					}
				}
			}
		}
	}

	attrs := map[string]string{
		"flavor":       flavor,
		models.AttrBase: strings.Join(bases, ","),
	}
	if len(fields) > 0 {
		attrs[models.AttrFields] = strings.Join(fields, ",")
	}
	if table := v.tableName(body); table != "" {
		attrs[models.AttrTable] = table
	}

	model := v.result.Add(extract.EntitySpec{
		Kind:       models.KindModel,
		Name:       name,
		StartLine:  treesitter.Line(def),
		EndLine:    treesitter.EndLine(def),
		Confidence: confidence,
		Attributes: attrs,
	})
	v.models[name] = model

	for _, target := range related {
		v.result.Relate(extract.Ref(model), extract.ByName(models.KindModel, target), models.RelUses, v.conf("orm_relationship", 0.9))
	}
	for _, base := range bases {
		if !modelBases[base] && !ormBases[base] && base != name {
			v.result.Relate(extract.Ref(model), extract.ByName(models.KindModel, base), models.RelUses, v.conf("model_inheritance", 0.9))
		}
	}

	v.collectModelValidators(body, model)
}

// collectModelValidators finds @validator methods declared on a model
func (v *visitor) collectModelValidators(body *sitter.Node, model models.Entity) {
	for _, stmt := range treesitter.NamedChildren(body) {
		def, decorators := definition(stmt)
		if def == nil || def.Kind() != "function_definition" {
			continue
		}
		for _, dec := range decorators {
			callee, call := v.decoratorCall(dec)
			if !validatorDecorators[callee] {
				continue
			}
			method := v.text(def.ChildByFieldName("name"))
			attrs := map[string]string{"style": callee, "model": model.Name}
			var fieldNames []string
			for _, arg := range v.positional(call) {
				if s, ok := treesitter.StringValue(arg, v.code); ok {
					fieldNames = append(fieldNames, s)
				}
			}
			if len(fieldNames) > 0 {
				attrs[models.AttrField] = strings.Join(fieldNames, ",")
			}
			validator := v.result.Add(extract.EntitySpec{
				Kind:       models.KindValidator,
				Name:       model.Name + "." + method,
				StartLine:  treesitter.Line(stmt),
				EndLine:    treesitter.EndLine(stmt),
				Confidence: v.conf("model_validator", 1.0),
				Attributes: attrs,
			})
			v.result.Relate(extract.Ref(validator), extract.Ref(model), models.RelValidates, 1.0)
			v.relateValidatorClasses(def, validator)
			break
		}
	}
}

// relateValidatorClasses links validators that delegate to XValidator.validate
func (v *visitor) relateValidatorClasses(fn *sitter.Node, validator models.Entity) {
	seen := make(map[string]bool)
	treesitter.Walk(fn.ChildByFieldName("body"), func(n *sitter.Node) bool {
		if n.Kind() != "call" {
			return true
		}
		callee := n.ChildByFieldName("function")
		if callee == nil || callee.Kind() != "attribute" {
			return true
		}
		object := v.text(callee.ChildByFieldName("object"))
		if strings.HasSuffix(object, "Validator") && !seen[object] {
			seen[object] = true
			v.result.Relate(extract.Ref(validator), extract.ByName(models.KindValidator, object), models.RelUses, v.conf("validator_delegate", 0.9))
		}
		return true
	})
}

func (v *visitor) collectFunctions(root *sitter.Node) {
	for _, stmt := range topLevel(root) {
		def, decorators := definition(stmt)
		if def == nil || def.Kind() != "function_definition" {
			continue
		}
		name := v.text(def.ChildByFieldName("name"))

		endpoint := false
		for _, dec := range decorators {
			if v.endpoint(stmt, def, name, dec) {
				endpoint = true
			}
		}
		if endpoint || v.isTest {
			continue
		}

		switch {
		case strings.HasPrefix(name, "validate") || strings.HasPrefix(name, "is_valid"):
			validator := v.result.Add(extract.EntitySpec{
				Kind:       models.KindValidator,
				Name:       name,
				StartLine:  treesitter.Line(stmt),
				EndLine:    treesitter.EndLine(stmt),
				Confidence: v.conf("validator_function", 0.8),
				Attributes: map[string]string{"style": "function"},
			})
			for _, model := range v.annotatedTypes(def) {
				v.result.Relate(extract.Ref(validator), extract.ByName(models.KindModel, model), models.RelValidates, v.conf("validator_function", 0.8))
			}
			v.relateValidatorClasses(def, validator)

		case !strings.HasPrefix(name, "_"):
			service := v.result.Add(extract.EntitySpec{
				Kind:       models.KindService,
				Name:       name,
				StartLine:  treesitter.Line(stmt),
				EndLine:    treesitter.EndLine(stmt),
				Confidence: v.conf("function_service", 0.6),
				Attributes: map[string]string{"role": "function"},
			})
			for _, model := range v.annotatedTypes(def) {
				v.result.Relate(extract.Ref(service), extract.ByName(models.KindModel, model), models.RelUses, v.conf("function_service", 0.6))
			}
		}
	}
}

// endpoint records a route handler when dec is @<router>.<verb>("path")
func (v *visitor) endpoint(stmt, def *sitter.Node, name string, dec *sitter.Node) bool {
	_, call := v.decoratorCall(dec)
	if call == nil {
		return false
	}
	callee := call.ChildByFieldName("function")
	if callee == nil || callee.Kind() != "attribute" {
		return false
	}
	verb := v.text(callee.ChildByFieldName("attribute"))
	if !httpVerbs[verb] {
		return false
	}
	pos := v.positional(call)
	if len(pos) == 0 {
		return false
	}
	route, ok := treesitter.StringValue(pos[0], v.code)
	if !ok {
		return false
	}

	router := v.text(callee.ChildByFieldName("object"))
	method := strings.ToUpper(verb)
	fullPath := joinPath(v.prefixes[router], route)

	attrs := map[string]string{
		models.AttrMethod:  method,
		models.AttrPath:    fullPath,
		models.AttrHandler: name,
		"router":           router,
	}
	if route != fullPath {
		attrs["route"] = route
	}
	responseModel := v.text(v.keyword(call, "response_model"))
	if responseModel != "" {
		attrs[models.AttrResponseModel] = responseModel
	}

	ep := v.result.Add(extract.EntitySpec{
		Kind:       models.KindEndpoint,
		Name:       method + " " + fullPath,
		SymbolPath: name + "@" + method + " " + fullPath,
		StartLine:  treesitter.Line(stmt),
		EndLine:    treesitter.EndLine(stmt),
		Confidence: v.conf("route_decorator", 1.0),
		Attributes: attrs,
	})

	used := v.annotatedTypes(def)
	used = append(used, typeNames(responseModel)...)
	for _, model := range dedupe(used) {
		v.result.Relate(extract.Ref(ep), extract.ByName(models.KindModel, model), models.RelUses, 1.0)
	}
	for _, dep := range v.dependencies(def) {
		v.result.Relate(extract.Ref(ep), extract.ByName(models.KindService, dep), models.RelInjects, v.conf("depends", 0.9))
	}
	return true
}

// annotatedTypes lists capitalized, non-typing names in parameter and
// return annotations.
func (v *visitor) annotatedTypes(def *sitter.Node) []string {
	var names []string
	for _, param := range treesitter.NamedChildren(def.ChildByFieldName("parameters")) {
		if t := param.ChildByFieldName("type"); t != nil {
			names = append(names, typeNames(v.text(t))...)
		}
	}
	if ret := def.ChildByFieldName("return_type"); ret != nil {
		names = append(names, typeNames(v.text(ret))...)
	}
	return dedupe(names)
}

// dependencies lists callables passed to Depends() in parameter defaults
func (v *visitor) dependencies(def *sitter.Node) []string {
	var deps []string
	for _, param := range treesitter.NamedChildren(def.ChildByFieldName("parameters")) {
		value := param.ChildByFieldName("value")
		if value == nil || value.Kind() != "call" || v.text(value.ChildByFieldName("function")) != "Depends" {
			continue
		}
		if pos := v.positional(value); len(pos) > 0 {
			dep := v.text(pos[0])
			if i := strings.LastIndex(dep, "."); i >= 0 {
				dep = dep[i+1:]
			}
			deps = append(deps, dep)
		}
	}
	return dedupe(deps)
}

// collectTestCalls turns test-client requests into client calls marked as test origin
func (v *visitor) collectTestCalls(root *sitter.Node) {
	counts := make(map[string]int)
	treesitter.Walk(root, func(n *sitter.Node) bool {
		if n.Kind() != "call" {
			return true
		}
		callee := n.ChildByFieldName("function")
		if callee == nil || callee.Kind() != "attribute" {
			return true
		}
		verb := v.text(callee.ChildByFieldName("attribute"))
		object := strings.ToLower(v.text(callee.ChildByFieldName("object")))
		if !httpVerbs[verb] || !(strings.HasSuffix(object, "client") || object == "ac") {
			return true
		}
		pos := v.positional(n)
		if len(pos) == 0 {
			return true
		}
		route, ok := treesitter.StringValue(pos[0], v.code)
		if !ok || !strings.HasPrefix(route, "/") {
			return true
		}

		owner := "<module>"
		if fn := treesitter.EnclosingKind(n, "function_definition"); fn != nil {
			owner = v.text(fn.ChildByFieldName("name"))
		}
		method := strings.ToUpper(verb)
		key := owner + "/call:" + method + " " + route
		idx := counts[key]
		counts[key]++

		v.result.Add(extract.EntitySpec{
			Kind:       models.KindClientCall,
			Name:       method + " " + route,
			SymbolPath: key + "#" + strconv.Itoa(idx),
			StartLine:  treesitter.Line(n),
			EndLine:    treesitter.EndLine(n),
			Confidence: v.conf("test_client_call", 0.7),
			Attributes: map[string]string{
				models.AttrMethod: method,
				models.AttrPath:   route,
				models.AttrOrigin: models.OriginTest,
				"owner":           owner,
			},
		})
		return true
	})
}

func joinPath(prefix, route string) string {
	if prefix == "" {
		return route
	}
	if route == "" || route == "/" {
		return prefix
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.TrimLeft(route, "/")
}

func typeNames(annotation string) []string {
	var out []string
	for _, name := range typeName.FindAllString(annotation, -1) {
		if !typingNames[name] {
			out = append(out, name)
		}
	}
	return out
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func anyIn(items []string, set map[string]bool) bool {
	for _, s := range items {
		if set[s] {
			return true
		}
	}
	return false
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
