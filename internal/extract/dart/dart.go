// Package dart extracts Flutter widgets, state components, routes and
// HTTP call sites from Dart source.
package dart

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/models"
)

const language = "dart"

var (
	classDecl = regexp.MustCompile(`(?m)^[ \t]*(?:(?:abstract|sealed|base|final|interface)\s+)*class\s+(\w+)([^{;]*)\{`)
	extendsRe = regexp.MustCompile(`\bextends\s+([\w.]+)`)
	withRe    = regexp.MustCompile(`\bwith\s+([\w\s,<>]+?)(?:\bimplements\b|$)`)

	dioCall     = regexp.MustCompile(`\b(\w*[dD]io)\s*\.\s*(get|post|put|delete|patch)\s*(?:<[^>(]*>)?\s*\(\s*(['"])(.*?)['"]`)
	httpCall    = regexp.MustCompile(`\bhttp\s*\.\s*(get|post|put|delete|patch)\s*\(\s*Uri\.parse\s*\(\s*(['"])(.*?)['"]`)
	genericCall = regexp.MustCompile(`\b(\w*(?:[cC]lient|[aA]pi|[sS]ervice|[rR]epository))\s*\.\s*(get|post|put|delete|patch)\s*(?:<[^>(]*>)?\s*\(\s*(['"])(.*?)['"]`)

	routeEntry  = regexp.MustCompile(`(['"])(/[^'"]*)['"]\s*:\s*\(\s*[\w\s,]*\)\s*=>\s*(?:const\s+)?(\w+)\s*\(`)
	goRouteOpen = regexp.MustCompile(`\bGoRoute\s*\(`)
	goRoutePath = regexp.MustCompile(`\bpath\s*:\s*(['"])(.*?)['"]`)
	goRouteView = regexp.MustCompile(`\bbuilder\s*:\s*\([^)]*\)\s*(?:=>|\{\s*return)\s*(?:const\s+)?(\w+)\s*\(`)

	pushNamed     = regexp.MustCompile(`\b(?:pushNamed|pushReplacementNamed|popAndPushNamed|pushNamedAndRemoveUntil)\s*\(\s*(?:\w+\s*,\s*)?(['"])(.*?)['"]`)
	contextGo     = regexp.MustCompile(`\bcontext\s*\.\s*(?:go|push|pushReplacement)\s*\(\s*(['"])(.*?)['"]`)
	pageRoute     = regexp.MustCompile(`\b(?:MaterialPageRoute|CupertinoPageRoute)\s*(?:<[^>]*>)?\s*\(\s*builder\s*:\s*\([^)]*\)\s*=>\s*(?:const\s+)?(\w+)\s*\(`)
	blocUse       = regexp.MustCompile(`\b(?:BlocProvider|BlocBuilder|BlocListener|BlocConsumer|BlocSelector|RepositoryProvider)(?:\.of)?\s*<\s*(\w+)`)
	contextRead   = regexp.MustCompile(`\bcontext\s*\.\s*(?:read|watch|select)\s*<\s*(\w+)`)
	providerUse   = regexp.MustCompile(`\b(?:Provider\.of|Consumer|ChangeNotifierProvider)\s*<\s*(\w+)`)
	validatorsRef = regexp.MustCompile(`\b(\w*Validators?)\s*\.\s*(\w+)`)
	validatorArg  = regexp.MustCompile(`\bvalidator\s*:\s*(\w+)(\s*\.)?`)
	formField     = regexp.MustCompile(`\b(?:TextFormField|DropdownButtonFormField|FormField)\b`)
	interpPrefix  = regexp.MustCompile(`^(?:\$\{[^}]*\}|\$\w+)+`)
)

// Extractor recognizes Flutter surface forms with lexical heuristics.
// Every heuristic's confidence can be overridden by its key.
type Extractor struct {
	conf extract.Confidence
}

// New creates a Dart extractor
func New(conf extract.Confidence) *Extractor {
	return &Extractor{conf: conf}
}

func (e *Extractor) Language() string     { return language }
func (e *Extractor) Extensions() []string { return []string{".dart"} }

type class struct {
	name     string
	base     string
	typeArgs []string
	mixins   []string
	start    int // offset of "class"
	body     int // offset of '{'
	end      int // offset of matching '}'
}

func (c *class) contains(offset int) bool {
	return offset > c.body && offset < c.end
}

// Extract implements extract.Extractor
func (e *Extractor) Extract(ctx context.Context, file extract.SourceFile) (*extract.FileResult, error) {
	if isGenerated(file.Path) {
		return extract.NewFileResult(file, language), nil
	}

	src, err := scan(file.Content)
	if err != nil {
		return nil, errors.ParseError(err, file.Path)
	}

	w := &walker{
		ex:       e,
		src:      src,
		result:   extract.NewFileResult(file, language),
		owners:   make(map[string]models.Entity),
		stateFor: make(map[string]string),
		calls:    make(map[string]int),
	}
	w.classes = parseClasses(src)

	steps := []func(){w.declarations, w.routes, w.callSites, w.navigation, w.stateUsage, w.forms}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step()
	}

	w.result.Sort()
	return w.result, nil
}

func isGenerated(path string) bool {
	for _, suffix := range []string{".g.dart", ".freezed.dart", ".mocks.dart", ".gr.dart", ".config.dart"} {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}

func parseClasses(src *source) []*class {
	var classes []*class
	for _, m := range classDecl.FindAllSubmatchIndex(src.mask, -1) {
		header := string(src.mask[m[4]:m[5]])
		c := &class{
			name:  string(src.mask[m[2]:m[3]]),
			start: m[0],
			body:  m[1] - 1,
		}
		c.end = src.matching(c.body)

		if em := extendsRe.FindStringSubmatchIndex(header); em != nil {
			c.base = header[em[2]:em[3]]
			rest := strings.TrimLeft(header[em[3]:], " \t\n")
			if strings.HasPrefix(rest, "<") {
				c.typeArgs = genericArgs(rest)
			}
		}
		if wm := withRe.FindStringSubmatch(header); wm != nil {
			for _, mixin := range strings.Split(wm[1], ",") {
				if mixin = strings.TrimSpace(mixin); mixin != "" {
					c.mixins = append(c.mixins, mixin)
				}
			}
		}
		classes = append(classes, c)
	}
	return classes
}

// genericArgs splits "<A, Map<B, C>>..." into ["A", "Map<B, C>"]
func genericArgs(s string) []string {
	var args []string
	depth, start := 0, 1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			depth--
			if depth == 0 {
				if arg := strings.TrimSpace(s[start:i]); arg != "" {
					args = append(args, arg)
				}
				return args
			}
		case ',':
			if depth == 1 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return args
}

type walker struct {
	ex      *Extractor
	src     *source
	result  *extract.FileResult
	classes []*class
	// owners maps class names to entities that own call sites and edges
	owners map[string]models.Entity
	// stateFor maps State<W> class names to W
	stateFor map[string]string
	calls    map[string]int
}

func (w *walker) conf(key string, def float64) float64 {
	return w.ex.conf.Get("dart."+key, def)
}

func (w *walker) subclasses(base string) []string {
	var names []string
	for _, c := range w.classes {
		if c.base == base {
			names = append(names, c.name)
		}
	}
	sort.Strings(names)
	return names
}

func (w *walker) declarations() {
	for _, c := range w.classes {
		startLine, endLine := w.src.line(c.start), w.src.line(c.end)
		switch {
		case c.base == "StatelessWidget" || c.base == "StatefulWidget" || c.base == "ConsumerWidget" || c.base == "HookWidget":
			flavor := strings.ToLower(strings.TrimSuffix(c.base, "Widget"))
			w.owners[c.name] = w.result.Add(extract.EntitySpec{
				Kind:       models.KindWidget,
				Name:       c.name,
				StartLine:  startLine,
				EndLine:    endLine,
				Confidence: w.conf("widget", 1.0),
				Attributes: map[string]string{models.AttrBase: c.base, "widget_type": flavor},
			})

		case c.base == "State" && len(c.typeArgs) == 1:
			w.stateFor[c.name] = c.typeArgs[0]

		case (c.base == "Bloc" && len(c.typeArgs) == 2) || (c.base == "Cubit" && len(c.typeArgs) == 1):
			attrs := map[string]string{models.AttrBase: c.base}
			stateType := c.typeArgs[len(c.typeArgs)-1]
			attrs[models.AttrStates] = joinOr(w.subclasses(stateType), stateType)
			if c.base == "Bloc" {
				eventType := c.typeArgs[0]
				attrs[models.AttrEvents] = joinOr(w.subclasses(eventType), eventType)
				attrs["event_type"] = eventType
			}
			attrs["state_type"] = stateType
			w.owners[c.name] = w.result.Add(extract.EntitySpec{
				Kind:       models.KindStateComponent,
				Name:       c.name,
				StartLine:  startLine,
				EndLine:    endLine,
				Confidence: w.conf("bloc", 1.0),
				Attributes: attrs,
			})

		case c.base == "ChangeNotifier" || contains(c.mixins, "ChangeNotifier"):
			w.owners[c.name] = w.result.Add(extract.EntitySpec{
				Kind:       models.KindStateComponent,
				Name:       c.name,
				StartLine:  startLine,
				EndLine:    endLine,
				Confidence: w.conf("change_notifier", 0.8),
				Attributes: map[string]string{models.AttrBase: "ChangeNotifier"},
			})

		case strings.HasSuffix(c.name, "Validator") || strings.HasSuffix(c.name, "Validators"):
			w.owners[c.name] = w.result.Add(extract.EntitySpec{
				Kind:       models.KindValidator,
				Name:       c.name,
				StartLine:  startLine,
				EndLine:    endLine,
				Confidence: w.conf("validator", 0.7),
			})

		case strings.HasSuffix(c.name, "Service") || strings.HasSuffix(c.name, "Repository") || strings.HasSuffix(c.name, "ApiClient"):
			w.owners[c.name] = w.result.Add(extract.EntitySpec{
				Kind:       models.KindService,
				Name:       c.name,
				StartLine:  startLine,
				EndLine:    endLine,
				Confidence: w.conf("service", 0.7),
			})
		}
	}
}

// ownerAt finds the innermost owning entity around offset. State classes
// resolve to their StatefulWidget.
func (w *walker) ownerAt(offset int) (models.Entity, bool) {
	var best *class
	for _, c := range w.classes {
		if c.contains(offset) && (best == nil || c.body > best.body) {
			best = c
		}
	}
	if best == nil {
		return models.Entity{}, false
	}
	if widget, ok := w.stateFor[best.name]; ok {
		e, found := w.owners[widget]
		return e, found
	}
	e, ok := w.owners[best.name]
	return e, ok
}

func (w *walker) ownerName(offset int) string {
	if e, ok := w.ownerAt(offset); ok {
		return e.Name
	}
	return "<top>"
}

func (w *walker) routes() {
	for _, m := range routeEntry.FindAllSubmatchIndex(w.src.text, -1) {
		path := string(w.src.text[m[4]:m[5]])
		widget := string(w.src.text[m[6]:m[7]])
		w.addRoute(path, widget, m[0], w.conf("route_table", 0.9))
	}

	for _, m := range goRouteOpen.FindAllIndex(w.src.mask, -1) {
		open := m[1] - 1
		closeAt := w.src.matching(open)
		call := w.src.text[open:closeAt]
		pm := goRoutePath.FindSubmatch(call)
		if pm == nil {
			continue
		}
		widget := ""
		if vm := goRouteView.FindSubmatch(call); vm != nil {
			widget = string(vm[1])
		}
		w.addRoute(string(pm[2]), widget, m[0], w.conf("go_route", 0.9))
	}
}

func (w *walker) addRoute(path, widget string, offset int, confidence float64) {
	attrs := map[string]string{models.AttrPath: path}
	if widget != "" {
		attrs[models.AttrWidget] = widget
	}
	line := w.src.line(offset)
	route := w.result.Add(extract.EntitySpec{
		Kind:       models.KindRoute,
		Name:       path,
		StartLine:  line,
		EndLine:    line,
		Confidence: confidence,
		Attributes: attrs,
	})
	if widget != "" {
		w.result.Relate(extract.Ref(route), extract.ByName(models.KindWidget, widget), models.RelNavigates, confidence)
	}
}

func (w *walker) callSites() {
	seen := make(map[int]bool)
	w.collectCalls(dioCall, 2, 4, "dio_call", 0.9, seen)
	w.collectCalls(httpCall, 1, 3, "http_call", 0.8, seen)
	w.collectCalls(genericCall, 2, 4, "client_call", 0.6, seen)
}

func (w *walker) collectCalls(re *regexp.Regexp, methodGroup, pathGroup int, heuristic string, def float64, seen map[int]bool) {
	for _, m := range re.FindAllSubmatchIndex(w.src.text, -1) {
		verbAt := m[2*methodGroup]
		if seen[verbAt] {
			continue
		}
		seen[verbAt] = true

		rawPath := string(w.src.text[m[2*pathGroup]:m[2*pathGroup+1]])
		path := interpPrefix.ReplaceAllString(rawPath, "")
		if heuristic == "client_call" && !strings.HasPrefix(path, "/") {
			continue
		}
		method := strings.ToUpper(string(w.src.text[m[2*methodGroup]:m[2*methodGroup+1]]))
		owner := w.ownerName(m[0])

		key := fmt.Sprintf("%s/call:%s %s", owner, method, path)
		n := w.calls[key]
		w.calls[key]++

		line := w.src.line(m[0])
		attrs := map[string]string{
			models.AttrMethod: method,
			models.AttrPath:   path,
			"heuristic":       heuristic,
			"owner":           owner,
		}
		if rawPath != path {
			attrs["raw_path"] = rawPath
		}
		call := w.result.Add(extract.EntitySpec{
			Kind:       models.KindClientCall,
			Name:       method + " " + path,
			SymbolPath: key + "#" + strconv.Itoa(n),
			StartLine:  line,
			EndLine:    line,
			Confidence: w.conf(heuristic, def),
			Attributes: attrs,
		})
		if ownerEntity, ok := w.ownerAt(m[0]); ok {
			w.result.Relate(extract.Ref(ownerEntity), extract.Ref(call), models.RelCalls, 1.0)
		}
	}
}

func (w *walker) navigation() {
	for _, re := range []*regexp.Regexp{pushNamed, contextGo} {
		for _, m := range re.FindAllSubmatchIndex(w.src.text, -1) {
			owner, ok := w.ownerAt(m[0])
			if !ok {
				continue
			}
			route := string(w.src.text[m[4]:m[5]])
			w.result.Relate(extract.Ref(owner), extract.ByName(models.KindRoute, route), models.RelNavigates, w.conf("navigation", 0.8))
		}
	}
	for _, m := range pageRoute.FindAllSubmatchIndex(w.src.text, -1) {
		owner, ok := w.ownerAt(m[0])
		if !ok {
			continue
		}
		target := string(w.src.text[m[2]:m[3]])
		if target == owner.Name {
			continue
		}
		w.result.Relate(extract.Ref(owner), extract.ByName(models.KindWidget, target), models.RelNavigates, w.conf("page_route", 0.7))
	}
}

func (w *walker) stateUsage() {
	for _, re := range []*regexp.Regexp{blocUse, contextRead, providerUse} {
		for _, m := range re.FindAllSubmatchIndex(w.src.text, -1) {
			owner, ok := w.ownerAt(m[0])
			if !ok || owner.Kind != models.KindWidget {
				continue
			}
			target := string(w.src.text[m[2]:m[3]])
			w.result.Relate(extract.Ref(owner), extract.ByName(models.KindStateComponent, target), models.RelUses, w.conf("state_usage", 0.9))
		}
	}
}

// forms records form fields and validators referenced by each widget
func (w *walker) forms() {
	for i := range w.result.Entities {
		e := &w.result.Entities[i]
		if e.Kind != models.KindWidget {
			continue
		}
		var bodies [][2]int
		for _, c := range w.classes {
			if c.name == e.Name || w.stateFor[c.name] == e.Name {
				bodies = append(bodies, [2]int{c.body, c.end})
			}
		}

		fields := 0
		validators := make(map[string]bool)
		validatorClasses := make(map[string]bool)
		for _, b := range bodies {
			body := w.src.text[b[0]:b[1]]
			fields += len(formField.FindAllIndex(body, -1))
			for _, m := range validatorsRef.FindAllSubmatch(body, -1) {
				validators[string(m[1])+"."+string(m[2])] = true
				validatorClasses[string(m[1])] = true
			}
			for _, m := range validatorArg.FindAllSubmatch(body, -1) {
				if name := string(m[1]); name != "null" && len(m[2]) == 0 {
					validators[name] = true
				}
			}
		}

		if fields == 0 && len(validators) == 0 {
			continue
		}
		attrs := make(map[string]string, len(e.Attributes)+2)
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		if fields > 0 {
			attrs[models.AttrFormFields] = strconv.Itoa(fields)
		}
		if len(validators) > 0 {
			attrs[models.AttrValidators] = strings.Join(sortedKeys(validators), ",")
		}
		e.Attributes = attrs
		e.ContentHash = e.Hash()

		for _, name := range sortedKeys(validatorClasses) {
			w.result.Relate(extract.Ref(*e), extract.ByName(models.KindValidator, name), models.RelUses, w.conf("validator_usage", 0.8))
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinOr(names []string, fallback string) string {
	if len(names) == 0 {
		return fallback
	}
	return strings.Join(names, ",")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
