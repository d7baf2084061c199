package nitrite

import (
	"strings"

	"github.com/nitrite-db/nitrite/rules"
)

// FilterKind tags the variant of a Filter tree node.
type FilterKind uint8

const (
	FilterEq FilterKind = iota
	FilterNe
	FilterLt
	FilterLte
	FilterGt
	FilterGte
	FilterIn
	FilterNotIn
	FilterElemMatch
	FilterText
	FilterTextCI
	FilterAnd
	FilterOr
	FilterNot
	FilterAll
	FilterByID
	// FilterExpr is a CEL boolean expression evaluated against the
	// candidate document. It is never index-eligible.
	FilterExpr
)

// Filter is a composable predicate node. Each node carries enough metadata
// for the planner to decide index-eligibility, the fields it constrains,
// and (for leaves) the key range it implies.
type Filter struct {
	kind   FilterKind
	field  string
	value  Value
	values []Value
	sub    *Filter
	subs   []*Filter
	text   string
	expr   string
	id     NitriteID
}

func Eq(field string, v Value) *Filter  { return &Filter{kind: FilterEq, field: field, value: v} }
func Ne(field string, v Value) *Filter  { return &Filter{kind: FilterNe, field: field, value: v} }
func Lt(field string, v Value) *Filter  { return &Filter{kind: FilterLt, field: field, value: v} }
func Lte(field string, v Value) *Filter { return &Filter{kind: FilterLte, field: field, value: v} }
func Gt(field string, v Value) *Filter  { return &Filter{kind: FilterGt, field: field, value: v} }
func Gte(field string, v Value) *Filter { return &Filter{kind: FilterGte, field: field, value: v} }

func In(field string, vs ...Value) *Filter {
	return &Filter{kind: FilterIn, field: field, values: append([]Value(nil), vs...)}
}
func NotIn(field string, vs ...Value) *Filter {
	return &Filter{kind: FilterNotIn, field: field, values: append([]Value(nil), vs...)}
}

// ElemMatch matches documents where field is an array containing at least
// one element satisfying sub.
func ElemMatch(field string, sub *Filter) *Filter {
	return &Filter{kind: FilterElemMatch, field: field, sub: sub}
}

func Text(field, query string) *Filter   { return &Filter{kind: FilterText, field: field, text: query} }
func TextCI(field, query string) *Filter { return &Filter{kind: FilterTextCI, field: field, text: query} }

func And(fs ...*Filter) *Filter { return &Filter{kind: FilterAnd, subs: fs} }
func Or(fs ...*Filter) *Filter  { return &Filter{kind: FilterOr, subs: fs} }
func Not(f *Filter) *Filter     { return &Filter{kind: FilterNot, sub: f} }

// All matches every live document.
func All() *Filter { return &Filter{kind: FilterAll} }

// ByID matches the single document with the given NitriteID, binding
// directly to the primary map instead of any index.
func ByID(id NitriteID) *Filter { return &Filter{kind: FilterByID, id: id} }

// Expr wraps a CEL boolean expression as a filter leaf. It is
// compiled and cached by a shared rules.RulesEngine.
func Expr(celExpr string) *Filter { return &Filter{kind: FilterExpr, expr: celExpr} }

var exprEngine, _ = rules.NewRulesEngine()

// Fields returns the set of top-level field paths this node (and its
// descendants) constrain.
func (f *Filter) Fields() []string {
	seen := map[string]bool{}
	var out []string
	var walk func(*Filter)
	walk = func(n *Filter) {
		if n == nil {
			return
		}
		switch n.kind {
		case FilterAnd, FilterOr:
			for _, s := range n.subs {
				walk(s)
			}
		case FilterNot, FilterElemMatch:
			walk(n.sub)
		case FilterAll, FilterByID, FilterExpr:
			// no field constraint
		default:
			if n.field != "" && !seen[n.field] {
				seen[n.field] = true
				out = append(out, n.field)
			}
		}
	}
	walk(f)
	return out
}

// IndexEligible reports whether this node (taken alone) could be satisfied
// by an index lookup.
func (f *Filter) IndexEligible() bool {
	switch f.kind {
	case FilterEq, FilterIn, FilterByID:
		return true
	case FilterLt, FilterLte, FilterGt, FilterGte:
		return true
	case FilterAnd:
		for _, s := range f.subs {
			if s.IndexEligible() {
				return true
			}
		}
		return false
	case FilterOr:
		for _, s := range f.subs {
			if !s.IndexEligible() {
				return false
			}
		}
		return len(f.subs) > 0
	default:
		return false
	}
}

// validate walks the tree rejecting predicates that can never be
// evaluated, so a malformed filter fails the Find call instead of
// silently matching nothing.
func (f *Filter) validate() error {
	switch f.kind {
	case FilterText, FilterTextCI:
		return validateTextQuery(f.text)
	case FilterAnd, FilterOr:
		for _, s := range f.subs {
			if err := s.validate(); err != nil {
				return err
			}
		}
	case FilterNot, FilterElemMatch:
		if f.sub != nil {
			return f.sub.validate()
		}
	}
	return nil
}

// valueMatchesEq is equality with the array-contains extension: a query
// Eq(field, v) matches documents whose array field contains v. Applied
// uniformly so full scans agree with index scans over exploded array
// keys.
func valueMatchesEq(v, target Value) bool {
	if v.Equal(target) {
		return true
	}
	if v.Kind() == KindArray && target.Kind() != KindArray {
		for _, e := range v.AsArray() {
			if e.Equal(target) {
				return true
			}
		}
	}
	return false
}

// Match evaluates the filter against a document directly (full-scan /
// residual path).
func (f *Filter) Match(doc *Document) (bool, error) {
	switch f.kind {
	case FilterAll:
		return true, nil
	case FilterByID:
		return doc.HasID() && doc.ID() == f.id, nil
	case FilterEq:
		return valueMatchesEq(doc.Get(f.field), f.value), nil
	case FilterNe:
		return !valueMatchesEq(doc.Get(f.field), f.value), nil
	case FilterLt:
		return Compare(doc.Get(f.field), f.value) < 0, nil
	case FilterLte:
		return Compare(doc.Get(f.field), f.value) <= 0, nil
	case FilterGt:
		return Compare(doc.Get(f.field), f.value) > 0, nil
	case FilterGte:
		return Compare(doc.Get(f.field), f.value) >= 0, nil
	case FilterIn:
		v := doc.Get(f.field)
		for _, candidate := range f.values {
			if valueMatchesEq(v, candidate) {
				return true, nil
			}
		}
		return false, nil
	case FilterNotIn:
		v := doc.Get(f.field)
		for _, candidate := range f.values {
			if valueMatchesEq(v, candidate) {
				return false, nil
			}
		}
		return true, nil
	case FilterElemMatch:
		v := doc.Get(f.field)
		if v.Kind() != KindArray {
			return false, nil
		}
		for _, elem := range v.AsArray() {
			ok, err := matchElement(f.sub, elem)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterText, FilterTextCI:
		return matchText(f, doc)
	case FilterAnd:
		for _, s := range f.subs {
			ok, err := s.Match(doc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case FilterOr:
		for _, s := range f.subs {
			ok, err := s.Match(doc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case FilterNot:
		ok, err := f.sub.Match(doc)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case FilterExpr:
		return matchExpr(f.expr, doc)
	default:
		return false, wrapErr(KindFilterError, "unknown filter kind", nil)
	}
}

// matchElement evaluates sub against an array element; if the element is
// itself a Document, field paths in sub resolve against it directly.
func matchElement(sub *Filter, elem Value) (bool, error) {
	if elem.Kind() == KindDocument {
		return sub.Match(elem.AsDocument())
	}
	// Scalar element: treat it as the implicit value under a synthetic
	// single-field document so Eq/Lt/etc. still work with ElemMatch over
	// a plain array of scalars.
	d := NewDocument()
	d.putUnchecked("_elem", elem)
	rewritten := rewriteField(sub, "_elem")
	return rewritten.Match(d)
}

func rewriteField(f *Filter, field string) *Filter {
	cp := *f
	cp.field = field
	return &cp
}

func matchExpr(expr string, doc *Document) (bool, error) {
	ctx := map[string]interface{}{
		"resource": documentToPlainMap(doc),
	}
	ok, err := exprEngine.Evaluate(expr, ctx)
	if err != nil {
		return false, wrapErr(KindFilterError, "cel expression evaluation failed", err)
	}
	return ok, nil
}

func documentToPlainMap(doc *Document) map[string]interface{} {
	out := make(map[string]interface{}, len(doc.Fields()))
	for _, f := range doc.Fields() {
		out[f] = valueToPlain(doc.Get(f))
	}
	return out
}

func valueToPlain(v Value) interface{} {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindBool:
		return v.AsBool()
	case KindI32:
		return int64(v.AsI32())
	case KindI64:
		return v.AsI64()
	case KindF64:
		return v.AsF64()
	case KindString:
		return v.AsString()
	case KindBytes:
		return v.AsBytes()
	case KindDateTime:
		return v.AsDateTimeMillis()
	case KindID:
		return uint64(v.AsID())
	case KindArray:
		arr := make([]interface{}, len(v.AsArray()))
		for i, e := range v.AsArray() {
			arr[i] = valueToPlain(e)
		}
		return arr
	case KindDocument:
		if v.AsDocument() == nil {
			return nil
		}
		return documentToPlainMap(v.AsDocument())
	default:
		return nil
	}
}

// matchText tokenizes the target String field and evaluates the query
// against the token set, mirroring the text indexer's semantics for the
// full-scan / residual path.
func matchText(f *Filter, doc *Document) (bool, error) {
	v := doc.Get(f.field)
	if v.Kind() != KindString {
		return false, nil
	}
	caseInsensitive := f.kind == FilterTextCI
	tokens := tokenize(v.AsString(), caseInsensitive)
	query := f.text
	if caseInsensitive {
		query = strings.ToLower(query)
	}
	return textQueryMatches(query, tokens)
}

// validateTextQuery rejects the text-query shapes the tokenizer pipeline
// cannot answer: a wildcard-only query and a multi-word wildcard phrase.
// Shared by Filter.validate (so Find
// fails eagerly) and textQueryMatches (so a direct Match agrees).
func validateTextQuery(query string) error {
	if strings.Trim(query, "*") == "" {
		return newErr(KindFilterError, "wildcard-only text query is unsupported")
	}
	if strings.Contains(query, " ") && strings.Contains(query, "*") {
		return newErr(KindFilterError, "multi-word wildcard text query is unsupported")
	}
	return nil
}

// textQueryMatches implements: exact token match; single-term prefix
// wildcard "pre*"; single-term suffix wildcard "*fix".
func textQueryMatches(query string, tokens []string) (bool, error) {
	if err := validateTextQuery(query); err != nil {
		return false, err
	}
	switch {
	case strings.HasSuffix(query, "*") && strings.HasPrefix(query, "*"):
		mid := query[1 : len(query)-1]
		for _, t := range tokens {
			if strings.Contains(t, mid) {
				return true, nil
			}
		}
		return false, nil
	case strings.HasSuffix(query, "*"):
		prefix := query[:len(query)-1]
		for _, t := range tokens {
			if strings.HasPrefix(t, prefix) {
				return true, nil
			}
		}
		return false, nil
	case strings.HasPrefix(query, "*"):
		suffix := query[1:]
		for _, t := range tokens {
			if strings.HasSuffix(t, suffix) {
				return true, nil
			}
		}
		return false, nil
	default:
		for _, t := range tokens {
			if t == query {
				return true, nil
			}
		}
		return false, nil
	}
}

var textStopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "in": true, "is": true,
}

// tokenize casefolds (when requested), splits on every rune that is not an
// ASCII letter or digit, and drops stop words.
func tokenize(s string, caseInsensitive bool) []string {
	if caseInsensitive {
		s = strings.ToLower(s)
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	out := fields[:0]
	for _, tok := range fields {
		lower := strings.ToLower(tok)
		if textStopWords[lower] {
			continue
		}
		out = append(out, tok)
	}
	return out
}
