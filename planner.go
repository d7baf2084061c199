package nitrite

import "strings"

// FindPlan is the planner's output: either a single index
// scan (optionally followed by a residual full scan) or a set of OR
// sub-plans to be unioned and deduplicated.
type FindPlan struct {
	IndexDescriptor *IndexDescriptor
	IndexScanFilter *Filter
	FullScanFilter  *Filter
	SubPlans        []*FindPlan
	ByID            *NitriteID

	SortBy   string
	SortDesc bool
	Skip     int
	Limit    int
	Distinct bool
	Collator Collator
}

// planQuery builds a FindPlan for filter against the descriptors available
// on a collection.
func planQuery(filter *Filter, descriptors []*IndexDescriptor, opts FindOptions) *FindPlan {
	norm := normalizeNot(filter)
	plan := planFilter(norm, descriptors)
	plan.SortBy = opts.SortField
	plan.SortDesc = opts.SortDesc
	plan.Skip = opts.Skip
	plan.Limit = opts.Limit
	// planOrGroup sets Distinct itself for OR unions; an explicit caller
	// request adds to that, never cancels it.
	plan.Distinct = plan.Distinct || opts.Distinct
	plan.Collator = opts.Collator
	return plan
}

// normalizeNot pushes Not inward via De Morgan's laws (rewrite 1) so the
// rest of the planner only ever sees Not applied to a leaf or left
// unresolved as a residual predicate.
func normalizeNot(f *Filter) *Filter {
	switch f.kind {
	case FilterNot:
		inner := f.sub
		switch inner.kind {
		case FilterAnd:
			negated := make([]*Filter, len(inner.subs))
			for i, s := range inner.subs {
				negated[i] = normalizeNot(Not(s))
			}
			return Or(negated...)
		case FilterOr:
			negated := make([]*Filter, len(inner.subs))
			for i, s := range inner.subs {
				negated[i] = normalizeNot(Not(s))
			}
			return And(negated...)
		case FilterNot:
			return normalizeNot(inner.sub)
		case FilterEq:
			return Ne(inner.field, inner.value)
		case FilterNe:
			return Eq(inner.field, inner.value)
		case FilterLt:
			return Gte(inner.field, inner.value)
		case FilterLte:
			return Gt(inner.field, inner.value)
		case FilterGt:
			return Lte(inner.field, inner.value)
		case FilterGte:
			return Lt(inner.field, inner.value)
		case FilterIn:
			return NotIn(inner.field, inner.values...)
		case FilterNotIn:
			return In(inner.field, inner.values...)
		default:
			return Not(normalizeNot(inner))
		}
	case FilterAnd:
		subs := make([]*Filter, len(f.subs))
		for i, s := range f.subs {
			subs[i] = normalizeNot(s)
		}
		return And(subs...)
	case FilterOr:
		subs := make([]*Filter, len(f.subs))
		for i, s := range f.subs {
			subs[i] = normalizeNot(s)
		}
		return Or(subs...)
	default:
		return f
	}
}

// planFilter dispatches on the normalized filter's shape.
func planFilter(f *Filter, descriptors []*IndexDescriptor) *FindPlan {
	switch f.kind {
	case FilterByID:
		id := f.id
		return &FindPlan{ByID: &id}
	case FilterAnd:
		return planAndGroup(f.subs, descriptors)
	case FilterOr:
		return planOrGroup(f.subs, descriptors)
	default:
		return planAndGroup([]*Filter{f}, descriptors)
	}
}

// planAndGroup implements rewrite 2: score every candidate index by how
// much of its declared prefix the AND-conjuncts constrain, pick the
// maximal-score index, and push the remainder to FullScanFilter.
func planAndGroup(conjuncts []*Filter, descriptors []*IndexDescriptor) *FindPlan {
	conjuncts = flattenAnd(conjuncts)

	// by_id always binds directly to the primary map (rewrite 4), even
	// inside a larger AND: the other conjuncts become a residual filter.
	for i, c := range conjuncts {
		if c.kind == FilterByID {
			id := c.id
			rest := append(append([]*Filter(nil), conjuncts[:i]...), conjuncts[i+1:]...)
			plan := &FindPlan{ByID: &id}
			if len(rest) > 0 {
				plan.FullScanFilter = conjunctsToFilter(rest)
			}
			return plan
		}
	}

	// Group the index-evaluable conjuncts per constrained field: a single
	// equality per field, plus any number of range/Ne/In/NotIn predicates.
	// Conjuncts carrying non-comparable values (an Eq against an Array,
	// say) can never be evaluated against encoded index keys and stay
	// residual-only.
	type fieldConstraint struct {
		eq     *Filter
		others []*Filter
	}
	cons := map[string]*fieldConstraint{}
	constraintFor := func(field string) *fieldConstraint {
		fc, ok := cons[field]
		if !ok {
			fc = &fieldConstraint{}
			cons[field] = fc
		}
		return fc
	}
	indexable := func(c *Filter) bool {
		switch c.kind {
		case FilterEq, FilterNe, FilterLt, FilterLte, FilterGt, FilterGte:
			return c.value.IsComparable()
		case FilterIn, FilterNotIn:
			for _, v := range c.values {
				if !v.IsComparable() {
					return false
				}
			}
			return len(c.values) > 0
		default:
			return false
		}
	}
	var textLeaves []*Filter
	for _, c := range conjuncts {
		switch {
		case c.kind == FilterEq && indexable(c):
			fc := constraintFor(c.field)
			if fc.eq == nil {
				fc.eq = c
			} else {
				fc.others = append(fc.others, c)
			}
		case indexable(c):
			constraintFor(c.field).others = append(constraintFor(c.field).others, c)
		case c.kind == FilterText || c.kind == FilterTextCI:
			textLeaves = append(textLeaves, c)
		}
	}

	// Score each comparable index by how deep into its declared field
	// order the conjuncts reach: equalities extend the usable prefix, and
	// one trailing non-equality field is consumed before the scan stops.
	// Ties prefer more point equalities, then the earlier-declared index.
	var best *IndexDescriptor
	bestPrefix := 0
	bestEqCount := 0
	for _, desc := range descriptors {
		if desc.Type == IndexFullText {
			continue
		}
		prefix := 0
		eqCount := 0
		for _, field := range desc.Fields {
			fc, ok := cons[field]
			if !ok {
				break
			}
			if fc.eq != nil && len(fc.others) == 0 {
				prefix++
				eqCount++
				continue
			}
			prefix++
			break
		}
		if prefix == 0 {
			continue
		}
		if prefix > bestPrefix || (prefix == bestPrefix && eqCount > bestEqCount) {
			best = desc
			bestPrefix = prefix
			bestEqCount = eqCount
		}
	}

	if best != nil {
		consumed := map[*Filter]bool{}
		var scanConjuncts []*Filter
		for i, field := range best.Fields {
			if i >= bestPrefix {
				break
			}
			fc := cons[field]
			if fc.eq != nil {
				scanConjuncts = append(scanConjuncts, fc.eq)
				consumed[fc.eq] = true
			}
			for _, c := range fc.others {
				scanConjuncts = append(scanConjuncts, c)
				consumed[c] = true
			}
		}
		var fullScan []*Filter
		for _, c := range conjuncts {
			if !consumed[c] {
				fullScan = append(fullScan, c)
			}
		}
		plan := &FindPlan{
			IndexDescriptor: best,
			IndexScanFilter: conjunctsToFilter(scanConjuncts),
		}
		if len(fullScan) > 0 {
			plan.FullScanFilter = conjunctsToFilter(fullScan)
		}
		return plan
	}

	// No comparable index applies; an exact-token text predicate can still
	// bind to a full-text index. The index stores casefolded tokens, so the
	// whole conjunct set is kept as the residual to re-verify case and any
	// remaining predicates against the materialized documents.
	for _, tl := range textLeaves {
		desc := fullTextDescriptorFor(descriptors, tl.field)
		if desc == nil || strings.Contains(tl.text, "*") || strings.Contains(tl.text, " ") {
			continue
		}
		return &FindPlan{
			IndexDescriptor: desc,
			IndexScanFilter: Eq(desc.Fields[0], Str(strings.ToLower(tl.text))),
			FullScanFilter:  conjunctsToFilter(conjuncts),
		}
	}

	return &FindPlan{FullScanFilter: conjunctsToFilter(conjuncts)}
}

func fullTextDescriptorFor(descriptors []*IndexDescriptor, field string) *IndexDescriptor {
	for _, desc := range descriptors {
		if desc.Type == IndexFullText && len(desc.Fields) == 1 && desc.Fields[0] == field {
			return desc
		}
	}
	return nil
}

// planOrGroup implements rewrite 3: if every disjunct admits an index
// plan, emit SubPlans for a union+dedup execution; otherwise the whole OR
// is a single full scan.
func planOrGroup(disjuncts []*Filter, descriptors []*IndexDescriptor) *FindPlan {
	subPlans := make([]*FindPlan, 0, len(disjuncts))
	allIndexed := true
	for _, d := range disjuncts {
		sub := planFilter(d, descriptors)
		if sub.IndexDescriptor == nil && sub.ByID == nil {
			allIndexed = false
			break
		}
		subPlans = append(subPlans, sub)
	}
	if !allIndexed {
		return &FindPlan{FullScanFilter: Or(disjuncts...)}
	}
	return &FindPlan{SubPlans: subPlans, Distinct: true}
}

// flattenAnd inlines nested And nodes so their leaves participate in
// index-prefix matching.
func flattenAnd(fs []*Filter) []*Filter {
	out := make([]*Filter, 0, len(fs))
	for _, c := range fs {
		if c.kind == FilterAnd {
			out = append(out, flattenAnd(c.subs)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func conjunctsToFilter(fs []*Filter) *Filter {
	if len(fs) == 0 {
		return nil
	}
	if len(fs) == 1 {
		return fs[0]
	}
	return And(fs...)
}
