package xpath

import (
	"fmt"
	"strings"
)

// Predicate is a single `[key='value']` constraint on a path segment.
type Predicate struct {
	Key   string
	Value string
}

// Segment is one `/`-delimited step of a compiled path, e.g. `list[key='a']`.
type Segment struct {
	Name       string
	Predicates []Predicate
}

// Filter is a compiled XPath filter. Compilation is intentionally
// shallow: it recognizes `/`-separated segments and `[name='value']`
// predicates and nothing richer (no functions, no unions, no relative
// axes). That is sufficient for the textual matching spec.md asks for and
// is far short of a real XPath engine — schema-aware parsing belongs to
// the external schema context this package does not own.
type Filter struct {
	Raw      string
	Segments []Segment
}

// Compile parses raw into a Filter. An empty string compiles to the
// root filter, which matches everything.
func Compile(raw string) (*Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "/" {
		return &Filter{Raw: raw}, nil
	}
	trimmed := strings.TrimPrefix(raw, "/")
	parts := strings.Split(trimmed, "/")
	segs := make([]Segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		seg, err := parseSegment(p)
		if err != nil {
			return nil, fmt.Errorf("xpath: invalid segment %q in %q: %w", p, raw, err)
		}
		segs = append(segs, seg)
	}
	return &Filter{Raw: raw, Segments: segs}, nil
}

func parseSegment(p string) (Segment, error) {
	open := strings.IndexByte(p, '[')
	if open < 0 {
		return Segment{Name: p}, nil
	}
	if !strings.HasSuffix(p, "]") {
		return Segment{}, fmt.Errorf("unterminated predicate")
	}
	name := p[:open]
	body := p[open+1 : len(p)-1]
	preds := make([]Predicate, 0, 1)
	for _, clause := range strings.Split(body, " and ") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		eq := strings.IndexByte(clause, '=')
		if eq < 0 {
			// Positional/boolean predicate (e.g. "1", "last()") — kept
			// for round-tripping but never matched against.
			preds = append(preds, Predicate{Key: clause})
			continue
		}
		key := strings.TrimSpace(clause[:eq])
		val := strings.Trim(strings.TrimSpace(clause[eq+1:]), `'"`)
		preds = append(preds, Predicate{Key: key, Value: val})
	}
	return Segment{Name: name, Predicates: preds}, nil
}

// String returns the normalized path the filter was compiled from.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.Raw
}

// Matches reports whether the concrete instance path matches this filter:
// every predicate-bearing segment in the filter must be present, in order,
// with matching predicate values, in the candidate path. Segments the
// filter does not constrain (because the filter is shorter, i.e. an
// ancestor path) are treated as matching any candidate that descends from
// them — a change anywhere under a subscribed subtree is delivered.
func (f *Filter) Matches(path string) bool {
	if f == nil || len(f.Segments) == 0 {
		return true // root filter selects everything
	}
	cand, err := Compile(path)
	if err != nil {
		return false
	}
	if len(cand.Segments) < len(f.Segments) {
		return false
	}
	for i, fs := range f.Segments {
		cs := cand.Segments[i]
		if fs.Name != cs.Name {
			return false
		}
		if !predicatesSatisfied(fs.Predicates, cs.Predicates) {
			return false
		}
	}
	return true
}

func predicatesSatisfied(want, have []Predicate) bool {
	for _, w := range want {
		if w.Value == "" {
			continue // positional predicate, not matched textually
		}
		ok := false
		for _, h := range have {
			if h.Key == w.Key && h.Value == w.Value {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// IsStrictAncestorOf reports whether f's path is a strict prefix of
// other's path — f names fewer segments and every one of them matches the
// corresponding segment of other. Used by the Operational Composer to
// order parent providers before child providers.
func (f *Filter) IsStrictAncestorOf(other *Filter) bool {
	if f == nil || other == nil {
		return false
	}
	if len(f.Segments) >= len(other.Segments) {
		return false
	}
	for i, fs := range f.Segments {
		os := other.Segments[i]
		if fs.Name != os.Name {
			return false
		}
		if !predicatesSatisfied(fs.Predicates, os.Predicates) {
			return false
		}
	}
	return true
}

// CouldSelectUnder is the "textual redundancy check" of spec.md §4.6,
// point 3: a conservative, imprecise test for whether the request filter
// req could select any data under provider path prov. It returns true
// whenever one path is a segment-name prefix of the other, ignoring
// predicate values — false negatives are not possible (it never skips a
// provider that could actually match), false positives are expected and
// accepted (an unnecessary provider call is harmless, a skipped necessary
// one is not). This is a deliberate simplification; spec.md §9 notes the
// exact algorithm is unspecified and "will never cover all the cases".
func CouldSelectUnder(req, prov *Filter) bool {
	if req == nil || prov == nil {
		return true
	}
	n := len(req.Segments)
	if len(prov.Segments) < n {
		n = len(prov.Segments)
	}
	for i := 0; i < n; i++ {
		if req.Segments[i].Name != prov.Segments[i].Name {
			return false
		}
	}
	return true
}
