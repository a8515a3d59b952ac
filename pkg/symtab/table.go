package symtab

import (
	"errors"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"
)

// Table is a read-only set of symbols, queried by name or by address.
type Table struct {
	byName    map[string]Symbol
	ambiguous map[string][]uint64
	// all symbols sorted by address.
	byAddr []Symbol
}

// NewTable validates symbols and builds a table. Every problem found is
// reported, not just the first one.
func NewTable(symbols ...Symbol) (*Table, error) {
	return newTable(symbols, nil)
}

func newTable(symbols []Symbol, ambiguous map[string][]uint64) (*Table, error) {
	t := &Table{
		byName:    make(map[string]Symbol, len(symbols)),
		ambiguous: ambiguous,
		byAddr:    make([]Symbol, 0, len(symbols)),
	}

	var errs error
	for _, s := range symbols {
		if s.Name == "" {
			errs = multierror.Append(errs, errors.New("symbol without a name"))
			continue
		}
		if s.Kind != KindFunction && s.Kind != KindData {
			errs = multierror.Append(errs, &MalformedArtifactError{Err: errors.New("symbol " + s.Name + " has no kind")})
			continue
		}
		if _, ok := t.byName[s.Name]; ok {
			errs = multierror.Append(errs, &DuplicateSymbolError{Name: s.Name})
			continue
		}
		t.byName[s.Name] = s
		t.byAddr = append(t.byAddr, s)
	}

	sort.SliceStable(t.byAddr, func(i, j int) bool {
		return t.byAddr[i].Address < t.byAddr[j].Address
	})

	for _, err := range t.functionOverlaps() {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		return nil, errs
	}
	return t, nil
}

// functionOverlaps checks that no two sized functions share bytes unless one
// is declared an alias of the other.
func (t *Table) functionOverlaps() []error {
	funcs := lo.Filter(t.byAddr, func(s Symbol, _ int) bool {
		return s.Kind == KindFunction && s.Size > 0
	})
	var errs []error
	for i, a := range funcs {
		for _, b := range funcs[i+1:] {
			if b.Address >= a.End() {
				break
			}
			if a.aliasRoot() == b.aliasRoot() {
				continue
			}
			errs = append(errs, &OverlapError{A: a, B: b})
		}
	}
	return errs
}

// Resolve returns the symbol called name. It never falls back to a similar
// name.
func (t *Table) Resolve(name string) (Symbol, error) {
	if addrs, ok := t.ambiguous[name]; ok {
		return Symbol{}, &AmbiguousSymbolError{Name: name, Addresses: addrs}
	}
	s, ok := t.byName[name]
	if !ok {
		return Symbol{}, &UnknownSymbolError{Names: []string{name}}
	}
	return s, nil
}

// ResolveMany resolves all names or none. The error lists every missing name.
func (t *Table) ResolveMany(names ...string) (map[string]Symbol, error) {
	res := make(map[string]Symbol, len(names))
	var missing []string
	for _, name := range lo.Uniq(names) {
		s, err := t.Resolve(name)
		if err != nil {
			var ambiguous *AmbiguousSymbolError
			if errors.As(err, &ambiguous) {
				return nil, err
			}
			missing = append(missing, name)
			continue
		}
		res[name] = s
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &UnknownSymbolError{Names: missing}
	}
	return res, nil
}

// Lookup finds the symbol covering addr. Zero sized symbols only match their
// exact address.
func (t *Table) Lookup(addr uint64) (Symbol, bool) {
	idx := sort.Search(len(t.byAddr), func(i int) bool {
		return t.byAddr[i].Address > addr
	})
	idx--

	for ; idx >= 0; idx-- {
		s := t.byAddr[idx]
		if s.Address == addr || addr < s.End() {
			return s, true
		}
	}
	return Symbol{}, false
}

// Symbols returns all symbols ordered by address.
func (t *Table) Symbols() []Symbol {
	return append([]Symbol(nil), t.byAddr...)
}

func (t *Table) Len() int { return len(t.byAddr) }
