package symtab

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, err := NewTable(
		Symbol{Name: "do_version", Address: 0x1040, Size: 0x80, Kind: KindFunction},
		Symbol{Name: "printf", Address: 0x2000, Size: 0x120, Kind: KindFunction, Thumb: true},
		Symbol{Name: "do_help", Address: 0x3000, Size: 0x60, Kind: KindFunction},
		Symbol{Name: "version_string", Address: 0x7000, Size: 0x40, Kind: KindData},
		Symbol{Name: "_start", Address: 0x0, Kind: KindFunction},
	)
	require.NoError(t, err)
	return tbl
}

func TestTableResolve(t *testing.T) {
	tbl := testTable(t)

	s, err := tbl.Resolve("printf")
	require.NoError(t, err)
	require.Equal(t, uint64(0x2000), s.Address)
	require.Equal(t, uint64(0x120), s.Size)
	require.Equal(t, KindFunction, s.Kind)
	require.Equal(t, uint64(0x2001), s.CallAddress())

	_, err = tbl.Resolve("print")
	var unknown *UnknownSymbolError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"print"}, unknown.Names)
}

func TestTableResolveMany(t *testing.T) {
	tbl := testTable(t)

	res, err := tbl.ResolveMany("do_version", "printf", "do_help", "printf")
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, uint64(0x3000), res["do_help"].Address)

	res, err = tbl.ResolveMany("do_version", "puts", "memcpy")
	require.Nil(t, res)
	var unknown *UnknownSymbolError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"memcpy", "puts"}, unknown.Names)
	require.EqualError(t, err, "unknown symbols: memcpy, puts")
}

func TestTableLookup(t *testing.T) {
	tbl := testTable(t)

	tests := []struct {
		addr uint64
		want string
		ok   bool
	}{
		{addr: 0x0, want: "_start", ok: true},
		{addr: 0x1040, want: "do_version", ok: true},
		{addr: 0x10bf, want: "do_version", ok: true},
		{addr: 0x10c0, ok: false},
		{addr: 0x211f, want: "printf", ok: true},
		{addr: 0x7010, want: "version_string", ok: true},
		{addr: 0x9000, ok: false},
	}
	for _, tt := range tests {
		s, ok := tbl.Lookup(tt.addr)
		require.Equal(t, tt.ok, ok, "addr 0x%x", tt.addr)
		if tt.ok {
			require.Equal(t, tt.want, s.Name, "addr 0x%x", tt.addr)
		}
	}
}

func TestNewTableValidation(t *testing.T) {
	_, err := NewTable(
		Symbol{Name: "a", Address: 0x100, Size: 0x40, Kind: KindFunction},
		Symbol{Name: "b", Address: 0x120, Size: 0x40, Kind: KindFunction},
		Symbol{Name: "a", Address: 0x400, Size: 0x4, Kind: KindFunction},
		Symbol{Name: "", Address: 0x500, Kind: KindData},
		Symbol{Name: "nokind", Address: 0x600},
	)
	require.Error(t, err)

	merr, ok := err.(*multierror.Error)
	require.True(t, ok)
	require.Len(t, merr.Errors, 4)

	var dup *DuplicateSymbolError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, "a", dup.Name)

	var overlap *OverlapError
	require.ErrorAs(t, err, &overlap)
	require.Equal(t, "a", overlap.A.Name)
	require.Equal(t, "b", overlap.B.Name)
}

func TestNewTableAliases(t *testing.T) {
	_, err := NewTable(
		Symbol{Name: "memcpy", Address: 0x100, Size: 0x40, Kind: KindFunction},
		Symbol{Name: "__memcpy", Address: 0x100, Size: 0x40, Kind: KindFunction, AliasOf: "memcpy"},
		// data may overlap functions, literal pools live inside them.
		Symbol{Name: "pool", Address: 0x130, Size: 0x10, Kind: KindData},
	)
	require.NoError(t, err)
}

func TestKindText(t *testing.T) {
	for _, in := range []string{"function", "FUNC", " Function "} {
		k, err := ParseKind(in)
		require.NoError(t, err)
		require.Equal(t, KindFunction, k)
	}
	k, err := ParseKind("object")
	require.NoError(t, err)
	require.Equal(t, KindData, k)

	_, err = ParseKind("section")
	require.Error(t, err)

	text, err := KindData.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "data", string(text))
	require.Equal(t, "FUNCTION", KindFunction.String())
}
