package main

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/whyitfor/ofrak-u-boot/pkg/symtab"
)

type symbolsParams struct {
	file   string
	lookup []string
}

func addSymbolsParams(cmd *kingpin.CmdClause) *symbolsParams {
	p := new(symbolsParams)
	cmd.Arg("file", "Analysis artifact (YAML or JSON) or ELF.").Required().StringVar(&p.file)
	cmd.Flag("lookup", "Only print the symbols containing these addresses.").StringsVar(&p.lookup)
	return p
}

func loadSymbols(fs afero.Fs, path string) (*symtab.Table, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte(elf.ELFMAG)) {
		f, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, &symtab.MalformedArtifactError{Source: path, Err: err}
		}
		_, t, err := symtab.FromELF(f)
		return t, err
	}
	_, t, err := symtab.LoadArtifact(bytes.NewReader(data))
	return t, err
}

func symbols(ctx context.Context, p *symbolsParams) error {
	t, err := loadSymbols(afero.NewOsFs(), p.file)
	if err != nil {
		return err
	}

	list := t.Symbols()
	if len(p.lookup) > 0 {
		list = list[:0:0]
		for _, s := range p.lookup {
			addr, err := strconv.ParseUint(s, 0, 64)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", s, err)
			}
			sym, ok := t.Lookup(addr)
			if !ok {
				return fmt.Errorf("no symbol contains 0x%x", addr)
			}
			list = append(list, sym)
		}
	}

	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Name", "Address", "Size", "Kind", "Thumb", "Alias of"})
	for _, s := range list {
		table.Append([]string{
			s.Name,
			fmt.Sprintf("0x%x", s.Address),
			humanize.IBytes(s.Size),
			s.Kind.String(),
			strconv.FormatBool(s.Thumb),
			s.AliasOf,
		})
	}
	table.Render()
	return nil
}
