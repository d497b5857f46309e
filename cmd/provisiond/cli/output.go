package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"provisiond/internal/item"
)

// Output formats for --output.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// printer writes tables, key-value views or structured documents.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string, w io.Writer) (*printer, error) {
	switch format {
	case formatTable, formatJSON, formatYAML:
		return &printer{format: format, w: w}, nil
	}
	return nil, fmt.Errorf("unknown output format %q: want table, json or yaml", format)
}

// structured reports whether v should be encoded instead of drawn.
func (p *printer) structured() bool { return p.format != formatTable }

func (p *printer) encode(v any) error {
	if p.format == formatYAML {
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes header and rows through a tabwriter.
func (p *printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	_ = tw.Flush()
}

// kv prints a key-value detail view.
func (p *printer) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, pair := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
	_ = tw.Flush()
}

// itemPairs builds the detail view of an item. Maps are flattened in
// sorted key order.
func itemPairs(it *item.Item) [][2]string {
	pairs := [][2]string{
		{"Name", it.Name},
		{"Kind", string(it.Kind)},
		{"UID", it.UID},
	}
	if it.Parent != "" {
		pairs = append(pairs, [2]string{"Parent", string(it.ParentKind) + "/" + it.Parent})
	}
	if it.Menu != "" {
		pairs = append(pairs, [2]string{"Menu", it.Menu})
	}
	if len(it.Repos) > 0 {
		pairs = append(pairs, [2]string{"Repos", strings.Join(it.Repos, ", ")})
	}
	if it.Comment != "" {
		pairs = append(pairs, [2]string{"Comment", it.Comment})
	}
	if len(it.Owners) > 0 {
		pairs = append(pairs, [2]string{"Owners", strings.Join(it.Owners, ", ")})
	}
	pairs = append(pairs, [2]string{"Depth", fmt.Sprint(it.Depth)})
	for _, k := range sortedKeys(it.Attributes) {
		pairs = append(pairs, [2]string{"Attr: " + k, it.Attributes[k]})
	}
	for _, attr := range sortedKeys(it.Options) {
		opts := it.Options[attr]
		parts := make([]string, 0, len(opts))
		for _, k := range sortedKeys(opts) {
			if opts[k] == "" {
				parts = append(parts, k)
			} else {
				parts = append(parts, k+"="+opts[k])
			}
		}
		pairs = append(pairs, [2]string{"Option: " + attr, strings.Join(parts, " ")})
	}
	for _, name := range it.InterfaceNames() {
		iface := it.Interfaces[name]
		var parts []string
		for _, f := range [][2]string{
			{"mac", iface.MACAddress},
			{"ip", iface.IPAddress},
			{"ipv6", iface.IPv6Address},
			{"dns", iface.DNSName},
			{"netmask", iface.Netmask},
			{"gateway", iface.Gateway},
		} {
			if f[1] != "" {
				parts = append(parts, f[0]+"="+f[1])
			}
		}
		pairs = append(pairs, [2]string{"Interface: " + name, strings.Join(parts, " ")})
	}
	pairs = append(pairs,
		[2]string{"Created", it.Ctime.Format("2006-01-02 15:04:05")},
		[2]string{"Modified", it.Mtime.Format("2006-01-02 15:04:05")},
	)
	return pairs
}
