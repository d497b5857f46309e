package dns

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strconv"
	"text/template"

	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// Module parameters for "bind".
const (
	ParamNameserver = "nameserver" // default ns.<domain>
	ParamContact    = "contact"    // default hostmaster.<domain>
	ParamTTL        = "ttl"        // default 300
)

var (
	zoneTmpl  = template.Must(template.New("zone").Parse(zoneTxt))
	namedTmpl = template.Must(template.New("named").Parse(namedTxt))
)

const zoneTxt = `; Generated by provisiond. Local changes will be overwritten.
$ORIGIN {{.Zone.Name}}.
$TTL {{.TTL}}
@	IN	SOA	{{.NS}}. {{.Contact}}. (
		{{.Zone.Serial}}	; serial
		3600	; refresh
		600	; retry
		604800	; expire
		300 )	; minimum
	IN	NS	{{.NS}}.
{{range .Zone.Records}}{{.Name}}	IN	{{.Type}}	{{.Value}}
{{end -}}
`

const namedTxt = `// Generated by provisiond. Local changes will be overwritten.
{{range .}}
zone "{{.Name}}" {
	type master;
	file "{{.File}}";
};
{{end -}}
`

type bind struct {
	ns      string
	contact string
	ttl     int
}

// NewBindFactory returns the factory for the "bind" module. It writes one
// db.<zone> file per zone and named.conf.provisiond, an include listing
// them with absolute paths.
func NewBindFactory() manager.Factory {
	return func(p manager.Params) (pipeline.Manager, error) {
		b := bind{
			ns:      p.Settings.Params[ParamNameserver],
			contact: p.Settings.Params[ParamContact],
			ttl:     300,
		}
		if s := p.Settings.Params[ParamTTL]; s != "" {
			ttl, err := strconv.Atoi(s)
			if err != nil || ttl <= 0 {
				return nil, fmt.Errorf("dns: bad %s %q", ParamTTL, s)
			}
			b.ttl = ttl
		}
		return newManager(p, b.render)
	}
}

func (b bind) render(m *Manager, addrs []address) ([]pipeline.Artifact, error) {
	ns, contact := b.ns, b.contact
	if ns == "" {
		ns = "ns." + m.domain
	}
	if contact == "" {
		contact = "hostmaster." + m.domain
	}

	type stanza struct{ Name, File string }
	var stanzas []stanza
	var out []pipeline.Artifact
	for _, z := range buildZones(addrs, m.domain) {
		var buf bytes.Buffer
		err := zoneTmpl.Execute(&buf, struct {
			Zone    Zone
			NS      string
			Contact string
			TTL     int
		}{z, ns, contact, b.ttl})
		if err != nil {
			return nil, fmt.Errorf("render zone %s: %w", z.Name, err)
		}
		name := "db." + z.Name
		out = append(out, pipeline.Artifact{Path: name, Data: buf.Bytes()})
		stanzas = append(stanzas, stanza{Name: z.Name, File: filepath.Join(m.Dir(), name)})
	}

	var buf bytes.Buffer
	if err := namedTmpl.Execute(&buf, stanzas); err != nil {
		return nil, fmt.Errorf("render named.conf: %w", err)
	}
	out = append(out, pipeline.Artifact{Path: "named.conf.provisiond", Data: buf.Bytes()})
	return out, nil
}
