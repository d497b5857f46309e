package dhcp

import (
	"text/template"

	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// dashes ( {{- or -}} ) control blank lines in the output; change with care.
var iscTmpl = template.Must(template.New("isc").Parse(iscTxt))

const iscTxt = `# Generated by provisiond. Local changes will be overwritten.
{{- with .Header}}

{{.}}
{{- end}}
{{range .Hosts}}
host {{.ID}} {
    hardware ethernet {{.MAC}};
{{- if .IP}}
    fixed-address {{.IP}};
{{- end}}
    option host-name "{{.Hostname}}";
{{- if .Gateway}}
    option routers {{.Gateway}};
{{- end}}
{{- if .Netmask}}
    option subnet-mask {{.Netmask}};
{{- end}}
{{- if .Filename}}
    filename "{{.Filename}}";
{{- if .NextServer}}
    next-server {{.NextServer}};
{{- end}}
{{- end}}
}
{{end -}}
`

// NewISCFactory returns the factory for the "isc" module, which writes
// dhcpd.conf.
func NewISCFactory() manager.Factory {
	return func(p manager.Params) (pipeline.Manager, error) {
		return newManager(p, []renderer{{path: "dhcpd.conf", tmpl: iscTmpl}})
	}
}
