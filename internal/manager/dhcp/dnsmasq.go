package dhcp

import (
	"text/template"

	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

var (
	dnsmasqTmpl = template.Must(template.New("dnsmasq").Parse(dnsmasqTxt))
	ethersTmpl  = template.Must(template.New("ethers").Parse(ethersTxt))
)

const dnsmasqTxt = `# Generated by provisiond. Local changes will be overwritten.
{{- with .Header}}

{{.}}
{{- end}}
{{range .Hosts}}
dhcp-host={{.MAC}}{{if .Filename}},set:{{.ID}}{{end}}{{with .IP}},{{.}}{{end}},{{.Hostname}}
{{- if .Filename}}
dhcp-boot=tag:{{.ID}},{{.Filename}}{{with .NextServer}},,{{.}}{{end}}
{{- end}}
{{- end}}
`

const ethersTxt = `{{range .Hosts}}{{if .IP}}{{.MAC}} {{.IP}}
{{end}}{{end}}`

// NewDnsmasqFactory returns the factory for the "dnsmasq" module, which
// writes provisiond.conf for dnsmasq's conf-dir and an ethers file.
func NewDnsmasqFactory() manager.Factory {
	return func(p manager.Params) (pipeline.Manager, error) {
		return newManager(p, []renderer{
			{path: "provisiond.conf", tmpl: dnsmasqTmpl},
			{path: "ethers", tmpl: ethersTmpl},
		})
	}
}
