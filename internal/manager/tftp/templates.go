package tftp

import (
	"strings"
	"text/template"
)

// grubFuncs quotes titles for grub's single-quoted strings.
var grubFuncs = template.FuncMap{
	"quote": func(s string) string { return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'" },
}

// dashes ( {{- or -}} ) control blank lines in the output; change with care.
var (
	defaultTmpl  = template.Must(template.New("default").Parse(defaultTxt))
	systemTmpl   = template.Must(template.New("system").Parse(systemTxt))
	grubTmpl     = template.Must(template.New("grub").Funcs(grubFuncs).Parse(grubTxt))
	grubMenuTmpl = template.Must(template.New("grubmenu").Funcs(grubFuncs).Parse(grubMenuTxt))
)

const defaultTxt = `# Generated by provisiond. Local changes will be overwritten.
UI menu.c32
PROMPT 0
MENU TITLE {{.Title}}
TIMEOUT {{.Timeout}}
TOTALTIMEOUT 6000
ONTIMEOUT local

LABEL local
	MENU LABEL (local)
	MENU DEFAULT
	LOCALBOOT -1
{{- template "entries" .Root}}

MENU end
{{- define "entries"}}
{{- range .Entries}}

LABEL {{.Label}}
	MENU LABEL {{.Title}}
	KERNEL {{.Kernel}}
{{- if .Initrd}}
	INITRD {{.Initrd}}
{{- end}}
{{- if .Append}}
	APPEND {{.Append}}
{{- end}}
{{- end}}
{{- range .Children}}

MENU BEGIN {{.Name}}
	MENU TITLE {{.Title}}
{{- template "entries" .}}

	MENU END
{{- end}}
{{- end}}
`

const systemTxt = `# Generated by provisiond. Local changes will be overwritten.
{{- if .Bootable}}
DEFAULT {{.Entry.Label}}
PROMPT 0
TIMEOUT 1

LABEL {{.Entry.Label}}
	KERNEL {{.Entry.Kernel}}
{{- if .Entry.Initrd}}
	INITRD {{.Entry.Initrd}}
{{- end}}
{{- if .Entry.Append}}
	APPEND {{.Entry.Append}}
{{- end}}
{{- else}}
DEFAULT local
PROMPT 0
TIMEOUT 1

LABEL local
	LOCALBOOT -1
{{- end}}
`

const grubTxt = `# Generated by provisiond. Local changes will be overwritten.
set timeout=1
{{- if .Bootable}}
menuentry {{quote .Entry.Title}} {
	linux {{.Entry.Kernel}}{{with .Entry.Append}} {{.}}{{end}}
{{- if .Entry.Initrd}}
	initrd {{.Entry.Initrd}}
{{- end}}
}
{{- else}}
exit
{{- end}}
`

const grubMenuTxt = `# Generated by provisiond. Local changes will be overwritten.
set timeout={{.Timeout}}
set default=local

menuentry 'Local disk' --id local {
	exit
}
{{- template "entries" .Root}}
{{- define "entries"}}
{{- range .Entries}}

menuentry {{quote .Title}} --id {{.Label}} {
	linux {{.Kernel}}{{with .Append}} {{.}}{{end}}
{{- if .Initrd}}
	initrd {{.Initrd}}
{{- end}}
}
{{- end}}
{{- range .Children}}

submenu {{quote .Title}} {
{{- template "entries" .}}
}
{{- end}}
{{- end}}
`
