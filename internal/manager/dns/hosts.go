package dns

import (
	"bytes"
	"fmt"

	"provisiond/internal/manager"
	"provisiond/internal/pipeline"
)

// NewHostsFactory returns the factory for the "hosts" module, which writes
// a hosts file for dnsmasq's addn-hosts or a plain resolver.
func NewHostsFactory() manager.Factory {
	return func(p manager.Params) (pipeline.Manager, error) {
		return newManager(p, renderHosts)
	}
}

func renderHosts(_ *Manager, addrs []address) ([]pipeline.Artifact, error) {
	var buf bytes.Buffer
	buf.WriteString("# Generated by provisiond. Local changes will be overwritten.\n")
	for _, a := range addrs {
		if a.Short != a.FQDN {
			fmt.Fprintf(&buf, "%s\t%s %s\n", a.Addr, a.FQDN, a.Short)
		} else {
			fmt.Fprintf(&buf, "%s\t%s\n", a.Addr, a.FQDN)
		}
	}
	return []pipeline.Artifact{{Path: "hosts", Data: buf.Bytes()}}, nil
}
