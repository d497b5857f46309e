package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"provisiond/internal/item"
)

// addItemFlags registers the flags that set item fields. Interface flags
// only exist for systems.
func addItemFlags(cmd *cobra.Command, kind item.Kind) {
	f := cmd.Flags()
	f.String("parent", "", "parent item name ("+kindNames(kind.ParentKinds())+")")
	f.String("comment", "", "free-form comment")
	f.StringSlice("owners", nil, "owner names")
	f.StringArray("attr", nil, "attribute key=value (repeatable; value <<inherit>> resolves from the parent)")
	f.StringArray("unset", nil, "attribute or option map to remove (repeatable)")
	f.StringArray("option", nil, "map attribute entry attr:key=value, e.g. kernel_options:console=ttyS0 (repeatable)")
	switch kind {
	case item.KindProfile:
		f.StringSlice("repos", nil, "repository names")
		f.String("menu", "", "boot menu name")
	case item.KindImage:
		f.String("menu", "", "boot menu name")
	case item.KindSystem:
		f.StringArray("interface", nil, "interface field name:field=value, e.g. eth0:mac_address=aa:bb:cc:dd:ee:ff (repeatable)")
		f.StringArray("delete-interface", nil, "interface to remove (repeatable)")
	}
}

func kindNames(kinds []item.Kind) string {
	if len(kinds) == 0 {
		return "none"
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, " or ")
}

// readItemFile decodes a YAML (or JSON) item description.
func readItemFile(path string, kind item.Kind, name string) (*item.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	it := item.New(kind, name)
	uid := it.UID
	if err := yaml.Unmarshal(data, it); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if it.Kind != kind {
		return nil, fmt.Errorf("%s describes a %s, not a %s", path, it.Kind, kind)
	}
	it.Name = name
	if it.UID == "" {
		it.UID = uid
	}
	return it, nil
}

// applyItemFlags copies the flags the user set onto it.
func applyItemFlags(cmd *cobra.Command, it *item.Item) error {
	f := cmd.Flags()
	if f.Changed("parent") {
		it.Parent, _ = f.GetString("parent")
		it.ParentKind = ""
	}
	if f.Changed("comment") {
		it.Comment, _ = f.GetString("comment")
	}
	if f.Changed("owners") {
		it.Owners, _ = f.GetStringSlice("owners")
	}
	if f.Lookup("menu") != nil && f.Changed("menu") {
		it.Menu, _ = f.GetString("menu")
	}
	if f.Lookup("repos") != nil && f.Changed("repos") {
		it.Repos, _ = f.GetStringSlice("repos")
	}

	unset, _ := f.GetStringArray("unset")
	for _, key := range unset {
		delete(it.Attributes, key)
		delete(it.Options, key)
	}
	attrs, _ := f.GetStringArray("attr")
	for _, kv := range attrs {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("--attr %q: want key=value", kv)
		}
		it.SetAttr(key, value)
	}
	options, _ := f.GetStringArray("option")
	for _, opt := range options {
		attr, kv, ok := strings.Cut(opt, ":")
		if !ok || attr == "" {
			return fmt.Errorf("--option %q: want attr:key=value", opt)
		}
		key, value, _ := strings.Cut(kv, "=")
		if key == "" {
			return fmt.Errorf("--option %q: empty key", opt)
		}
		it.SetOption(attr, key, value)
	}

	if f.Lookup("interface") == nil {
		return nil
	}
	drop, _ := f.GetStringArray("delete-interface")
	for _, name := range drop {
		delete(it.Interfaces, name)
	}
	ifaces, _ := f.GetStringArray("interface")
	for _, arg := range ifaces {
		if err := setInterfaceField(it, arg); err != nil {
			return err
		}
	}
	return nil
}

// setInterfaceField applies one "name:field=value" flag.
func setInterfaceField(it *item.Item, arg string) error {
	name, kv, ok := strings.Cut(arg, ":")
	field, value, ok2 := strings.Cut(kv, "=")
	if !ok || !ok2 || name == "" {
		return fmt.Errorf("--interface %q: want name:field=value", arg)
	}
	iface := it.Interfaces[name]
	switch field {
	case "mac_address", "mac":
		iface.MACAddress = value
	case "ip_address", "ip":
		iface.IPAddress = value
	case "ipv6_address", "ipv6":
		iface.IPv6Address = value
	case "dns_name":
		iface.DNSName = value
	case "netmask":
		iface.Netmask = value
	case "gateway":
		iface.Gateway = value
	case "static", "management":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("--interface %q: %w", arg, err)
		}
		if field == "static" {
			iface.Static = b
		} else {
			iface.Management = b
		}
	default:
		return fmt.Errorf("--interface %q: unknown field %q", arg, field)
	}
	it.SetInterface(name, iface)
	return nil
}
