// Package item defines the provisioning entities managed by the control plane.
//
// An Item is a plain record. Parent and foreign-key references are kept as
// names and resolved through a Graph at read time; an Item never holds a
// pointer to another Item. Collections own Items exclusively, so anything
// handed out to callers is a Clone.
package item

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Kind identifies one of the six entity variants.
type Kind string

const (
	KindDistro  Kind = "distro"
	KindProfile Kind = "profile"
	KindImage   Kind = "image"
	KindMenu    Kind = "menu"
	KindRepo    Kind = "repo"
	KindSystem  Kind = "system"
)

// Kinds lists every kind in dependency order: a kind only references kinds
// that appear before it. Loading and syncing walk collections in this order.
var Kinds = []Kind{KindRepo, KindDistro, KindMenu, KindProfile, KindImage, KindSystem}

// Inherit is the attribute value that defers to the parent chain.
const Inherit = "<<inherit>>"

var (
	ErrUnknownKind = errors.New("unknown item kind")
	ErrInvalidName = errors.New("invalid item name")
	ErrInvalidItem = errors.New("invalid item")
)

// ParseKind accepts a singular or plural kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s"))
	if k == "distribution" {
		k = KindDistro
	}
	if k == "repositorie" || k == "repository" {
		k = KindRepo
	}
	if !slices.Contains(Kinds, k) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Plural returns the collection name for the kind.
func (k Kind) Plural() string { return string(k) + "s" }

func (k Kind) String() string { return string(k) }

// ParentKinds returns the kinds an item of kind k may name as its parent, in
// the order they are tried when the parent kind is not given explicitly.
func (k Kind) ParentKinds() []Kind {
	switch k {
	case KindProfile:
		return []Kind{KindDistro, KindProfile}
	case KindSystem:
		return []Kind{KindProfile, KindImage}
	case KindMenu:
		return []Kind{KindMenu}
	}
	return nil
}

// Interface is one network interface of a System.
type Interface struct {
	MACAddress  string `json:"mac_address,omitempty" yaml:"mac_address,omitempty" msgpack:"mac_address,omitempty"`
	IPAddress   string `json:"ip_address,omitempty" yaml:"ip_address,omitempty" msgpack:"ip_address,omitempty"`
	IPv6Address string `json:"ipv6_address,omitempty" yaml:"ipv6_address,omitempty" msgpack:"ipv6_address,omitempty"`
	DNSName     string `json:"dns_name,omitempty" yaml:"dns_name,omitempty" msgpack:"dns_name,omitempty"`
	Netmask     string `json:"netmask,omitempty" yaml:"netmask,omitempty" msgpack:"netmask,omitempty"`
	Gateway     string `json:"gateway,omitempty" yaml:"gateway,omitempty" msgpack:"gateway,omitempty"`
	Static      bool   `json:"static,omitempty" yaml:"static,omitempty" msgpack:"static,omitempty"`
	Management  bool   `json:"management,omitempty" yaml:"management,omitempty" msgpack:"management,omitempty"`
}

// Item is a single provisioning entity.
type Item struct {
	Name string `json:"name" yaml:"name" msgpack:"name"`
	Kind Kind   `json:"kind" yaml:"kind" msgpack:"kind"`
	UID  string `json:"uid" yaml:"uid" msgpack:"uid"`

	// Parent names the item this one inherits from. ParentKind records which
	// of Kind.ParentKinds() it refers to; it is filled in on add when empty.
	Parent     string `json:"parent,omitempty" yaml:"parent,omitempty" msgpack:"parent,omitempty"`
	ParentKind Kind   `json:"parent_kind,omitempty" yaml:"parent_kind,omitempty" msgpack:"parent_kind,omitempty"`

	// Repos lists repository names (profiles only).
	Repos []string `json:"repos,omitempty" yaml:"repos,omitempty" msgpack:"repos,omitempty"`
	// Menu names the boot menu the item appears in (profiles and images).
	Menu string `json:"menu,omitempty" yaml:"menu,omitempty" msgpack:"menu,omitempty"`
	// Interfaces is keyed by interface name (systems only).
	Interfaces map[string]Interface `json:"interfaces,omitempty" yaml:"interfaces,omitempty" msgpack:"interfaces,omitempty"`

	// Attributes holds scalar settings. A missing key or the value Inherit
	// resolves through the parent chain.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" msgpack:"attributes,omitempty"`
	// Options holds map-valued settings such as kernel_options. They merge
	// along the chain: ancestors first, then the item itself. A "!key" entry
	// removes key.
	Options map[string]map[string]string `json:"options,omitempty" yaml:"options,omitempty" msgpack:"options,omitempty"`

	Comment string    `json:"comment,omitempty" yaml:"comment,omitempty" msgpack:"comment,omitempty"`
	Owners  []string  `json:"owners,omitempty" yaml:"owners,omitempty" msgpack:"owners,omitempty"`
	Depth   int       `json:"depth" yaml:"depth" msgpack:"depth"`
	Ctime   time.Time `json:"ctime" yaml:"ctime" msgpack:"ctime"`
	Mtime   time.Time `json:"mtime" yaml:"mtime" msgpack:"mtime"`
}

// New returns an empty item with a fresh UID.
func New(kind Kind, name string) *Item {
	now := time.Now().UTC()
	return &Item{
		Name:  name,
		Kind:  kind,
		UID:   uuid.NewString(),
		Ctime: now,
		Mtime: now,
	}
}

// Clone returns a deep copy.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	c := *it
	c.Repos = slices.Clone(it.Repos)
	c.Owners = slices.Clone(it.Owners)
	c.Interfaces = maps.Clone(it.Interfaces)
	c.Attributes = maps.Clone(it.Attributes)
	if it.Options != nil {
		c.Options = make(map[string]map[string]string, len(it.Options))
		for k, v := range it.Options {
			c.Options[k] = maps.Clone(v)
		}
	}
	return &c
}

// Key identifies an item across collections.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.Name }

// Key returns the item's cross-collection key.
func (it *Item) Key() Key { return Key{Kind: it.Kind, Name: it.Name} }

// Attr returns the item's own scalar value for key.
func (it *Item) Attr(key string) (string, bool) {
	v, ok := it.Attributes[key]
	return v, ok
}

// SetAttr sets a scalar attribute.
func (it *Item) SetAttr(key, value string) {
	if it.Attributes == nil {
		it.Attributes = make(map[string]string)
	}
	it.Attributes[key] = value
}

// SetOption sets one entry of a map-valued attribute.
func (it *Item) SetOption(attr, key, value string) {
	if it.Options == nil {
		it.Options = make(map[string]map[string]string)
	}
	if it.Options[attr] == nil {
		it.Options[attr] = make(map[string]string)
	}
	it.Options[attr][key] = value
}

// SetInterface adds or replaces a network interface.
func (it *Item) SetInterface(name string, iface Interface) {
	if it.Interfaces == nil {
		it.Interfaces = make(map[string]Interface)
	}
	it.Interfaces[name] = iface
}

// InterfaceNames returns interface names in sorted order.
func (it *Item) InterfaceNames() []string {
	return slices.Sorted(maps.Keys(it.Interfaces))
}

// Ref is an outgoing reference from an item to another item.
type Ref struct {
	Field string
	Kinds []Kind // acceptable target kinds
	Name  string
}

// References returns every name-based reference the item holds. The parent
// reference is listed first.
func (it *Item) References() []Ref {
	var refs []Ref
	if it.Parent != "" {
		kinds := it.Kind.ParentKinds()
		if it.ParentKind != "" {
			kinds = []Kind{it.ParentKind}
		}
		refs = append(refs, Ref{Field: "parent", Kinds: kinds, Name: it.Parent})
	}
	for _, r := range it.Repos {
		refs = append(refs, Ref{Field: "repos", Kinds: []Kind{KindRepo}, Name: r})
	}
	if it.Menu != "" {
		refs = append(refs, Ref{Field: "menu", Kinds: []Kind{KindMenu}, Name: it.Menu})
	}
	return refs
}

// ReferencingKinds returns the kinds whose items may hold a reference to an
// item of kind k.
func ReferencingKinds(k Kind) []Kind {
	switch k {
	case KindRepo:
		return []Kind{KindProfile}
	case KindDistro:
		return []Kind{KindProfile}
	case KindMenu:
		return []Kind{KindMenu, KindProfile, KindImage}
	case KindProfile:
		return []Kind{KindProfile, KindSystem}
	case KindImage:
		return []Kind{KindSystem}
	}
	return nil
}

// RefersTo reports whether the item references target through any field.
func (it *Item) RefersTo(target Key) bool {
	for _, ref := range it.References() {
		if ref.Name == target.Name && slices.Contains(ref.Kinds, target.Kind) {
			return true
		}
	}
	return false
}

// Retarget rewrites every reference to old so it names newName instead.
func (it *Item) Retarget(old Key, newName string) {
	if it.Parent == old.Name && (it.ParentKind == old.Kind || (it.ParentKind == "" && slices.Contains(it.Kind.ParentKinds(), old.Kind))) {
		it.Parent = newName
	}
	if old.Kind == KindRepo {
		for i, r := range it.Repos {
			if r == old.Name {
				it.Repos[i] = newName
			}
		}
	}
	if old.Kind == KindMenu && it.Menu == old.Name {
		it.Menu = newName
	}
}

// Validate checks the item's own fields. Cross-item constraints are the
// collection's job.
func (it *Item) Validate() error {
	if !slices.Contains(Kinds, it.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, it.Kind)
	}
	if err := ValidateName(it.Name); err != nil {
		return err
	}
	if it.Parent != "" {
		if len(it.Kind.ParentKinds()) == 0 {
			return fmt.Errorf("%w: %s items cannot have a parent", ErrInvalidItem, it.Kind)
		}
		if it.ParentKind != "" && !slices.Contains(it.Kind.ParentKinds(), it.ParentKind) {
			return fmt.Errorf("%w: %s cannot be the parent of a %s", ErrInvalidItem, it.ParentKind, it.Kind)
		}
		if it.Parent == it.Name && it.ParentKind == it.Kind {
			return fmt.Errorf("%w: %s %q names itself as parent", ErrInvalidItem, it.Kind, it.Name)
		}
	}
	if len(it.Repos) > 0 && it.Kind != KindProfile {
		return fmt.Errorf("%w: only profiles carry repos", ErrInvalidItem)
	}
	if it.Menu != "" && it.Kind != KindProfile && it.Kind != KindImage {
		return fmt.Errorf("%w: only profiles and images belong to a menu", ErrInvalidItem)
	}
	if len(it.Interfaces) > 0 && it.Kind != KindSystem {
		return fmt.Errorf("%w: only systems have network interfaces", ErrInvalidItem)
	}
	for k, v := range it.Attributes {
		if err := checkValue(v); err != nil {
			return fmt.Errorf("%w: attribute %s: %w", ErrInvalidItem, k, err)
		}
	}
	for attr, opts := range it.Options {
		for k, v := range opts {
			if err := errors.Join(checkValue(k), checkValue(v)); err != nil {
				return fmt.Errorf("%w: %s %s: %w", ErrInvalidItem, attr, k, err)
			}
		}
	}
	if h := it.Attributes["hostname"]; h != "" && h != Inherit && !ValidHostname(h) {
		return fmt.Errorf("%w: hostname %q is not a valid host name", ErrInvalidItem, h)
	}
	for name, iface := range it.Interfaces {
		if err := ValidateName(name); err != nil {
			return fmt.Errorf("%w: interface name: %w", ErrInvalidItem, err)
		}
		if err := iface.validate(); err != nil {
			return fmt.Errorf("%w: interface %s: %w", ErrInvalidItem, name, err)
		}
	}
	return nil
}

// checkValue rejects control characters. Values end up on single lines of
// generated config files.
func checkValue(v string) error {
	if i := strings.IndexFunc(v, unicode.IsControl); i >= 0 {
		return fmt.Errorf("control character %q in %q", v[i], v)
	}
	return nil
}

// maxNameLen keeps names usable as file names on every backend.
const maxNameLen = 200

// ValidateName rejects names that are unsafe as a storage key or as an
// identifier in generated service configs. Names use letters, digits and
// the characters "_.:+-", and do not start with a dot.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLen)
	}
	if name[0] == '.' {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	}
	for _, r := range name {
		if !nameRune(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, r)
		}
	}
	return nil
}

func nameRune(r rune) bool { return hostRune(r) || r == '.' || r == ':' || r == '+' }

func hostRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		return true
	}
	return false
}

// ValidHostname reports whether s is a DNS host name: dot-separated labels
// of letters, digits, '-' and '_', with an optional trailing dot.
func ValidHostname(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" || len(s) > 253 {
		return false
	}
	for label := range strings.SplitSeq(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !hostRune(r) {
				return false
			}
		}
	}
	return true
}

func (iface Interface) validate() error {
	if iface.MACAddress != "" {
		if _, err := net.ParseMAC(iface.MACAddress); err != nil {
			return fmt.Errorf("mac address %q: %w", iface.MACAddress, err)
		}
	}
	if iface.IPAddress != "" {
		a, err := netip.ParseAddr(iface.IPAddress)
		if err != nil || !a.Is4() {
			return fmt.Errorf("ipv4 address %q is invalid", iface.IPAddress)
		}
	}
	if iface.IPv6Address != "" {
		a, err := netip.ParseAddr(iface.IPv6Address)
		if err != nil || !a.Is6() {
			return fmt.Errorf("ipv6 address %q is invalid", iface.IPv6Address)
		}
	}
	for field, v := range map[string]string{"netmask": iface.Netmask, "gateway": iface.Gateway} {
		if v == "" {
			continue
		}
		if a, err := netip.ParseAddr(v); err != nil || !a.Is4() {
			return fmt.Errorf("%s %q is not an ipv4 address", field, v)
		}
	}
	if iface.DNSName != "" && !ValidHostname(iface.DNSName) {
		return fmt.Errorf("dns name %q is not a valid host name", iface.DNSName)
	}
	return nil
}

// Normalize canonicalises addresses and names so that index lookups compare
// equal values: MACs become lower-case colon form, DNS names lose case and
// trailing dots.
func (it *Item) Normalize() {
	for name, iface := range it.Interfaces {
		if hw, err := net.ParseMAC(iface.MACAddress); err == nil {
			iface.MACAddress = hw.String()
		}
		if a, err := netip.ParseAddr(iface.IPv6Address); err == nil {
			iface.IPv6Address = a.String()
		}
		iface.DNSName = strings.TrimSuffix(strings.ToLower(iface.DNSName), ".")
		it.Interfaces[name] = iface
	}
	if it.UID == "" {
		it.UID = uuid.NewString()
	}
}
