package model

import (
	"fmt"
	"slices"
	"strings"
)

// DerivationRule maps a finding onto a registry candidate.
//
// A rule matches when the category equals, the protocol is listed (if any)
// and every meta_match pair equals. When both services and ports are
// configured, matching either of them is enough; service names match as a
// case insensitive substring.
//
// value_from selects the candidate value: "target" (default), "ip", "fqdn"
// or "meta.<key>".
type DerivationRule struct {
	Name       string            `json:"name,omitempty" yaml:"name,omitempty"`
	Category   string            `json:"category" yaml:"category"`
	TargetType TargetType        `json:"target_type,omitempty" yaml:"target_type,omitempty"`
	Protocols  []Protocol        `json:"protocols,omitempty" yaml:"protocols,omitempty"`
	Services   []string          `json:"services,omitempty" yaml:"services,omitempty"`
	Ports      []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	MetaMatch  map[string]string `json:"meta_match,omitempty" yaml:"meta_match,omitempty"`
	ValueFrom  string            `json:"value_from,omitempty" yaml:"value_from,omitempty"`
	PortScoped bool              `json:"port_scoped,omitempty" yaml:"port_scoped,omitempty"`
	Tags       []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Rules is a per-category derivation rule set
type Rules []DerivationRule

func DefaultRules() Rules {
	webServices := []string{"http", "https", "ssl", "proxy", "web", "jetty", "tomcat"}
	return Rules{
		{
			Name:       "web",
			Category:   "network",
			TargetType: TargetHostPort,
			Protocols:  []Protocol{ProtocolTCP},
			Services:   webServices,
			Ports:      []int{80, 443, 8000, 8008, 8080, 8443},
			PortScoped: true,
			Tags:       []string{"web"},
		},
		{
			Name:       "tls",
			Category:   "network",
			TargetType: TargetHostPort,
			Protocols:  []Protocol{ProtocolTCP},
			Services:   []string{"https", "ssl"},
			Ports:      []int{443, 8443},
			PortScoped: true,
			Tags:       []string{"web", "tls"},
		},
		{
			Name:       "resolved-address",
			Category:   "dns",
			TargetType: TargetIP,
			ValueFrom:  "meta.address",
			Tags:       []string{"ip"},
		},
	}
}

// Validate checks the rule set is usable
func (rs Rules) Validate() error {
	for idx, r := range rs {
		if r.Category == "" {
			return fmt.Errorf("rule #%d: category is empty", idx)
		}
		if r.TargetType != "" && !r.TargetType.IsValid() {
			return fmt.Errorf("rule #%d: unknown target_type %q", idx, r.TargetType)
		}
		if r.PortScoped && r.TargetType != "" && r.TargetType != TargetHostPort && r.TargetType != TargetAPI {
			return fmt.Errorf("rule #%d: port_scoped requires target_type host_port or api", idx)
		}
		switch {
		case r.ValueFrom == "", r.ValueFrom == "target", r.ValueFrom == "ip", r.ValueFrom == "fqdn":
		case strings.HasPrefix(r.ValueFrom, "meta.") && len(r.ValueFrom) > len("meta."):
		default:
			return fmt.Errorf("rule #%d: unsupported value_from %q", idx, r.ValueFrom)
		}
	}
	return nil
}

// Derive returns registry candidates for a normalized finding. Candidates
// with the same key are merged, their tags united.
func (rs Rules) Derive(f Finding) []RegistryCandidate {
	var ret []RegistryCandidate
	for _, r := range rs {
		c, ok := r.derive(f)
		if !ok {
			continue
		}
		idx := slices.IndexFunc(ret, func(x RegistryCandidate) bool { return x.RegistryKey == c.RegistryKey })
		if idx == -1 {
			ret = append(ret, c)
			continue
		}
		ret[idx].Tags = UnionTags(ret[idx].Tags, c.Tags)
		ret[idx].Meta = ret[idx].Meta.Union(c.Meta)
	}
	return ret
}

func (r DerivationRule) derive(f Finding) (RegistryCandidate, bool) {
	if !r.Matches(f) {
		return RegistryCandidate{}, false
	}
	value := r.value(f)
	if value == "" {
		return RegistryCandidate{}, false
	}
	typ := r.TargetType
	if typ == "" {
		typ = TargetDomain
		if IsIP(value) {
			typ = TargetIP
		}
	}
	key := RegistryKey{
		TargetType:  typ,
		TargetValue: normalizeHost(value),
	}
	if r.PortScoped {
		if f.Port == 0 {
			return RegistryCandidate{}, false
		}
		key.Port = f.Port
		key.Protocol = f.Protocol
	}

	var meta Meta
	if f.ServiceName != "" || f.Product != "" {
		meta = Meta{}
		if f.ServiceName != "" {
			meta["service"] = f.ServiceName
		}
		if f.Product != "" {
			meta["product"] = f.Product
		}
	}
	if r.Name != "" {
		if meta == nil {
			meta = Meta{}
		}
		meta["rule"] = r.Name
	}

	return RegistryCandidate{
		RegistryKey:  key,
		SourcePlugin: f.SourcePlugin,
		Tags:         UnionTags(nil, r.Tags),
		Meta:         meta,
	}, true
}

// Matches reports if the rule applies to f
func (r DerivationRule) Matches(f Finding) bool {
	if r.Category != f.Category {
		return false
	}
	if len(r.Protocols) > 0 && !slices.Contains(r.Protocols, f.Protocol) {
		return false
	}
	for k, v := range r.MetaMatch {
		got, ok := f.Meta[k]
		if !ok || fmt.Sprint(got) != v {
			return false
		}
	}
	if len(r.Services) == 0 && len(r.Ports) == 0 {
		return true
	}
	return r.matchService(f.ServiceName) || slices.Contains(r.Ports, f.Port)
}

func (r DerivationRule) matchService(name string) bool {
	if name == "" {
		return false
	}
	name = strings.ToLower(name)
	for _, s := range r.Services {
		if strings.Contains(name, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (r DerivationRule) value(f Finding) string {
	switch {
	case r.ValueFrom == "" || r.ValueFrom == "target":
		return f.Target
	case r.ValueFrom == "ip":
		ip, _ := f.HostIdentity()
		return ip
	case r.ValueFrom == "fqdn":
		_, fqdn := f.HostIdentity()
		return fqdn
	case strings.HasPrefix(r.ValueFrom, "meta."):
		v, ok := f.Meta[strings.TrimPrefix(r.ValueFrom, "meta.")]
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	return ""
}

// UnionTags returns sorted unique tags of both slices
func UnionTags(a, b []string) []string {
	ret := make([]string, 0, len(a)+len(b))
	ret = append(ret, a...)
	ret = append(ret, b...)
	slices.Sort(ret)
	return slices.Compact(ret)
}
