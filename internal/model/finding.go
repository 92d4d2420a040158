package model

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"
	"strings"
)

type Protocol string

const (
	ProtocolNone Protocol = ""
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
	ProtocolSCTP Protocol = "sctp"
)

// Meta is an open key-value bag for tool specific attributes
type Meta map[string]any

// Union copies other into a clone of m, values from other win
func (m Meta) Union(other Meta) Meta {
	if len(m) == 0 && len(other) == 0 {
		return nil
	}
	ret := make(Meta, len(m)+len(other))
	maps.Copy(ret, m)
	maps.Copy(ret, other)
	return ret
}

func (m Meta) Clone() Meta {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// RawEvidence is an opaque artifact an adapter may preserve for provenance
type RawEvidence struct {
	LogPath string `json:"log_path,omitempty"`
	LogType string `json:"log_type"`
	Data    []byte `json:"data,omitempty"`
}

// Finding is a single normalized observation produced by an adapter.
// Port 0 means the finding is not scoped to a port.
type Finding struct {
	Target       string       `json:"target"`
	IP           string       `json:"ip,omitempty"`
	FQDN         string       `json:"fqdn,omitempty"`
	OS           string       `json:"os,omitempty"`
	Port         int          `json:"port,omitempty"`
	Protocol     Protocol     `json:"protocol,omitempty"`
	ServiceName  string       `json:"service_name,omitempty"`
	Product      string       `json:"product,omitempty"`
	Version      string       `json:"version,omitempty"`
	Banner       string       `json:"banner,omitempty"`
	Category     string       `json:"category"`
	Severity     Severity     `json:"severity"`
	Title        string       `json:"title,omitempty"`
	Description  string       `json:"description,omitempty"`
	References   []string     `json:"references,omitempty"`
	RawEvidence  *RawEvidence `json:"raw_evidence,omitempty"`
	SourcePlugin string       `json:"source_plugin"`
	Meta         Meta         `json:"meta,omitempty"`
}

// MergeKey identifies findings describing the same observation
type MergeKey struct {
	Target   string
	Port     int
	Protocol Protocol
	Category string
}

func (k MergeKey) String() string {
	return fmt.Sprintf("%s:%d/%s[%s]", k.Target, k.Port, k.Protocol, k.Category)
}

// Validate returns ErrMalformedInput when a required field is missing or out of range
func (f Finding) Validate() error {
	var missing []string
	if strings.TrimSpace(f.Target) == "" {
		missing = append(missing, "target")
	}
	if strings.TrimSpace(f.Category) == "" {
		missing = append(missing, "category")
	}
	if strings.TrimSpace(f.SourcePlugin) == "" {
		missing = append(missing, "source_plugin")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedInput, strings.Join(missing, ", "))
	}
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrMalformedInput, f.Port)
	}
	if !f.Severity.IsValid() {
		return fmt.Errorf("%w: invalid severity %d", ErrMalformedInput, int(f.Severity))
	}
	return nil
}

// Normalized returns a copy with canonical target, protocol and category.
// IP targets are rendered by netip, host names are lower-cased without the trailing dot.
func (f Finding) Normalized() Finding {
	f.Target = normalizeHost(f.Target)
	f.IP = normalizeHost(f.IP)
	f.FQDN = normalizeHost(f.FQDN)
	f.Protocol = Protocol(strings.ToLower(strings.TrimSpace(string(f.Protocol))))
	f.Category = strings.ToLower(strings.TrimSpace(f.Category))
	f.SourcePlugin = strings.TrimSpace(f.SourcePlugin)
	f.ServiceName = strings.TrimSpace(f.ServiceName)
	f.References = slices.Clone(f.References)
	f.Meta = f.Meta.Clone()
	return f
}

func (f Finding) Key() MergeKey {
	return MergeKey{
		Target:   f.Target,
		Port:     f.Port,
		Protocol: f.Protocol,
		Category: f.Category,
	}
}

// HostIdentity returns the (ip, fqdn) pair identifying the Host of the finding
func (f Finding) HostIdentity() (ip, fqdn string) {
	if IsIP(f.Target) {
		ip = f.Target
		fqdn = f.FQDN
	} else {
		fqdn = f.Target
		ip = f.IP
		if !IsIP(ip) {
			ip = ""
		}
	}
	return ip, fqdn
}

// HasService reports if the finding is scoped to a concrete service
func (f Finding) HasService() bool {
	return f.Port != 0 || f.ServiceName != ""
}

// HasVulnerability reports if the finding carries any vulnerability content
func (f Finding) HasVulnerability() bool {
	return f.Title != "" || f.Description != "" || f.Severity != SeverityNone
}

// Informative reports if the finding carries actionable signal. Only info
// findings without a description and references are noise, findings without
// severity still identify hosts and services.
func (f Finding) Informative() bool {
	return f.Severity != SeverityInfo || f.Description != "" || len(f.References) > 0
}

func IsIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

func normalizeHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String()
	}
	return strings.TrimSuffix(strings.ToLower(s), ".")
}
