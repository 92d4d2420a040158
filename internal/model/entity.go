package model

import "time"

// Host is identified by the (IP, FQDN) pair, at least one is non-empty
type Host struct {
	ID        int64     `json:"id"`
	IP        string    `json:"ip,omitempty"`
	FQDN      string    `json:"fqdn,omitempty"`
	OS        string    `json:"os,omitempty"`
	Meta      Meta      `json:"meta,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ServiceKey is the identity of a Service row
type ServiceKey struct {
	HostID       int64
	Port         int
	Protocol     Protocol
	ServiceName  string
	SourcePlugin string
}

type Service struct {
	ID           int64     `json:"id"`
	HostID       int64     `json:"host_id"`
	Port         int       `json:"port"`
	Protocol     Protocol  `json:"protocol,omitempty"`
	ServiceName  string    `json:"service_name,omitempty"`
	SourcePlugin string    `json:"source_plugin"`
	Product      string    `json:"product,omitempty"`
	Version      string    `json:"version,omitempty"`
	Banner       string    `json:"banner,omitempty"`
	Meta         Meta      `json:"meta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s Service) Key() ServiceKey {
	return ServiceKey{
		HostID:       s.HostID,
		Port:         s.Port,
		Protocol:     s.Protocol,
		ServiceName:  s.ServiceName,
		SourcePlugin: s.SourcePlugin,
	}
}

// Vulnerability is append only. Source holds the composite label of all
// contributing plugins, SourcePlugin the first of them.
type Vulnerability struct {
	ID           int64     `json:"id"`
	ServiceID    int64     `json:"service_id"`
	HostID       int64     `json:"host_id"`
	Category     string    `json:"category"`
	Severity     Severity  `json:"severity"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	References   []string  `json:"references,omitempty"`
	Source       string    `json:"source"`
	SourcePlugin string    `json:"source_plugin"`
	Fingerprint  string    `json:"fingerprint"`
	Meta         Meta      `json:"meta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Evidence struct {
	ID              int64     `json:"id"`
	VulnerabilityID int64     `json:"vulnerability_id"`
	LogPath         string    `json:"log_path,omitempty"`
	LogType         string    `json:"log_type"`
	Data            []byte    `json:"data,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type TargetType string

const (
	TargetIP       TargetType = "ip"
	TargetDomain   TargetType = "domain"
	TargetNetwork  TargetType = "network"
	TargetHostPort TargetType = "host_port"
	TargetAPI      TargetType = "api"
)

func (t TargetType) IsValid() bool {
	switch t {
	case TargetIP, TargetDomain, TargetNetwork, TargetHostPort, TargetAPI:
		return true
	}
	return false
}

// RegistryKey is the identity of a RegistryEntry
type RegistryKey struct {
	TargetType  TargetType `json:"target_type"`
	TargetValue string     `json:"target_value"`
	Port        int        `json:"port,omitempty"`
	Protocol    Protocol   `json:"protocol,omitempty"`
}

// RegistryEntry is a target worth (re)scanning. HostID and ServiceID are weak
// references cleared when the referent is deleted.
type RegistryEntry struct {
	ID int64 `json:"id"`
	RegistryKey
	HostID       *int64    `json:"host_id,omitempty"`
	ServiceID    *int64    `json:"service_id,omitempty"`
	SourcePlugin string    `json:"source_plugin"`
	Status       Status    `json:"status"`
	Tags         []string  `json:"tags"`
	Meta         Meta      `json:"meta,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RegistryCandidate is a registry entry derived from a finding, not yet persisted
type RegistryCandidate struct {
	RegistryKey
	SourcePlugin string
	Tags         []string
	Meta         Meta
}
