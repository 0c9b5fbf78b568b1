// Package connstring parses shard addresses as handed out by the config
// server: a single host, a comma separated host list, or a replica set
// descriptor of the form "setName/host1:port,host2:port".
package connstring

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ErrInvalid is wrapped by every parse failure, so callers can classify
// syntactically broken identifiers without matching message text.
var ErrInvalid = xerrors.New("invalid connection string")

type Kind int

const (
	Invalid Kind = iota
	// Standalone covers both a single host and a plain host list.
	Standalone
	ReplicaSet
)

func (k Kind) String() string {
	switch k {
	case Standalone:
		return "standalone"
	case ReplicaSet:
		return "replica_set"
	default:
		return "invalid"
	}
}

type ConnString struct {
	Kind    Kind
	SetName string
	Hosts   []string

	raw string
}

// Parse classifies and validates an address. The replica set form requires a
// non-empty set name and at least one member host.
func Parse(s string) (ConnString, error) {
	if strings.TrimSpace(s) == "" {
		return ConnString{}, xerrors.Errorf("empty address: %w", ErrInvalid)
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		setName := s[:idx]
		if setName == "" {
			return ConnString{}, xerrors.Errorf("address %q has no replica set name: %w", s, ErrInvalid)
		}
		hosts, err := parseHosts(s[idx+1:])
		if err != nil {
			return ConnString{}, xerrors.Errorf("address %q: %w", s, err)
		}
		return ConnString{Kind: ReplicaSet, SetName: setName, Hosts: hosts, raw: s}, nil
	}
	hosts, err := parseHosts(s)
	if err != nil {
		return ConnString{}, xerrors.Errorf("address %q: %w", s, err)
	}
	return ConnString{Kind: Standalone, SetName: "", Hosts: hosts, raw: s}, nil
}

func parseHosts(s string) ([]string, error) {
	if s == "" {
		return nil, xerrors.Errorf("no hosts: %w", ErrInvalid)
	}
	parts := strings.Split(s, ",")
	hosts := make([]string, 0, len(parts))
	for _, part := range parts {
		host := strings.TrimSpace(part)
		if err := validateHost(host); err != nil {
			return nil, err
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

func validateHost(host string) error {
	if host == "" {
		return xerrors.Errorf("empty host entry: %w", ErrInvalid)
	}
	if strings.ContainsAny(host, " \t/") {
		return xerrors.Errorf("malformed host %q: %w", host, ErrInvalid)
	}
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		if idx == 0 {
			return xerrors.Errorf("host %q has no name part: %w", host, ErrInvalid)
		}
		port, err := strconv.Atoi(host[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			return xerrors.Errorf("host %q has malformed port: %w", host, ErrInvalid)
		}
	}
	return nil
}

// String returns the address exactly as it was parsed.
func (c ConnString) String() string {
	return c.raw
}

func (c ConnString) Equal(other ConnString) bool {
	if c.Kind != other.Kind || c.SetName != other.SetName {
		return false
	}
	if len(c.Hosts) != len(other.Hosts) {
		return false
	}
	for i := range c.Hosts {
		if c.Hosts[i] != other.Hosts[i] {
			return false
		}
	}
	return true
}

func (c ConnString) HasHost(host string) bool {
	for _, h := range c.Hosts {
		if h == host {
			return true
		}
	}
	return false
}
