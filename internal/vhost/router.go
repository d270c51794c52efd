package vhost

import (
	"net"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/net/idna"
)

var (
	ErrMountCycle    = errors.Base("mount cycle")
	ErrUnknownVHost  = errors.Base("unknown virtual host")
	ErrDuplicateID   = errors.Base("duplicate virtual host id")
	ErrMissingConfig = errors.Base("virtual host has no site configuration")
)

// Router selects virtual hosts in declaration order. It is read-only after
// construction.
type Router struct {
	hosts []*VHost
	byID  map[string]*VHost
}

// NewRouter validates hosts and builds a router over them.
func NewRouter(hosts []*VHost) (*Router, error) {
	if err := Validate(hosts); err != nil {
		return nil, err
	}
	r := &Router{hosts: hosts, byID: make(map[string]*VHost, len(hosts))}
	for _, vh := range hosts {
		r.byID[strings.ToLower(vh.ID)] = vh
	}
	return r, nil
}

// Resolve returns the first catch-all host, or the first host listing the
// Host header value, with or without its port. It returns nil when nothing
// matches.
func (r *Router) Resolve(host string) *VHost {
	name := NormalizeHost(host)
	bare := hostOnly(name)
	for _, vh := range r.hosts {
		if vh.CatchAll() {
			return vh
		}
		if vh.Hosts.Contains(name) || (bare != name && vh.Hosts.Contains(bare)) {
			return vh
		}
	}
	return nil
}

// Lookup finds a host by id, ignoring case.
func (r *Router) Lookup(id string) *VHost {
	return r.byID[strings.ToLower(id)]
}

func (r *Router) VHosts() []*VHost {
	return r.hosts
}

// NormalizeHost lowercases a host, converts it to its IDNA ASCII form and
// drops a trailing dot. A port is kept.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(host)
	name, port := host, ""
	if h, p, err := net.SplitHostPort(host); err == nil {
		name, port = h, p
	}
	name = strings.TrimSuffix(name, ".")
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		name = ascii
	} else {
		name = strings.ToLower(name)
	}
	if port != "" {
		return net.JoinHostPort(name, port)
	}
	return name
}

func hostOnly(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Validate checks ids are unique, every site is configured, and mounts
// name existing hosts without reaching themselves.
func Validate(hosts []*VHost) error {
	byID := make(map[string]*VHost, len(hosts))
	for _, vh := range hosts {
		id := strings.ToLower(vh.ID)
		if _, ok := byID[id]; ok || id == "" {
			errE := errors.WithStack(ErrDuplicateID)
			errors.Details(errE)["vhost"] = vh.ID
			return errE
		}
		if vh.Site == nil {
			errE := errors.WithStack(ErrMissingConfig)
			errors.Details(errE)["vhost"] = vh.ID
			return errE
		}
		byID[id] = vh
	}

	for _, vh := range hosts {
		m, ok := vh.Site.(*Mount)
		if !ok {
			continue
		}
		for _, p := range m.Points {
			target, ok := byID[strings.ToLower(p.Target)]
			if !ok {
				errE := errors.WithStack(ErrUnknownVHost)
				errors.Details(errE)["vhost"] = vh.ID
				errors.Details(errE)["target"] = p.Target
				return errE
			}
			if target == vh {
				errE := errors.WithStack(ErrMountCycle)
				errors.Details(errE)["vhost"] = vh.ID
				errors.Details(errE)["prefix"] = p.Prefix
				return errE
			}
		}
	}

	for _, vh := range hosts {
		if _, ok := vh.Site.(*Mount); !ok {
			continue
		}
		if path, ok := findCycle(vh, byID, mapset.NewThreadUnsafeSet[string]()); ok {
			errE := errors.WithStack(ErrMountCycle)
			errors.Details(errE)["vhost"] = vh.ID
			errors.Details(errE)["path"] = path
			return errE
		}
	}
	return nil
}

// findCycle walks mount edges depth first from vh.
func findCycle(vh *VHost, byID map[string]*VHost, onPath mapset.Set[string]) ([]string, bool) {
	m, ok := vh.Site.(*Mount)
	if !ok {
		return nil, false
	}
	id := strings.ToLower(vh.ID)
	if onPath.Contains(id) {
		return []string{vh.ID}, true
	}
	onPath.Add(id)
	defer onPath.Remove(id)
	for _, p := range m.Points {
		if path, ok := findCycle(byID[strings.ToLower(p.Target)], byID, onPath); ok {
			return append([]string{vh.ID}, path...), true
		}
	}
	return nil, false
}
