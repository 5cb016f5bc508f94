// Copyright (C) 2026 Trevor Vaughan
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package authz

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

type patternKind int

const (
	kindAny patternKind = iota
	kindHost
	kindHostGlob
	kindIP
	kindCIDR
)

var labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// pattern is a compiled rule pattern. Host patterns only ever match the
// requester name and IP patterns only the requester address.
type pattern struct {
	raw    string
	kind   patternKind
	labels []string // host patterns, without the leading "*"
	prefix netip.Prefix
}

func compilePattern(raw string) (pattern, error) {
	p := pattern{raw: raw}
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case s == "":
		return p, fmt.Errorf("empty pattern")
	case s == "*":
		p.kind = kindAny
		return p, nil
	case strings.Contains(s, "/"):
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return p, fmt.Errorf("bad CIDR pattern %q: %w", raw, err)
		}
		p.kind = kindCIDR
		p.prefix = unmapPrefix(prefix).Masked()
		return p, nil
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		addr = addr.Unmap()
		p.kind = kindIP
		p.prefix = netip.PrefixFrom(addr, addr.BitLen())
		return p, nil
	}

	s = strings.TrimSuffix(s, ".")
	p.kind = kindHost
	if rest, ok := strings.CutPrefix(s, "*."); ok {
		p.kind = kindHostGlob
		s = rest
	}
	p.labels = strings.Split(s, ".")
	for _, l := range p.labels {
		if !labelRegex.MatchString(l) {
			return p, fmt.Errorf("bad hostname pattern %q: \"*\" is only allowed as the leftmost label", raw)
		}
	}
	return p, nil
}

func unmapPrefix(p netip.Prefix) netip.Prefix {
	addr := p.Addr()
	if !addr.Is4In6() {
		return p
	}
	bits := p.Bits() - 96
	if bits < 0 {
		bits = 0
	}
	return netip.PrefixFrom(addr.Unmap(), bits)
}

func (p pattern) isIP() bool {
	return p.kind == kindIP || p.kind == kindCIDR
}

func (p pattern) exact() bool {
	return p.kind == kindHost || p.kind == kindIP
}

// specificity is the number of host labels or address prefix bits the
// pattern pins down.
func (p pattern) specificity() int {
	if p.isIP() {
		return p.prefix.Bits()
	}
	return len(p.labels)
}

func (p pattern) match(r request) bool {
	switch p.kind {
	case kindAny:
		return true
	case kindIP, kindCIDR:
		return r.addr.IsValid() && p.prefix.Contains(r.addr)
	case kindHost:
		return r.name != "" && r.name == strings.Join(p.labels, ".")
	case kindHostGlob:
		suffix := "." + strings.Join(p.labels, ".")
		// At least one label has to stand in for the "*".
		return len(r.name) > len(suffix) && strings.HasSuffix(r.name, suffix) &&
			!strings.HasPrefix(r.name, ".") && !strings.Contains(r.name, "..")
	}
	return false
}

// request is a Requester normalised for matching.
type request struct {
	name string
	addr netip.Addr
}

func normalise(req Requester) request {
	r := request{name: strings.TrimSuffix(strings.ToLower(strings.TrimSpace(req.Name)), ".")}
	if addr, err := netip.ParseAddr(strings.TrimSpace(req.IP)); err == nil {
		r.addr = addr.Unmap()
	}
	return r
}
