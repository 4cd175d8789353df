/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package filter implements the JMUX destination filtering rule engine
// (section 4.8): a Jmux token's allowed-hosts list compiles to a
// disjunction of host/port predicates, each independently matching on
// wildcards for "any host", "any port", or a single DNS label wildcard.
package filter

import (
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// rule is one compiled "host:port" entry. An empty host or host "*"
// means any host; a port of 0 means any port.
type rule struct {
	host string // "" or "*" means any host; may contain one "*" label
	port uint16 // 0 means any port
}

// RuleSet is a compiled, read-only set of allowed host specs.
type RuleSet struct {
	rules []rule
}

// Compile parses each "host:port" spec per section 4.8's grammar. An
// empty specs list compiles to a RuleSet that allows nothing.
func Compile(specs []string) (*RuleSet, error) {
	rules := make([]rule, 0, len(specs))
	for _, spec := range specs {
		r, err := compileOne(spec)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		rules = append(rules, r)
	}
	return &RuleSet{rules: rules}, nil
}

func compileOne(spec string) (rule, error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		return rule{}, trace.BadParameter("host spec %q is missing a port", spec)
	}
	host, portStr := spec[:idx], spec[idx+1:]

	var port uint16
	if portStr != "0" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return rule{}, trace.BadParameter("host spec %q has an invalid port: %v", spec, err)
		}
		port = uint16(p)
	}

	if host == "*" {
		host = ""
	}
	if strings.Count(host, "*") > 1 {
		return rule{}, trace.BadParameter("host spec %q has more than one wildcard label", spec)
	}

	return rule{host: host, port: port}, nil
}

// Allows reports whether host:port is permitted by any compiled rule.
func (rs *RuleSet) Allows(host string, port uint16) bool {
	for _, r := range rs.rules {
		if r.matches(host, port) {
			return true
		}
	}
	return false
}

func (r rule) matches(host string, port uint16) bool {
	if r.port != 0 && r.port != port {
		return false
	}
	if r.host == "" {
		return true
	}
	return matchHost(r.host, host)
}

// matchHost matches a pattern that may contain exactly one "*" label
// against a candidate host, label by label; "*" matches exactly one
// label, same as the rest must match verbatim.
func matchHost(pattern, host string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.EqualFold(pattern, host)
	}

	patternLabels := strings.Split(pattern, ".")
	hostLabels := strings.Split(host, ".")
	if len(patternLabels) != len(hostLabels) {
		return false
	}
	for i, pl := range patternLabels {
		if pl == "*" {
			continue
		}
		if !strings.EqualFold(pl, hostLabels[i]) {
			return false
		}
	}
	return true
}
