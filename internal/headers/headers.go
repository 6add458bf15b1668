// Package headers applies configured header rules to upstream requests.
// Rules run in order; the same inbound header set always produces the same
// upstream header set.
package headers

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/jrmatherly/nexus/config"
)

// Apply evaluates rules in order against upstream, reading forwarded values
// from inbound. inbound may be nil when no caller request is in scope.
func Apply(rules []config.HeaderRule, upstream http.Header, inbound http.Header) error {
	for i, r := range rules {
		switch r.Rule {
		case "insert":
			upstream.Set(r.Name, config.ExpandEnv(r.Value))
		case "remove":
			if r.Name != "" {
				upstream.Del(r.Name)
				continue
			}
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return fmt.Errorf("headers[%d]: invalid remove pattern: %w", i, err)
			}
			for name := range upstream {
				if re.MatchString(name) {
					upstream.Del(name)
				}
			}
		case "forward":
			if err := applyForward(i, r, upstream, inbound); err != nil {
				return err
			}
		case "rename_duplicate":
			value := ""
			if inbound != nil {
				value = inbound.Get(r.Name)
			}
			if value == "" {
				value = r.Default
			}
			if value == "" {
				continue
			}
			upstream.Set(r.Name, value)
			upstream.Set(r.Rename, value)
		default:
			return fmt.Errorf("headers[%d]: unknown rule %q", i, r.Rule)
		}
	}
	return nil
}

func applyForward(i int, r config.HeaderRule, upstream, inbound http.Header) error {
	if r.Name != "" {
		value := ""
		if inbound != nil {
			value = inbound.Get(r.Name)
		}
		if value == "" {
			value = r.Default
		}
		if value == "" {
			return nil
		}
		target := r.Name
		if r.Rename != "" {
			target = r.Rename
		}
		upstream.Set(target, value)
		return nil
	}
	re, err := regexp.Compile("(?i)" + r.Pattern)
	if err != nil {
		return fmt.Errorf("headers[%d]: invalid forward pattern: %w", i, err)
	}
	if inbound == nil {
		return nil
	}
	for name, values := range inbound {
		if !re.MatchString(name) {
			continue
		}
		for _, v := range values {
			upstream.Add(name, v)
		}
	}
	return nil
}
