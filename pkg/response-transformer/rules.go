// Package responsetransformer applies per-path rules to origin
// responses before the cache decides whether to store them.
package responsetransformer

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Bypass   bool              `yaml:"bypass"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply rewrites the headers of a successful response according to the
// first matching rule.
func (r Rules) Apply(res *http.Response) {
	// only apply rules for successes
	if res.StatusCode != http.StatusOK {
		return
	}
	if rule := r.find(res.Request); rule != nil {
		applyRuleToResponse(*rule, res)
	}
}

// BypassRequest reports whether a rule sends this request past the
// cache entirely.
func (r Rules) BypassRequest(req *http.Request) bool {
	rule := r.find(req)
	return rule != nil && rule.Bypass
}

func applyRuleToResponse(rule Rule, res *http.Response) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		res.Header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && res.Header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		res.Header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		res.Header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Method == "" && req.Method != http.MethodGet {
			continue
		}
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
