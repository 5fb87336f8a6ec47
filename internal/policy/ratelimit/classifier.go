package ratelimit

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type hostRule struct {
	pattern string
	profile string
}

// builtinRules route well-known hosts to stricter profiles. A pattern ending
// in "." matches that label anywhere in the host (google. matches
// www.google.co.uk); any other pattern matches the host or its subdomains.
var builtinRules = []hostRule{
	{"google.", ProfileSearchEngine},
	{"bing.com", ProfileSearchEngine},
	{"duckduckgo.com", ProfileSearchEngine},
	{"yahoo.", ProfileSearchEngine},
	{"yandex.", ProfileSearchEngine},
	{"baidu.com", ProfileSearchEngine},
	{"yelp.com", ProfileDirectory},
	{"yellowpages.com", ProfileDirectory},
	{"bbb.org", ProfileDirectory},
	{"manta.com", ProfileDirectory},
	{"linkedin.com", ProfileDirectory},
}

// Classifier maps a target name to its TargetConfig. Results are memoized.
type Classifier struct {
	profiles map[string]TargetConfig
	rules    []hostRule
	cache    *lru.Cache[string, TargetConfig]
}

// NewClassifier builds a classifier from configured profiles and overrides.
// Configured profiles are overlaid on the built-ins of the same name.
func NewClassifier(profiles map[string]TargetConfig, overrides map[string]string, cacheSize int) (*Classifier, error) {
	merged := DefaultProfiles()
	for name, p := range profiles {
		base, ok := merged[name]
		if !ok {
			base = merged[ProfileGeneric]
		}
		cfg := merge(base, p)
		cfg.Profile = name
		merged[name] = cfg
	}
	for name, p := range merged {
		merged[name] = normalizeTarget(p)
	}

	var rules []hostRule
	// Longer override patterns first so the most specific rule wins.
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		profile := overrides[k]
		if _, ok := merged[profile]; !ok {
			return nil, fmt.Errorf("override %q references unknown profile %q", k, profile)
		}
		rules = append(rules, hostRule{pattern: strings.ToLower(k), profile: profile})
	}
	rules = append(rules, builtinRules...)

	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, TargetConfig](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create classifier cache: %w", err)
	}
	return &Classifier{profiles: merged, rules: rules, cache: cache}, nil
}

// Classify returns the configuration for target.
func (c *Classifier) Classify(target string) TargetConfig {
	host := Hostname(target)
	if cfg, ok := c.cache.Get(host); ok {
		return cfg
	}
	profile := ProfileGeneric
	for _, r := range c.rules {
		if matches(host, r.pattern) {
			profile = r.profile
			break
		}
	}
	cfg := c.profiles[profile]
	c.cache.Add(host, cfg)
	return cfg
}

// Profile returns a named profile.
func (c *Classifier) Profile(name string) (TargetConfig, bool) {
	p, ok := c.profiles[name]
	return p, ok
}

func matches(host, pattern string) bool {
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(host, pattern) || strings.Contains(host, "."+pattern)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// Hostname reduces a target or URL to a lowercase host without port.
func Hostname(target string) string {
	t := strings.ToLower(strings.TrimSpace(target))
	if strings.Contains(t, "://") {
		if u, err := url.Parse(t); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if i := strings.IndexAny(t, "/?#"); i >= 0 {
		t = t[:i]
	}
	if h, _, ok := strings.Cut(t, ":"); ok {
		t = h
	}
	return t
}
