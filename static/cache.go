package static

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// CacheRule applies Directives to request paths matching Pattern.
type CacheRule struct {
	Pattern    string   `mapstructure:"pattern" json:"pattern"`
	Directives []string `mapstructure:"directives" json:"directives"`
}

var cacheDirective = regexp.MustCompile(`^(?i)(no-cache|no-store|no-transform|public|private|immutable|must-revalidate|proxy-revalidate|must-understand|(max-age|s-maxage|stale-while-revalidate|stale-if-error)=\d+)$`)

// ErrInvalidCacheRule reports a malformed Cache-Control rule.
var ErrInvalidCacheRule = errors.New("invalid cache-control rule")

type compiledCacheRule struct {
	pattern *regexp.Regexp
	value   string
}

// CacheControl adds a Cache-Control header from the first rule matching the
// request path.
type CacheControl struct {
	rules []compiledCacheRule
}

// NewCacheControl validates and compiles rules.
func NewCacheControl(rules []CacheRule) (*CacheControl, error) {
	cc := &CacheControl{}
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %d pattern %q: %v", ErrInvalidCacheRule, i, rule.Pattern, err)
		}
		if len(rule.Directives) == 0 {
			return nil, fmt.Errorf("%w: rule %d has no directives", ErrInvalidCacheRule, i)
		}
		for _, d := range rule.Directives {
			if !cacheDirective.MatchString(strings.TrimSpace(d)) {
				return nil, fmt.Errorf("%w: rule %d directive %q", ErrInvalidCacheRule, i, d)
			}
		}
		cc.rules = append(cc.rules, compiledCacheRule{
			pattern: re,
			value:   strings.Join(rule.Directives, ", "),
		})
	}
	return cc, nil
}

func (c *CacheControl) Process(r *http.Request, filePath string, next Next) *Response {
	resp := next(r, filePath)
	if resp == nil {
		return nil
	}
	for _, rule := range c.rules {
		if rule.pattern.MatchString(r.URL.Path) {
			resp.Header.Set("Cache-Control", rule.value)
			break
		}
	}
	return resp
}
