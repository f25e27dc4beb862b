package nodexpath

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/systemshift/contentrepo/internal/cache"
)

const defaultPatternCacheSize = 256

// qnamePattern is a compiled JCR name pattern: alternatives separated by
// | where * matches any run of characters
type qnamePattern struct {
	alternatives []*regexp.Regexp
}

func compileQNamePattern(pattern string) (*qnamePattern, error) {
	p := &qnamePattern{}
	for _, alt := range strings.Split(pattern, "|") {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			return nil, fmt.Errorf("%w: empty alternative in %q", ErrBadPattern, pattern)
		}
		parts := strings.Split(alt, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
		}
		p.alternatives = append(p.alternatives, re)
	}
	return p, nil
}

func (p *qnamePattern) match(name string) bool {
	for _, re := range p.alternatives {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// PatternCache keeps compiled deref patterns. It is safe to share between
// navigators.
type PatternCache struct {
	lru *cache.LRU[string, *qnamePattern]
}

// NewPatternCache creates a cache bounded to size patterns
func NewPatternCache(size int) *PatternCache {
	if size <= 0 {
		size = defaultPatternCacheSize
	}
	return &PatternCache{lru: cache.New[string, *qnamePattern](size)}
}

func (c *PatternCache) get(pattern string) (*qnamePattern, error) {
	return c.lru.GetOrLoad(pattern, func() (*qnamePattern, error) {
		return compileQNamePattern(pattern)
	})
}

// Len returns the number of cached patterns
func (c *PatternCache) Len() int {
	return c.lru.Len()
}
