package rules

import (
	"regexp"
	"sync"
	"time"
)

const (
	DefaultRegexTimeout = time.Second
	maxCachedPatterns   = 512
)

type compiledPattern struct {
	re  *regexp.Regexp
	err error
}

// regexMatcher compiles each pattern once and bounds every match by timeout.
// Invalid or slow patterns never match.
type regexMatcher struct {
	timeout time.Duration
	mu      sync.RWMutex
	cache   map[string]compiledPattern
}

func newRegexMatcher(timeout time.Duration) *regexMatcher {
	if timeout <= 0 {
		timeout = DefaultRegexTimeout
	}
	return &regexMatcher{
		timeout: timeout,
		cache:   make(map[string]compiledPattern),
	}
}

func (m *regexMatcher) compile(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	key := pattern
	if !caseSensitive {
		key = "(?i)" + pattern
	}

	m.mu.RLock()
	cached, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return cached.re, cached.err
	}

	re, err := regexp.Compile(key)

	m.mu.Lock()
	if len(m.cache) >= maxCachedPatterns {
		m.cache = make(map[string]compiledPattern)
	}
	m.cache[key] = compiledPattern{re: re, err: err}
	m.mu.Unlock()

	return re, err
}

func (m *regexMatcher) match(actual, pattern string, caseSensitive bool) bool {
	re, err := m.compile(pattern, caseSensitive)
	if err != nil {
		return false
	}

	result := make(chan bool, 1)
	go func() {
		result <- re.MatchString(actual)
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case matched := <-result:
		return matched
	case <-timer.C:
		return false
	}
}

// ValidPattern reports whether pattern compiles.
func ValidPattern(pattern string) error {
	_, err := regexp.Compile(pattern)
	return err
}
