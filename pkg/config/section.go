package config

import (
	"strconv"
	"strings"
	"sync"
)

// Section is one [name] block of a configuration file. Every option read
// through it is recorded so leftovers can be reported as typos.
type Section struct {
	name    string
	options map[string]string

	mu   sync.RWMutex
	used map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{name: name, options: opts, used: make(map[string]struct{})}
}

// GetName returns the section name.
func (s *Section) GetName() string {
	return s.name
}

// lookup marks option used even when it is absent: a defaulted option is
// not a leftover.
func (s *Section) lookup(option string) (string, bool) {
	key := strings.ToLower(option)
	s.mu.Lock()
	s.used[key] = struct{}{}
	s.mu.Unlock()
	v, ok := s.options[key]
	return v, ok
}

// GetUnusedOptions returns the options nothing has read.
func (s *Section) GetUnusedOptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for opt := range s.options {
		if _, ok := s.used[opt]; !ok {
			out = append(out, opt)
		}
	}
	return out
}

// HasOption reports whether option is set, without marking it used.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// get reads option with parse. A missing option takes the first fallback
// or is an error. expected names the type in parse errors.
func get[T any](s *Section, option, expected string, parse func(string) (T, bool), fallback []T) (T, error) {
	var zero T
	raw, ok := s.lookup(option)
	if !ok {
		if len(fallback) > 0 {
			return fallback[0], nil
		}
		return zero, ErrMissingOption(s.name, option)
	}
	v, ok := parse(strings.TrimSpace(raw))
	if !ok {
		return zero, ErrInvalidValue(s.name, option, raw, expected)
	}
	return v, nil
}

// Get returns a string option.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	return get(s, option, "string", func(v string) (string, bool) { return v, true }, fallback)
}

// GetInt returns an integer option.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	return get(s, option, "integer", func(v string) (int, bool) {
		i, err := strconv.Atoi(v)
		return i, err == nil
	}, fallback)
}

// GetFloat returns a float option.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	return get(s, option, "float", parseFloat, fallback)
}

func parseFloat(v string) (float64, bool) {
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

// GetBool returns a boolean option: 1/true/yes/on or 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	return get(s, option, "boolean (true/false/yes/no/on/off/1/0)", func(v string) (bool, bool) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
		return false, false
	}, fallback)
}

// GetChoice returns a string option that must be one of choices, compared
// case-insensitively. The canonical spelling from choices is returned.
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", ErrInvalidChoice(s.name, option, v, choices)
}

// FloatBounds constrains a float option. Nil fields are unchecked.
type FloatBounds struct {
	MinVal *float64 // v >= MinVal
	MaxVal *float64 // v <= MaxVal
	Above  *float64 // v > Above
	Below  *float64 // v < Below
}

// Above requires a value strictly greater than v.
func Above(v float64) FloatBounds {
	return FloatBounds{Above: &v}
}

// MinVal requires a value of at least v.
func MinVal(v float64) FloatBounds {
	return FloatBounds{MinVal: &v}
}

// MaxVal requires a value of at most v.
func MaxVal(v float64) FloatBounds {
	return FloatBounds{MaxVal: &v}
}

// WithMax returns a copy of b that also caps the value at v.
func (b FloatBounds) WithMax(v float64) FloatBounds {
	b.MaxVal = &v
	return b
}

// check returns the violated constraint, or "" when v is in bounds.
func (b FloatBounds) check(v float64) string {
	f := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	switch {
	case b.MinVal != nil && v < *b.MinVal:
		return "must have minimum of " + f(*b.MinVal)
	case b.MaxVal != nil && v > *b.MaxVal:
		return "must have maximum of " + f(*b.MaxVal)
	case b.Above != nil && v <= *b.Above:
		return "must be above " + f(*b.Above)
	case b.Below != nil && v >= *b.Below:
		return "must be below " + f(*b.Below)
	}
	return ""
}

// GetFloatWithBounds returns a float option within bounds. A fallback is
// checked like an explicit value.
func (s *Section) GetFloatWithBounds(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if msg := bounds.check(v); msg != "" {
		return 0, ErrOutOfRange(s.name, option, v, msg)
	}
	return v, nil
}
