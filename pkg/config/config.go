// Package config reads Klipper style printer configuration: [section]
// headers, "key: value" or "key = value" options, # and ; comments,
// [include glob] directives and SAVE_CONFIG (#*#) blocks. Options and
// sections are tracked as they are read so typos can be reported.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"

	kerrors "klipper-go-kinematics/pkg/errors"
)

// Config is a parsed configuration file and its includes.
type Config struct {
	mu       sync.RWMutex
	path     string
	sections map[string]*Section
	order    []string
	read     map[string]struct{}
}

// New creates an empty Config.
func New() *Config {
	return &Config{
		sections: make(map[string]*Section),
		read:     make(map[string]struct{}),
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	c := New()
	c.path = abs
	if err := c.parseFile(abs, make(map[string]bool)); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration held in memory. Includes are rejected
// since there is no directory to resolve them from.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(strings.NewReader(data), "<string>", "", nil); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the absolute path of the main config file, or "" when
// the config was loaded from a string.
func (c *Config) Path() string {
	return c.path
}

// Resolve returns name relative to the main config file's directory.
// Descriptor files such as [printer] links are looked up this way.
func (c *Config) Resolve(name string) string {
	if filepath.IsAbs(name) || c.path == "" {
		return name
	}
	return filepath.Join(filepath.Dir(c.path), name)
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[path] = true
	defer func() { visited[path] = false }()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()
	return c.parse(f, path, filepath.Dir(path), visited)
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineHeader
	lineOption
)

// classify strips comments from line and splits it into a section header
// or an option. Lines that are neither are skipped.
func classify(line string) (kind lineKind, key, value string) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "#*#"); ok {
		line = strings.TrimSpace(rest)
	} else if i := strings.IndexAny(line, "#;"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	switch {
	case line == "":
		return lineSkip, "", ""
	case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
		return lineHeader, strings.TrimSpace(line[1 : len(line)-1]), ""
	}
	i := strings.IndexByte(line, ':')
	if i < 0 {
		i = strings.IndexByte(line, '=')
	}
	if i < 0 {
		return lineSkip, "", ""
	}
	key = strings.TrimSpace(line[:i])
	if key == "" {
		return lineSkip, "", ""
	}
	return lineOption, key, strings.TrimSpace(line[i+1:])
}

// parse reads one file. dir is the include base; a nil visited map
// disables includes. Options before the first section are ignored.
func (c *Config) parse(r io.Reader, name, dir string, visited map[string]bool) error {
	var section string
	var options map[string]string
	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
		section, options = "", nil
	}

	scanner := bufio.NewScanner(r)
	for n := 1; scanner.Scan(); n++ {
		kind, key, value := classify(scanner.Text())
		switch kind {
		case lineHeader:
			flush()
			if key == "" {
				return fmt.Errorf("config: empty section header at line %d in %s", n, name)
			}
			if inc, ok := strings.CutPrefix(key, "include "); ok {
				if visited == nil {
					return fmt.Errorf("config: include not supported at line %d in %s", n, name)
				}
				if err := c.include(strings.TrimSpace(inc), dir, visited); err != nil {
					return fmt.Errorf("config: line %d in %s: %w", n, name, err)
				}
				continue
			}
			section, options = key, make(map[string]string)
		case lineOption:
			if options != nil {
				options[key] = value
			}
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("config: error reading %s: %w", name, err)
	}
	return nil
}

func (c *Config) include(pattern, dir string, visited map[string]bool) error {
	if pattern == "" {
		return fmt.Errorf("empty include")
	}
	glob := filepath.Join(dir, pattern)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(glob, "*?[") {
		return fmt.Errorf("include file does not exist: %s", glob)
	}
	sort.Strings(matches)
	for _, m := range matches {
		if err := c.parseFile(m, visited); err != nil {
			return err
		}
	}
	return nil
}

// addSection merges a repeated section into the first one; later values
// win.
func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sec, ok := c.sections[name]; ok {
		for k, v := range options {
			sec.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// GetSection returns the named section and marks it read.
func (c *Config) GetSection(name string) (*Section, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sec, ok := c.sections[name]
	if !ok {
		return nil, ErrMissingSection(name)
	}
	c.read[name] = struct{}{}
	return sec, nil
}

// HasSection reports whether the section exists, without marking it read.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// GetSectionNames returns every section name in file order.
func (c *Config) GetSectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// GetPrefixSections returns the sections whose name starts with prefix,
// in file order.
func (c *Config) GetPrefixSections(prefix string) []*Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c.sections[name])
		}
	}
	return out
}

// GetUnusedSections returns the sorted names of sections never read.
func (c *Config) GetUnusedSections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for name := range c.sections {
		if _, ok := c.read[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CheckUnusedOptions returns one error per option of a read section that
// nothing consumed.
func (c *Config) CheckUnusedOptions() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var err error
	for _, name := range c.order {
		if _, ok := c.read[name]; !ok {
			continue
		}
		unused := c.sections[name].GetUnusedOptions()
		sort.Strings(unused)
		for _, opt := range unused {
			err = multierr.Append(err,
				kerrors.ConfigValidationError(name, opt, "option is not valid in this section"))
		}
	}
	return err
}
