// Package acl implements the ACL Manager (spec §4.1): a bounded-level
// permission lookup keyed on dotted-quad IP patterns with per-octet
// wildcards. Pattern compilation follows the glob-based approach the
// teacher uses for capability/tag matching in client/types/cbac.go.
package acl

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/google/renameio"
)

var ipPattern = regexp.MustCompile(`^([0-9*]{1,3}\.){3}[0-9*]{1,3}$`)

type entry struct {
	pattern string
	level   int
	g       glob.Glob
}

// Manager holds an ordered ACL list and memoizes lookups until the list is
// replaced, per spec invariant: "memoization invalidated on every mutating
// call."
type Manager struct {
	mu       sync.RWMutex
	minLevel int
	maxLevel int
	entries  []entry
	cache    map[string]int
	path     string
}

// New constructs an empty Manager bounded to [minLevel, maxLevel]. The
// PLC-Server uses [0,1] (or [0,9] in developer mode); the RPC surface uses
// [0,4], per spec §3.
func New(minLevel, maxLevel int) *Manager {
	return &Manager{
		minLevel: minLevel,
		maxLevel: maxLevel,
		cache:    make(map[string]int),
	}
}

// Load parses a whitespace-separated list of IP,LEVEL entries. Ill-formed
// input fails the whole load and leaves prior state unchanged.
func (m *Manager) Load(text string) error {
	fields := strings.Fields(text)
	parsed := make([]entry, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		pat, lvl, err := m.parseEntry(f)
		if err != nil {
			return err
		}
		if seen[pat] {
			return fmt.Errorf("acl: duplicate pattern %q", pat)
		}
		seen[pat] = true
		g, err := compilePattern(pat)
		if err != nil {
			return err
		}
		parsed = append(parsed, entry{pattern: pat, level: lvl, g: g})
	}
	m.mu.Lock()
	m.entries = parsed
	m.cache = make(map[string]int)
	m.mu.Unlock()
	return nil
}

// LoadFile loads one ACL entry per non-comment line ('#' starts a comment)
// and remembers path for a later WriteFile call.
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString(line)
		b.WriteByte(' ')
	}
	if err := sc.Err(); err != nil {
		return err
	}
	if err := m.Load(b.String()); err != nil {
		return err
	}
	m.mu.Lock()
	m.path = path
	m.mu.Unlock()
	return nil
}

func (m *Manager) parseEntry(field string) (pattern string, level int, err error) {
	idx := strings.LastIndexByte(field, ',')
	if idx < 0 {
		err = fmt.Errorf("acl: malformed entry %q", field)
		return
	}
	pattern = field[:idx]
	levelStr := field[idx+1:]
	if !ipPattern.MatchString(pattern) {
		err = fmt.Errorf("acl: malformed pattern %q", pattern)
		return
	}
	if _, e := fmt.Sscanf(levelStr, "%d", &level); e != nil {
		err = fmt.Errorf("acl: malformed level %q", levelStr)
		return
	}
	if level < m.minLevel || level > m.maxLevel {
		err = fmt.Errorf("acl: level %d out of range [%d,%d]", level, m.minLevel, m.maxLevel)
		return
	}
	return
}

// compilePattern turns a dotted-quad pattern with '*' wildcards per octet
// into a glob, the way client/types/cbac.go compiles tag-access globs.
func compilePattern(pattern string) (glob.Glob, error) {
	return glob.Compile(pattern, '.')
}

// LevelOf resolves the numerically-highest-pattern match against ip and
// returns its level, or -1 if no pattern matches. Results are memoized
// until the next mutating call.
func (m *Manager) LevelOf(ip string) int {
	m.mu.RLock()
	if lvl, ok := m.cache[ip]; ok {
		m.mu.RUnlock()
		return lvl
	}
	m.mu.RUnlock()

	lvl := m.resolve(ip)

	m.mu.Lock()
	m.cache[ip] = lvl
	m.mu.Unlock()
	return lvl
}

func (m *Manager) resolve(ip string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []entry
	for _, e := range m.entries {
		if e.g.Match(ip) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return -1
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].pattern > candidates[j].pattern
	})
	return candidates[0].level
}

// WriteFile serializes sorted entries with a header comment to path (or the
// path remembered by LoadFile if path is empty), using an atomic replace.
func (m *Manager) WriteFile(path string) error {
	m.mu.RLock()
	if path == "" {
		path = m.path
	}
	entries := append([]entry(nil), m.entries...)
	m.mu.RUnlock()

	if path == "" {
		return fmt.Errorf("acl: no path to write to")
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].pattern < entries[j].pattern })

	var b strings.Builder
	b.WriteString("# revpiloadd ACL file -- generated, edits are preserved across reload\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%s,%d\n", e.pattern, e.level)
	}
	return renameio.WriteFile(path, []byte(b.String()), 0640)
}

// Len reports the number of loaded entries, useful for diagnostics/tests.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
