package engine

// Pattern is a compiled tool name glob. Only two wildcards exist:
// '*' matches any sequence of characters (including none) and '?'
// matches exactly one character. Everything else is literal, and a
// pattern must match the whole tool name.
type Pattern struct {
	source string
	runes  []rune
}

// CompilePattern compiles a glob. It never fails: characters that would
// be special in a regular expression are literals here.
func CompilePattern(glob string) *Pattern {
	p := &Pattern{source: glob, runes: make([]rune, 0, len(glob))}
	for _, r := range glob {
		// collapse runs of '*'
		if r == '*' && len(p.runes) > 0 && p.runes[len(p.runes)-1] == '*' {
			continue
		}
		p.runes = append(p.runes, r)
	}
	return p
}

// String returns the glob source.
func (p *Pattern) String() string {
	return p.source
}

// Match reports whether name matches the whole pattern. It runs in
// O(len(pattern)*len(name)) time: only the most recent '*' is ever
// revisited.
func (p *Pattern) Match(name string) bool {
	pat := p.runes
	str := []rune(name)

	pi, si := 0, 0
	star, mark := -1, 0
	for si < len(str) {
		switch {
		case pi < len(pat) && pat[pi] == '*':
			star, mark = pi, si
			pi++
		case pi < len(pat) && (pat[pi] == '?' || pat[pi] == str[si]):
			pi++
			si++
		case star >= 0:
			// let the last star absorb one more rune
			mark++
			pi, si = star+1, mark
		default:
			return false
		}
	}
	for pi < len(pat) && pat[pi] == '*' {
		pi++
	}
	return pi == len(pat)
}
