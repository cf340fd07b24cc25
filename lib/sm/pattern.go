package sm

// matchPattern implements redis-style glob matching: '*' matches any
// sequence, '?' any single byte, '[...]' character classes with ranges and
// '^' negation, '\' escapes the next byte.
func matchPattern(pattern, str string) bool {
	p, s := 0, 0
	starP, starS := -1, -1

	for s < len(str) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starS = p, s
				p++
				continue
			case '?':
				p++
				s++
				continue
			case '[':
				if end, ok := matchClass(pattern, p, str[s]); ok {
					p = end
					s++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == str[s] {
					p += 2
					s++
					continue
				}
			default:
				if pattern[p] == str[s] {
					p++
					s++
					continue
				}
			}
		}

		// mismatch: backtrack to the last '*', if any
		if starP < 0 {
			return false
		}
		starS++
		p, s = starP+1, starS
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches str[c] against the class starting at pattern[p] == '['.
// Returns the index just past the closing ']' and whether the byte matched.
func matchClass(pattern string, p int, c byte) (int, bool) {
	i := p + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}

	matched := false
	for i < len(pattern) && pattern[i] != ']' {
		if pattern[i] == '\\' && i+1 < len(pattern) {
			i++
			if pattern[i] == c {
				matched = true
			}
			i++
			continue
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			if pattern[i] <= c && c <= pattern[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if pattern[i] == c {
			matched = true
		}
		i++
	}

	if i >= len(pattern) {
		return p, false // unterminated class, treat as literal mismatch
	}
	return i + 1, matched != negate
}

// extractPatternPrefix returns the literal prefix of a glob pattern, up to
// the first wildcard. Scans over descriptors can stop as soon as keys leave
// this prefix, making patterns like "fixed-prefix-*" O(matches).
func extractPatternPrefix(pattern string) string {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', '\\':
			return pattern[:i]
		}
	}
	return pattern
}
