package compose

import (
	"strings"

	"golang.org/x/text/unicode/bidi"
)

const zeroWidthJoiner = '\u200d'

// mirrored pairs brackets drawn inside right-to-left runs.
var mirrored = map[rune]rune{
	'(': ')', ')': '(',
	'[': ']', ']': '[',
	'{': '}', '}': '{',
	'<': '>', '>': '<',
	'«': '»', '»': '«',
	'‹': '›', '›': '‹',
}

// bidiUnit is a base rune with the marks and joined runes that follow it.
// Units move as a whole so niqqud and emoji sequences survive reordering.
type bidiUnit struct {
	runes []rune
	class bidi.Class
	level int
}

// visualOrder reorders a logical line for left-to-right drawing. A line that
// holds Hebrew or Arabic is laid out as a right-to-left paragraph in which
// Latin words and digit runs keep their reading order.
func visualOrder(line string) string {
	if !hasRTL(line) {
		return line
	}
	units := splitUnits(line)
	resolveWeak(units)
	resolveNeutrals(units)
	for i := range units {
		// Paragraph level is 1, so strong RTL stays odd and the rest is raised.
		if units[i].class == bidi.R {
			units[i].level = 1
		} else {
			units[i].level = 2
		}
	}
	for level := 2; level >= 1; level-- {
		for i := 0; i < len(units); {
			if units[i].level < level {
				i++
				continue
			}
			j := i
			for j < len(units) && units[j].level >= level {
				j++
			}
			for a, b := i, j-1; a < b; a, b = a+1, b-1 {
				units[a], units[b] = units[b], units[a]
			}
			i = j
		}
	}

	var b strings.Builder
	b.Grow(len(line))
	for _, u := range units {
		for k, r := range u.runes {
			if k == 0 && u.level%2 == 1 {
				if m, ok := mirrored[r]; ok {
					r = m
				}
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func hasRTL(s string) bool {
	for _, r := range s {
		props, _ := bidi.LookupRune(r)
		if c := props.Class(); c == bidi.R || c == bidi.AL {
			return true
		}
	}
	return false
}

func splitUnits(line string) []bidiUnit {
	var units []bidiUnit
	joined := false
	for _, r := range line {
		props, _ := bidi.LookupRune(r)
		class := props.Class()
		if n := len(units); n > 0 && (joined || class == bidi.NSM || class == bidi.BN) {
			units[n-1].runes = append(units[n-1].runes, r)
			joined = r == zeroWidthJoiner
			continue
		}
		switch class {
		case bidi.L, bidi.R, bidi.AL, bidi.EN, bidi.ES, bidi.ET, bidi.AN, bidi.CS:
		default:
			// Separators, whitespace, symbols and explicit formatting marks
			// all resolve as neutrals.
			class = bidi.ON
		}
		units = append(units, bidiUnit{runes: []rune{r}, class: class})
		joined = r == zeroWidthJoiner
	}
	return units
}

// resolveWeak settles numbers and separators against the surrounding strong
// text, starting from a right-to-left line start.
func resolveWeak(units []bidiUnit) {
	last := bidi.R
	for i := range units {
		switch units[i].class {
		case bidi.L, bidi.R:
			last = units[i].class
		case bidi.AL:
			last = bidi.AL
			units[i].class = bidi.R
		case bidi.EN:
			if last == bidi.AL {
				units[i].class = bidi.AN
			}
		}
	}

	for i := 1; i+1 < len(units); i++ {
		prev, next := units[i-1].class, units[i+1].class
		switch units[i].class {
		case bidi.ES:
			if prev == bidi.EN && next == bidi.EN {
				units[i].class = bidi.EN
			}
		case bidi.CS:
			if prev == next && (prev == bidi.EN || prev == bidi.AN) {
				units[i].class = prev
			}
		}
	}

	for i := 0; i < len(units); {
		if units[i].class != bidi.ET {
			i++
			continue
		}
		j := i
		for j < len(units) && units[j].class == bidi.ET {
			j++
		}
		if (i > 0 && units[i-1].class == bidi.EN) || (j < len(units) && units[j].class == bidi.EN) {
			for k := i; k < j; k++ {
				units[k].class = bidi.EN
			}
		}
		i = j
	}

	last = bidi.R
	for i := range units {
		switch units[i].class {
		case bidi.ES, bidi.ET, bidi.CS:
			units[i].class = bidi.ON
		case bidi.L, bidi.R:
			last = units[i].class
		case bidi.EN:
			if last == bidi.L {
				units[i].class = bidi.L
			}
		}
	}
}

// resolveNeutrals gives each neutral run the direction of its neighbours when
// they agree, and right-to-left otherwise. Numbers count as right-to-left.
func resolveNeutrals(units []bidiUnit) {
	for i := 0; i < len(units); {
		if _, strong := strongDirection(units[i].class); strong {
			i++
			continue
		}
		j := i
		for j < len(units) {
			if _, strong := strongDirection(units[j].class); strong {
				break
			}
			j++
		}
		before, after := bidi.R, bidi.R
		if i > 0 {
			before, _ = strongDirection(units[i-1].class)
		}
		if j < len(units) {
			after, _ = strongDirection(units[j].class)
		}
		resolved := bidi.R
		if before == after {
			resolved = before
		}
		for k := i; k < j; k++ {
			units[k].class = resolved
		}
		i = j
	}
}

func strongDirection(c bidi.Class) (bidi.Class, bool) {
	switch c {
	case bidi.L:
		return bidi.L, true
	case bidi.R, bidi.EN, bidi.AN:
		return bidi.R, true
	}
	return bidi.ON, false
}
