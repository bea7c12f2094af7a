package media

import (
	"sort"
	"strings"
)

// NaturalLess compares two names so that embedded numbers sort by value:
// "page2.jpg" < "page10.jpg". Comparison is case-insensitive; ties fall back
// to a byte comparison so the order is total.
func NaturalLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	i, j := 0, 0
	for i < len(la) && j < len(lb) {
		ca, cb := la[i], lb[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(la) && isDigit(la[i]) {
				i++
			}
			sj := j
			for j < len(lb) && isDigit(lb[j]) {
				j++
			}
			na := strings.TrimLeft(la[si:i], "0")
			nb := strings.TrimLeft(lb[sj:j], "0")
			if len(na) != len(nb) {
				return len(na) < len(nb)
			}
			if na != nb {
				return na < nb
			}
			continue
		}
		if ca != cb {
			return ca < cb
		}
		i++
		j++
	}
	if len(la)-i != len(lb)-j {
		return len(la)-i < len(lb)-j
	}
	return a < b
}

// SortNatural sorts names in place using NaturalLess.
func SortNatural(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return NaturalLess(names[i], names[j])
	})
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
