package capture

import (
	"sort"
	"strconv"
	"strings"
)

// MaxPageNumber bounds explicit page selections so that a range such as
// 1-999999999 cannot expand into an unbounded slice.
const MaxPageNumber = 10000

// ParsePages normalizes an explicit page selection such as "1,3-5,7" or
// "{5, 3-5, 1}" into an ascending, duplicate-free page list. Items may be
// separated by commas, semicolons, or whitespace. An empty selection returns
// nil, meaning all pages.
func ParsePages(selection string) ([]int, error) {
	const op = "parse pages"
	trimmed := strings.TrimSpace(selection)
	trimmed = strings.TrimPrefix(trimmed, "{")
	trimmed = strings.TrimSuffix(trimmed, "}")
	fields := strings.FieldsFunc(trimmed, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{})
	for _, field := range fields {
		lo, hi, err := parsePageItem(field)
		if err != nil {
			return nil, Wrap(KindInvalidPages, op, err)
		}
		for n := lo; n <= hi; n++ {
			seen[n] = struct{}{}
		}
	}
	return sortedPages(seen), nil
}

// NormalizePages sorts and de-duplicates an explicit page list, rejecting
// non-positive or out-of-bounds numbers.
func NormalizePages(pages []int) ([]int, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	seen := make(map[int]struct{}, len(pages))
	for _, n := range pages {
		if n <= 0 || n > MaxPageNumber {
			return nil, Errorf(KindInvalidPages, "normalize pages", "page %d out of range 1-%d", n, MaxPageNumber)
		}
		seen[n] = struct{}{}
	}
	return sortedPages(seen), nil
}

func parsePageItem(item string) (int, int, error) {
	if lo, hi, ok := strings.Cut(item, "-"); ok {
		start, err := parsePageNumber(lo)
		if err != nil {
			return 0, 0, err
		}
		end, err := parsePageNumber(hi)
		if err != nil {
			return 0, 0, err
		}
		if end < start {
			return 0, 0, Errorf(KindInvalidPages, "", "range %q is reversed", item)
		}
		return start, end, nil
	}
	n, err := parsePageNumber(item)
	if err != nil {
		return 0, 0, err
	}
	return n, n, nil
}

func parsePageNumber(s string) (int, error) {
	s = strings.TrimSpace(s)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, Errorf(KindInvalidPages, "", "%q is not a page number", s)
	}
	if n <= 0 || n > MaxPageNumber {
		return 0, Errorf(KindInvalidPages, "", "page %d out of range 1-%d", n, MaxPageNumber)
	}
	return n, nil
}

func sortedPages(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}
