package utils

import (
	"regexp"
	"strings"
)

func FirstNonEmpty(str1, str2 string) string {
	if str1 != "" {
		return str1
	}
	if str2 != "" {
		return str2
	}
	return ""
}

// SplitByMultipleDelimiters splits s on any of the delimiters
func SplitByMultipleDelimiters(s string, delimiters ...string) []string {
	if len(delimiters) == 0 {
		return []string{s}
	}
	delimiterPattern := "[" + regexp.QuoteMeta(strings.Join(delimiters, "")) + "]"
	re := regexp.MustCompile(delimiterPattern)
	return re.Split(s, -1)
}

// SplitList splits s on any of the delimiters, trimming entries and dropping empty ones
func SplitList(s string, delimiters ...string) []string {
	parts := SplitByMultipleDelimiters(s, delimiters...)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
