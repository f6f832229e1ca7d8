package inference

import "strings"

// StopSequences returns "{name}: " for every name, for backends that can
// halt generation themselves.
func StopSequences(names []string) []string {
	ret := make([]string, 0, len(names))
	for _, n := range names {
		ret = append(ret, n+": ")
	}
	return ret
}

// TrimAtNames truncates text at the earliest "{name}:" of any name. The
// result contains none of the markers, so trimming again is a no-op.
func TrimAtNames(text string, names []string) string {
	earliest := -1
	for _, n := range names {
		if n == "" {
			continue
		}
		if i := strings.Index(text, n+":"); i >= 0 && (earliest < 0 || i < earliest) {
			earliest = i
		}
	}
	if earliest < 0 {
		return text
	}
	return text[:earliest]
}
