package backend

import "strings"

// Has reports whether kind computes natively in this build.
func Has(kind string) bool {
	return kind == CPU
}

// Available returns a comma-separated list of native device kinds.
func Available() string {
	entries := []string{CPU}
	for _, k := range []string{CUDA, MPS, DML} {
		if Has(k) {
			entries = append(entries, k)
		}
	}
	return strings.Join(entries, ",")
}
