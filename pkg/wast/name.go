package wast

// filterName sanitizes a function name for the module boundary: anything
// outside the identifier-safe set becomes an underscore.
func filterName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '$':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
