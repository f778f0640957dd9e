package types

import "strings"

// HeaderValue looks up a header case-insensitively. Multi-valued headers
// joined by a newline (as CDP reports them) yield their first value.
func HeaderValue(headers map[string]string, name string) string {
	if len(headers) == 0 {
		return ""
	}
	v, ok := headers[name]
	if !ok {
		for k, hv := range headers {
			if strings.EqualFold(k, name) {
				v, ok = hv, true
				break
			}
		}
	}
	if !ok {
		return ""
	}
	if i := strings.IndexByte(v, '\n'); i >= 0 {
		v = v[:i]
	}
	if strings.EqualFold(name, "content-length") {
		if i := strings.IndexByte(v, ','); i >= 0 {
			v = v[:i]
		}
	}
	return strings.TrimSpace(v)
}
