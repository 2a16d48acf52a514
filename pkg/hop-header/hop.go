package hopheader

import (
	"net/http"
	"strings"
)

var hopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Strip returns a copy of header without the hop-by-hop fields,
// including the fields named in the Connection header.
// Such fields must not be forwarded nor stored.
func Strip(header http.Header) http.Header {
	if header == nil {
		return http.Header{}
	}
	h := header.Clone()
	for _, name := range ListValues(header, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHop {
		h.Del(name)
	}
	return h
}

// ListValues splits a comma separated list header into its trimmed items.
func ListValues(header http.Header, field string) []string {
	list := make([]string, 0)
	for _, hdr := range header.Values(field) {
		for _, item := range strings.Split(hdr, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
	}
	return list
}
