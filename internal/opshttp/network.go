package opshttp

import (
	"net"
	"net/http"
	"net/netip"

	"github.com/keithlinneman/catalogweb/internal/log"
)

// requireNonPublicNetwork rejects peers outside loopback, private and
// link-local ranges. It trusts only the socket address, never forwarding headers.
func requireNonPublicNetwork(L log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			L.Warn(r.Context(), "ops request with unparseable peer", "network.peer.address", r.RemoteAddr)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		ip, err := netip.ParseAddr(host)
		if err != nil {
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		ip = ip.Unmap()
		if !(ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()) {
			L.Warn(r.Context(), "ops request from public network rejected",
				"network.peer.address", ip.String(),
				"url.path", r.URL.Path,
			)
			http.Error(w, "forbidden\n", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
