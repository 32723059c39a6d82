package runtime

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"sync/atomic"
)

// reverseProxyRouter is the single-host variant's local traffic switch: a
// map from "project/group" to the currently-serving upstream address,
// updated atomically by SetGroupTraffic and read on every proxied request.
// It also tracks a live connection count per group, the drain-window signal
// the supersession step polls.
type reverseProxyRouter struct {
	mu        sync.RWMutex
	upstreams map[string]string
	inflight  map[string]*int64
}

func newReverseProxyRouter() *reverseProxyRouter {
	return &reverseProxyRouter{
		upstreams: make(map[string]string),
		inflight:  make(map[string]*int64),
	}
}

func (r *reverseProxyRouter) setUpstream(key, hostIP string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[key] = hostIP
	if r.inflight[key] == nil {
		var n int64
		r.inflight[key] = &n
	}
}

func (r *reverseProxyRouter) activeConnections(key string) int {
	r.mu.RLock()
	counter := r.inflight[key]
	r.mu.RUnlock()
	if counter == nil {
		return 0
	}
	return int(atomic.LoadInt64(counter))
}

// ServeHTTP proxies a request for "project/group" (set via request context
// or a wrapping handler) to the current upstream, tracking the in-flight
// count for the duration of the round trip.
func (r *reverseProxyRouter) ServeHTTP(key string, w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	host := r.upstreams[key]
	counter := r.inflight[key]
	r.mu.RUnlock()

	if host == "" {
		http.Error(w, "no upstream for group", http.StatusServiceUnavailable)
		return
	}
	if counter != nil {
		atomic.AddInt64(counter, 1)
		defer atomic.AddInt64(counter, -1)
	}

	target := &url.URL{Scheme: "http", Host: host}
	httputil.NewSingleHostReverseProxy(target).ServeHTTP(w, req)
}
