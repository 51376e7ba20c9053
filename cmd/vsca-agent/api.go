package main

import (
	"crypto/subtle"
	"net/http"

	"vsca/pkg/conntab"
	"vsca/pkg/vsca"
)

func (a *Agent) authorized(r *http.Request) bool {
	got := r.Header.Get(vsca.TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.Token)) == 1
}

func (a *Agent) lookupHandler(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	req, err := vsca.DecodeLookupRequest(r.Body)
	if err != nil {
		a.metrics.lookups.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key, dir, err := req.Key()
	if err != nil {
		a.metrics.lookups.WithLabelValues("bad_request").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := vsca.LookupResponse{Version: vsca.ProtocolVersion}
	if c, ok := a.table.Lookup(key, dir); ok {
		info := vsca.NewConnInfo(c.Info())
		a.table.Put(c)
		resp.Found = true
		resp.Conn = &info
		a.metrics.lookups.WithLabelValues("hit").Inc()
	} else {
		a.metrics.lookups.WithLabelValues("miss").Inc()
	}
	if err := vsca.WriteJSON(w, http.StatusOK, resp); err != nil {
		a.log.Debug("write lookup response", "err", err)
	}
}

func (a *Agent) connsHandler(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	resp := vsca.ConnsResponse{Version: vsca.ProtocolVersion, Conns: []vsca.ConnInfo{}}
	a.table.Range(func(info conntab.ConnInfo) bool {
		resp.Conns = append(resp.Conns, vsca.NewConnInfo(info))
		return true
	})
	resp.Count = len(resp.Conns)
	if err := vsca.WriteJSON(w, http.StatusOK, resp); err != nil {
		a.log.Debug("write conns response", "err", err)
	}
}

func (a *Agent) healthHandler(w http.ResponseWriter, _ *http.Request) {
	if a.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
