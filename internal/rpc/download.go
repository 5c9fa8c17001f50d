package rpc

import (
	"net/http"
	"strings"
)

// handleDownload serves a completed file's bytes, gated by the
// process-wide download token passed as a query parameter, per
// spec.md §6's "process-wide download token authenticates RPC
// downloads".
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/download/")
	if id == "" {
		http.Error(w, "missing file id", http.StatusBadRequest)
		return
	}

	path, err := s.files.FilePath(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}
