package server

import (
	"net/http"
	"strconv"

	"github.com/rakunlabs/gemini-relay/internal/apierr"
	"github.com/rakunlabs/gemini-relay/internal/store"
)

const (
	defaultLogPageSize = 50
	maxLogPageSize     = 500
)

func paginationParams(r *http.Request) (limit, offset int) {
	limit = defaultLogPageSize
	offset = 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxLogPageSize {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return limit, offset
}

// ListErrorLogsHandler handles GET /admin/logs/errors?limit=&offset=.
func (s *Server) ListErrorLogsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	entries, err := s.st.ListErrorEntries(r.Context(), limit, offset)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	if entries == nil {
		entries = []store.ErrorEntry{}
	}

	httpResponseJSON(w, entries, http.StatusOK)
}

// ListCallLogsHandler handles GET /admin/logs/calls?limit=&offset=.
func (s *Server) ListCallLogsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r)

	records, err := s.st.ListCallRecords(r.Context(), limit, offset)
	if err != nil {
		apierr.WriteJSON(w, apierr.Internal(err))
		return
	}
	if records == nil {
		records = []store.CallRecord{}
	}

	httpResponseJSON(w, records, http.StatusOK)
}
