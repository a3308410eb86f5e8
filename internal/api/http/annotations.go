// Package http holds the HTTP handlers for the annotation API.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/annotext/annotext/internal/lti"
	"github.com/annotext/annotext/internal/store"
)

const authTokenHeader = "X-Annotator-Auth-Token"

func RootHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"name": s.BackendName()})
	}
}

func SearchHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := lti.LaunchFromContext(r.Context())
		res, err := s.Search(r.Context(), l, r.URL.Query(), r.Header.Get(authTokenHeader))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func CreateHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := lti.LaunchFromContext(r.Context())
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		res, err := s.Create(r.Context(), l, body, r.Header.Get(authTokenHeader))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func UpdateHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := lti.LaunchFromContext(r.Context())
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		res, err := s.Update(r.Context(), l, chi.URLParam(r, "annotationID"), body, r.Header.Get(authTokenHeader))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func DeleteHandler(s *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		l := lti.LaunchFromContext(r.Context())
		body, ok := decodeBody(w, r)
		if !ok {
			return
		}
		res, err := s.Delete(r.Context(), l, chi.URLParam(r, "annotationID"), body, r.Header.Get(authTokenHeader))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeResult(w, res)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrPermissionDenied) {
		http.Error(w, "permission denied", http.StatusForbidden)
		return
	}
	http.Error(w, "annotation store error", http.StatusInternalServerError)
}

func writeResult(w http.ResponseWriter, res *store.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
