// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"net/http"
	"strings"
)

// healthHandler responds to health check requests with
// {"health":"OK"} or {"health":"ERROR","error":"..."}.
type healthHandler struct {
	// Required "Authorization: Bearer" token. If empty, health
	// checks are disabled and every request gets 404.
	Token string
	Check func() error
}

func (h *healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !authorized(h.Token, r) {
		return404or401(w, h.Token, r)
		return
	}
	resp := map[string]string{"health": "OK"}
	w.Header().Set("Content-Type", "application/json")
	if err := h.Check(); err != nil {
		resp["health"] = "ERROR"
		resp["error"] = err.Error()
		w.WriteHeader(http.StatusInternalServerError)
	}
	json.NewEncoder(w).Encode(resp)
}

// requireToken wraps next such that requests without the given
// bearer token are rejected.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorized(token, r) {
			return404or401(w, token, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authorized(token string, r *http.Request) bool {
	return token != "" && r.Header.Get("Authorization") == "Bearer "+token
}

func return404or401(w http.ResponseWriter, token string, r *http.Request) {
	if token == "" {
		http.Error(w, "disabled", http.StatusNotFound)
	} else if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "authorization required", http.StatusUnauthorized)
	} else {
		http.Error(w, "authorization error", http.StatusForbidden)
	}
}
