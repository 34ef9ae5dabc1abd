// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package gateway exposes a Connector over HTTP, using the wire
// protocol netunicorn orchestrators speak.
package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/sdk/go/auth"
	"github.com/netunicorn/netunicorn-connector/sdk/go/httpserver"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
)

// Request headers carrying operation contexts (JSON objects).
const (
	HeaderAuthContext         = "netunicorn-auth-context"
	HeaderDeploymentContext   = "netunicorn-deployment-context"
	HeaderExecutionContext    = "netunicorn-execution-context"
	HeaderCancellationContext = "netunicorn-cancellation-context"
)

// Maximum request body size.
const maxBodySize = 64 << 20

// Handler serves the connector wire protocol. Every route requires
// the API key as a bearer token.
type Handler struct {
	Connector connector.Connector
	APIKey    string

	setupOnce sync.Once
	handler   http.Handler
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.handler.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	r := mux.NewRouter()
	r.HandleFunc("/initialize", h.initialize).Methods("POST")
	r.HandleFunc("/health", h.health).Methods("GET")
	r.HandleFunc("/shutdown", h.shutdown).Methods("POST")
	r.HandleFunc("/nodes/{username}", h.getNodes).Methods("GET")
	r.HandleFunc("/deploy/{username}/{experiment_id}", h.deploy).Methods("POST")
	r.HandleFunc("/execute/{username}/{experiment_id}", h.execute).Methods("POST")
	r.HandleFunc("/stop_executors/{username}", h.stopExecutors).Methods("POST")
	r.HandleFunc("/cleanup/{experiment_id}", h.cleanup).Methods("POST")
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	h.handler = auth.RequireLiteralToken(h.APIKey, r)
}

// operationContext parses the named context header. An absent, empty,
// or "null" header yields nil.
func operationContext(r *http.Request, header string) (unicorn.OperationContext, error) {
	oc, err := unicorn.ParseOperationContext(r.Header.Get(header))
	if err != nil {
		return nil, httpserver.Errorf(http.StatusBadRequest, "couldn't parse the %s header: %s", header, err)
	}
	return oc, nil
}

// decodeBody decodes the JSON request body into dst. Decoding errors
// are client errors.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(dst)
	if err != nil {
		return unicorn.Validationf("couldn't parse request body: %s", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func sendResponse(w http.ResponseWriter, r *http.Request, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		httpserver.WriteError(w, fmt.Errorf("error encoding response: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, buf)
}

func (h *Handler) initialize(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var params json.RawMessage
	if len(body) > 0 {
		var generic interface{}
		if err := json.Unmarshal(body, &generic); err != nil {
			httpserver.WriteError(w, unicorn.Validationf("couldn't parse request body: %s", err))
			return
		}
		if !isEmptyJSON(generic) {
			params = body
		}
	}
	if err := h.Connector.Initialize(r.Context(), params); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// isEmptyJSON reports whether v, as decoded by encoding/json, is
// null, false, zero, or an empty string, array or object. Such a
// body carries no driver parameters.
func isEmptyJSON(v interface{}) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case float64:
		return v == 0
	case string:
		return v == ""
	case []interface{}:
		return len(v) == 0
	case map[string]interface{}:
		return len(v) == 0
	}
	return false
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	healthy, text := h.Connector.Health(r.Context())
	buf, _ := json.Marshal(healthResponse{Status: text})
	status := http.StatusOK
	if !healthy {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, buf)
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	if err := h.Connector.Shutdown(r.Context()); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getNodes(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	authCtx, err := operationContext(r, HeaderAuthContext)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	pool, err := h.Connector.GetNodes(r.Context(), username, authCtx)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	buf, err := unicorn.MarshalNodePool(pool)
	if err != nil {
		httpserver.WriteError(w, fmt.Errorf("error encoding node pool: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, buf)
}

type batchFunc func(r *http.Request, username, experimentID string, deployments []unicorn.Deployment, opCtx, authCtx unicorn.OperationContext) (unicorn.BatchResult[*string], error)

func (h *Handler) deploymentBatch(w http.ResponseWriter, r *http.Request, header string, fn batchFunc) {
	vars := mux.Vars(r)
	authCtx, err := operationContext(r, HeaderAuthContext)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	opCtx, err := operationContext(r, header)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var deployments []unicorn.Deployment
	if err := decodeBody(r, &deployments); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	results, err := fn(r, vars["username"], vars["experiment_id"], deployments, opCtx, authCtx)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.SetResponseLogFields(r.Context(), logrus.Fields{
		"ExperimentID": vars["experiment_id"],
		"Items":        len(results),
		"Failures":     results.Failures(),
	})
	sendResponse(w, r, results)
}

func (h *Handler) deploy(w http.ResponseWriter, r *http.Request) {
	h.deploymentBatch(w, r, HeaderDeploymentContext, func(r *http.Request, username, experimentID string, deployments []unicorn.Deployment, opCtx, authCtx unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
		return h.Connector.Deploy(r.Context(), username, experimentID, deployments, opCtx, authCtx)
	})
}

func (h *Handler) execute(w http.ResponseWriter, r *http.Request) {
	h.deploymentBatch(w, r, HeaderExecutionContext, func(r *http.Request, username, experimentID string, deployments []unicorn.Deployment, opCtx, authCtx unicorn.OperationContext) (unicorn.BatchResult[*string], error) {
		return h.Connector.Execute(r.Context(), username, experimentID, deployments, opCtx, authCtx)
	})
}

func (h *Handler) stopExecutors(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	authCtx, err := operationContext(r, HeaderAuthContext)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	cancelCtx, err := operationContext(r, HeaderCancellationContext)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var requests []unicorn.StopExecutorRequest
	if err := decodeBody(r, &requests); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	results, err := h.Connector.StopExecutors(r.Context(), username, requests, cancelCtx, authCtx)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	httpserver.SetResponseLogFields(r.Context(), logrus.Fields{
		"Items":    len(results),
		"Failures": results.Failures(),
	})
	sendResponse(w, r, results)
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	experimentID := mux.Vars(r)["experiment_id"]
	var deployments []unicorn.Deployment
	if err := decodeBody(r, &deployments); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if err := h.Connector.Cleanup(r.Context(), experimentID, deployments); err != nil {
		httpserver.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, []byte("null"))
}
