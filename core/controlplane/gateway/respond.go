package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/laptopdesk/backplane/core/infra/bus"
	"github.com/laptopdesk/backplane/core/infra/logging"
	"github.com/laptopdesk/backplane/core/infra/schema"
	"github.com/laptopdesk/backplane/core/rpc"
)

var (
	errBadRequest      = errors.New("bad request")
	errUnauthenticated = errors.New("not authenticated")
	errNoUserRecord    = errors.New("operator account has no user record")
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRaw writes an already encoded JSON document.
func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError maps err onto a status code and a client-safe detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)
	if status >= http.StatusInternalServerError {
		logging.Error(serviceName, "request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		logging.Debug(serviceName, "request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeDetail(w, status, detail)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, schema.ErrInvalid), errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, "not authenticated"
	case errors.Is(err, errNoUserRecord):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, rpc.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream timed out"
	case bus.IsRetryable(err):
		return http.StatusServiceUnavailable, "upstream unavailable"
	}
	var re *rpc.ReplyError
	if errors.As(err, &re) {
		switch re.Code {
		case rpc.CodeNotFound:
			return http.StatusNotFound, re.Message
		case rpc.CodeConflict:
			return http.StatusConflict, re.Message
		case rpc.CodeUnauthorized:
			return http.StatusUnauthorized, re.Message
		case rpc.CodeInvalid:
			return http.StatusBadRequest, re.Message
		}
	}
	return http.StatusInternalServerError, "internal error"
}

// decodeBody reads a JSON object body and validates it against schemaID.
func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, schemaID string) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: request body required", errBadRequest)
		}
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", errBadRequest)
	}
	if s.schemas != nil {
		if err := s.schemas.Validate(schemaID, body); err != nil {
			return nil, err
		}
	}
	return body, nil
}

// queryInt reads a non-negative integer query parameter; missing yields 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}
