package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/crpcgo/crpc/pkg/backend"
	crpcerrors "github.com/crpcgo/crpc/pkg/errors"
	"github.com/crpcgo/crpc/pkg/meta"
	"github.com/crpcgo/crpc/pkg/session"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// Handler returns the HTTP API:
//
//	POST /api/{kind}/{namespace:name}   JSON arguments in, backend.Response out
//	GET  /api/subscribe/{namespace:name} server-sent events, arguments in ?args=
//	GET  /healthz
//	GET  /metrics                        when metrics are enabled
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+backend.APIPrefix+"{kind}/{name}", s.serveCall)
	mux.HandleFunc("GET "+backend.SubscribePrefix+"{name}", s.serveSubscribe)
	mux.Handle("GET /healthz", s.HealthChecker())
	if s.metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return withBearerToken(mux)
}

// withBearerToken exposes the bearer token of the request to session resolvers.
func withBearerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(authorizationHeader)
		if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
			if token := strings.TrimSpace(header[len(bearerPrefix):]); token != "" {
				r = r.WithContext(session.ContextWithToken(r.Context(), token))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveCall(w http.ResponseWriter, r *http.Request) {
	kind := meta.Kind(r.PathValue("kind"))
	name := r.PathValue("name")
	if !kind.Valid() {
		writeError(w, crpcerrors.UnknownFunctionError(name))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, crpcerrors.Wrap(crpcerrors.BadRequest, "unreadable request body", err).WithFunction(name))
		return
	}
	args, err := decodeArgs(body)
	if err != nil {
		writeError(w, crpcerrors.BadRequestError(err).WithFunction(name))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.upstreamTimeout)
	defer cancel()

	out, err := s.backend.Call(ctx, kind, name, args)
	if err != nil {
		writeError(w, publicError(err))
		return
	}

	var resp backend.Response
	if out != nil {
		value, err := json.Marshal(out)
		if err != nil {
			s.logger.ErrorWithContext(ctx, "failed to encode procedure output",
				zap.String("function", name),
				zap.Error(err),
			)
			writeError(w, crpcerrors.NewInternalError("", err).WithFunction(name))
			return
		}
		resp.Value = value
	}
	writeJSON(w, http.StatusOK, resp)
}

// decodeArgs accepts an empty body as no arguments.
func decodeArgs(body []byte) (any, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return json.RawMessage(body), nil
}

func (s *Server) serveSubscribe(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	args, err := decodeArgs([]byte(r.URL.Query().Get(backend.ArgsParam)))
	if err != nil {
		writeError(w, crpcerrors.BadRequestError(err).WithFunction(name))
		return
	}

	ctx, span := tracer.Start(r.Context(), "crpc.subscribe", trace.WithAttributes(
		attribute.String("crpc.function", name),
	))
	defer span.End()

	rc := http.NewResponseController(w)
	updates, done := make(chan backend.Update), make(chan struct{})
	defer close(done)

	sub, err := s.backend.Subscribe(ctx, name, args, forward(updates, done))
	if err != nil {
		writeError(w, publicError(err))
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case u := <-updates:
			if err := writeEvent(w, u); err != nil {
				s.logger.WarnWithContext(ctx, "failed to write subscription event",
					zap.String("function", name),
					zap.Error(err),
				)
				return
			}
			_ = rc.Flush()
			if u.Err != nil {
				return
			}
		}
	}
}

// forward hands updates to the stream loop until it returns.
func forward(updates chan<- backend.Update, done <-chan struct{}) backend.UpdateFunc {
	return func(u backend.Update) {
		select {
		case updates <- u:
		case <-done:
		}
	}
}

func writeEvent(w io.Writer, u backend.Update) error {
	event, payload := backend.EventUpdate, any(u.Value)
	if u.Err != nil {
		event, payload = backend.EventError, publicError(u.Err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	// json.Marshal never emits raw newlines, so one data line is enough.
	_, err = io.WriteString(w, "event: "+event+"\ndata: "+string(data)+"\n\n")
	return err
}

func writeError(w http.ResponseWriter, err *crpcerrors.Error) {
	writeJSON(w, crpcerrors.HTTPStatus(err.Code), backend.Response{Error: err})
}

func writeJSON(w http.ResponseWriter, code int, resp backend.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
