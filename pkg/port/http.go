// The HTTP port exposes the cache as a small JSON API, plus Prometheus metrics on /metrics. Durations in requests are
// strings such as "90s", "1h30m" or "2d".

package port

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nobletooth/grove/pkg/cache"
	"github.com/nobletooth/grove/pkg/utils"
	"github.com/xhit/go-str2duration/v2"
)

var httpAddress = flag.String("http_address", ":8080",
	"The ip:port to listen on for the HTTP API and metrics. Empty disables the HTTP server.")

const (
	maxRequestBodyBytes = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

type errorResponse struct {
	Error string `json:"error"`
}

type setKeyRequest struct {
	Value   string `json:"value"`
	TTL     string `json:"ttl,omitempty"` // Empty means no expiry.
	Parent  string `json:"parent,omitempty"`
	NX      bool   `json:"nx,omitempty"`
	XX      bool   `json:"xx,omitempty"`
	KeepTTL bool   `json:"keep_ttl,omitempty"`
	Get     bool   `json:"get,omitempty"`
}

type setKeyResponse struct {
	Applied  bool    `json:"applied"`
	Existed  bool    `json:"existed"`
	Previous *string `json:"previous,omitempty"`
}

type keyValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ttlResponse struct {
	Key       string `json:"key"`
	TTL       int64  `json:"ttl"`                 // Whole seconds, or -1 for keys without expiry.
	Remaining string `json:"remaining,omitempty"` // Human readable form of the exact time left.
}

type expireRequest struct {
	TTL     string `json:"ttl,omitempty"`
	Seconds *int64 `json:"seconds,omitempty"`
}

type parentRequest struct {
	Parent string `json:"parent"`
}

type keysRequest struct {
	Keys []string `json:"keys"`
}

type infoResponse struct {
	Key      string  `json:"key"`
	Value    string  `json:"value"`
	TTL      int64   `json:"ttl"`
	Parent   *string `json:"parent"`
	Children int     `json:"children"`
}

type pingRequest struct {
	Message string `json:"message,omitempty"`
}

type statsResponse struct {
	cache.Stats
	HitRatio      float64 `json:"hit_ratio"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// httpStatusOf maps cache errors to their HTTP status.
func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrCycleDetected):
		return http.StatusConflict
	case errors.Is(err, cache.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrRelationsDisabled):
		return http.StatusForbidden
	case errors.IsAny(err, cache.ErrKeyLimitExceeded, cache.ErrMemoryLimitExceeded):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("Failed to write http response.", "error", err)
	}
}

func writeHTTPError(w http.ResponseWriter, err error) {
	status := httpStatusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("Failed to serve http request.", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decodeBody reads a JSON request body into `dst`. An empty body leaves `dst` untouched when `optional` is set.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Mark(errors.Wrap(err, "invalid request body"), cache.ErrInvalidArgument)
	}
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "invalid duration %q", raw), cache.ErrInvalidArgument)
	}
	return d, nil
}

type httpHandler struct {
	cache cache.Cache
}

// newHTTPHandler routes the JSON API to `c`; `metrics` serves /metrics when non-nil.
func newHTTPHandler(c cache.Cache, metrics http.Handler) http.Handler {
	handler := &httpHandler{cache: c}
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("GET /keys/{key}", handler.getKey)
	mux.HandleFunc("POST /keys/{key}", handler.setKey)
	mux.HandleFunc("DELETE /keys/{key}", handler.deleteKey)
	mux.HandleFunc("GET /keys/{key}/ttl", handler.getTTL)
	mux.HandleFunc("GET /keys/{key}/info", handler.getInfo)
	mux.HandleFunc("POST /keys/{key}/expire", handler.expire)
	mux.HandleFunc("POST /keys/{key}/persist", handler.persist)
	mux.HandleFunc("POST /keys/{key}/parent", handler.setParent)
	mux.HandleFunc("GET /keys/{key}/children", handler.children)
	mux.HandleFunc("GET /keys", handler.listKeys)
	mux.HandleFunc("DELETE /keys", handler.deleteKeys)
	mux.HandleFunc("POST /keys/exists", handler.exists)
	mux.HandleFunc("POST /ping", handler.ping)
	mux.HandleFunc("POST /flush", handler.flush)
	mux.HandleFunc("GET /stats", handler.stats)
	return mux
}

func (hh *httpHandler) getKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, found := hh.cache.Get(key)
	if !found {
		writeHTTPError(w, errors.Wrapf(cache.ErrNotFound, "key %q", key))
		return
	}
	writeJSON(w, http.StatusOK, keyValueResponse{Key: key, Value: string(value)})
}

func (hh *httpHandler) setKey(w http.ResponseWriter, r *http.Request) {
	var req setKeyRequest
	if err := decodeBody(w, r, &req, false /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	opts := cache.SetOptions{
		Parent:         req.Parent,
		OnlyIfMissing:  req.NX,
		OnlyIfExists:   req.XX,
		KeepTTL:        req.KeepTTL,
		ReturnPrevious: req.Get,
	}
	if req.TTL != "" {
		ttl, err := parseDuration(req.TTL)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		opts.TTL = ttl
	}

	result, err := hh.cache.SetWithOptions(r.PathValue("key"), []byte(req.Value), opts)
	if err != nil {
		if errors.IsAny(err, cache.ErrCycleDetected, cache.ErrRelationsDisabled) {
			slog.Warn("Rejected relationship write.", "child", r.PathValue("key"), "parent", req.Parent, "error", err)
		}
		writeHTTPError(w, err)
		return
	}
	response := setKeyResponse{Applied: result.Applied, Existed: result.Existed}
	if req.Get && result.Existed {
		previous := string(result.Previous)
		response.Previous = &previous
	}
	writeJSON(w, http.StatusOK, response)
}

func (hh *httpHandler) deleteKey(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	deleted := hh.cache.Delete(key)
	if deleted == 0 {
		writeHTTPError(w, errors.Wrapf(cache.ErrNotFound, "key %q", key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

func (hh *httpHandler) getTTL(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	remaining, hasExpiry, found := hh.cache.TTL(key)
	if !found {
		writeHTTPError(w, errors.Wrapf(cache.ErrNotFound, "key %q", key))
		return
	}
	response := ttlResponse{Key: key, TTL: cache.NoExpiry}
	if hasExpiry {
		response.TTL = int64((remaining + time.Second - 1) / time.Second)
		response.Remaining = str2duration.String(remaining)
	}
	writeJSON(w, http.StatusOK, response)
}

func (hh *httpHandler) getInfo(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	info, found := hh.cache.Info(key)
	if !found {
		writeHTTPError(w, errors.Wrapf(cache.ErrNotFound, "key %q", key))
		return
	}
	response := infoResponse{Key: info.Key, Value: string(info.Value), TTL: info.TTL, Children: info.Children}
	if info.HasParent {
		response.Parent = &info.Parent
	}
	writeJSON(w, http.StatusOK, response)
}

func (hh *httpHandler) expire(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := decodeBody(w, r, &req, false /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	var ttl time.Duration
	switch {
	case req.TTL != "" && req.Seconds != nil:
		writeHTTPError(w, errors.Wrap(cache.ErrInvalidArgument, "expected either ttl or seconds, not both"))
		return
	case req.TTL != "":
		parsed, err := parseDuration(req.TTL)
		if err != nil {
			writeHTTPError(w, err)
			return
		}
		ttl = parsed
	case req.Seconds != nil:
		ttl = time.Duration(*req.Seconds) * time.Second
	default:
		writeHTTPError(w, errors.Wrap(cache.ErrInvalidArgument, "expected a ttl or seconds field"))
		return
	}
	if err := hh.cache.Expire(r.PathValue("key"), ttl); err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"expiry_set": true})
}

func (hh *httpHandler) persist(w http.ResponseWriter, r *http.Request) {
	changed, err := hh.cache.Persist(r.PathValue("key"))
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"persisted": changed})
}

func (hh *httpHandler) setParent(w http.ResponseWriter, r *http.Request) {
	var req parentRequest
	if err := decodeBody(w, r, &req, false /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	key := r.PathValue("key")
	if err := hh.cache.SetParent(key, req.Parent); err != nil {
		if errors.IsAny(err, cache.ErrCycleDetected, cache.ErrRelationsDisabled) {
			slog.Warn("Rejected relationship write.", "child", key, "parent", req.Parent, "error", err)
		}
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parentRequest{Parent: req.Parent})
}

func (hh *httpHandler) children(w http.ResponseWriter, r *http.Request) {
	depth := cache.DefaultChildrenDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeHTTPError(w, errors.Wrapf(cache.ErrInvalidArgument, "invalid depth %q", raw))
			return
		}
		depth = parsed
	}
	descendants, err := hh.cache.Children(r.PathValue("key"), depth)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	if descendants == nil {
		descendants = []cache.Descendant{}
	}
	writeJSON(w, http.StatusOK, map[string][]cache.Descendant{"children": descendants})
}

func (hh *httpHandler) listKeys(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pattern := "*"
	if query.Has("pattern") {
		pattern = query.Get("pattern")
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeHTTPError(w, errors.Wrapf(cache.ErrInvalidArgument, "invalid limit %q", raw))
			return
		}
		limit = parsed
	}
	keys, err := hh.cache.ListKeys(pattern, limit)
	if err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

func (hh *httpHandler) deleteKeys(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeBody(w, r, &req, false /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": hh.cache.DeleteMany(req.Keys)})
}

func (hh *httpHandler) exists(w http.ResponseWriter, r *http.Request) {
	var req keysRequest
	if err := decodeBody(w, r, &req, false /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	exists := hh.cache.ExistsMany(req.Keys)
	count := 0
	for _, keyExists := range exists {
		if keyExists {
			count++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": exists, "count": count})
}

func (hh *httpHandler) ping(w http.ResponseWriter, r *http.Request) {
	var req pingRequest
	if err := decodeBody(w, r, &req, true /*optional*/); err != nil {
		writeHTTPError(w, err)
		return
	}
	message := "PONG"
	if req.Message != "" {
		message = req.Message
	}
	writeJSON(w, http.StatusOK, pingRequest{Message: message})
}

func (hh *httpHandler) flush(w http.ResponseWriter, _ *http.Request) {
	hh.cache.Flush()
	writeJSON(w, http.StatusOK, map[string]bool{"flushed": true})
}

func (hh *httpHandler) stats(w http.ResponseWriter, _ *http.Request) {
	stats := hh.cache.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:         stats,
		HitRatio:      stats.HitRatio(),
		UptimeSeconds: int64(utils.Uptime().Seconds()),
	})
}

// RunHTTPServer serves `c` over HTTP on --http_address until `ctx` is cancelled. An empty address disables it.
func RunHTTPServer(ctx context.Context, c cache.Cache, metrics http.Handler) error {
	if *httpAddress == "" {
		slog.Info("HTTP server is disabled.")
		return nil
	}
	listener, err := net.Listen("tcp", *httpAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", *httpAddress)
	}
	server := &http.Server{
		Handler:           newHTTPHandler(c, metrics),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	slog.Info("HTTP server is listening.", "address", listener.Addr().String())

	serverErrSignal := make(chan error, 1)
	go func() {
		serverErrSignal <- server.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shut down http server")
		}
		return nil
	case err := <-serverErrSignal:
		return errors.Wrap(err, "http server stopped unexpectedly")
	}
}
