// Package server implements the HTTP/WS broadcast server (C4): ingress
// routes, query and health surfaces, and topic-filtered WebSocket
// fan-out. Router and middleware are grounded on this lineage's
// control-plane services (gorilla/mux, a statusRecorder-wrapped request
// logging middleware, permissive CORS on every response); the
// WebSocket transport is the first server-side use of gorilla/websocket
// in this codebase (the library is already a client-side dependency
// elsewhere in the lineage).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/devbus-oss/devbus/internal/discovery"
	"github.com/devbus-oss/devbus/internal/enrich"
	"github.com/devbus-oss/devbus/internal/playback"
	"github.com/devbus-oss/devbus/internal/store"
	"github.com/devbus-oss/devbus/internal/voice"
	"github.com/devbus-oss/devbus/pkg/envelope"
	apierrors "github.com/devbus-oss/devbus/pkg/errors"
	"github.com/devbus-oss/devbus/pkg/logging"
)

const (
	maxBodyBytes       = 1 << 20 // 1 MiB
	defaultQueryLimit  = 100
	maxQueryLimit      = 1000
	healthVersion      = "1.0.0"
	topicAll           = "events.all"
	subscriberBufDepth = 64
)

// Config configures a Server.
type Config struct {
	Host            string
	Port            int
	App             string
	AppRoot         string
	NotFoundHandler http.Handler // defaults to a 404 JSON handler when nil
}

// Server is the HTTP/WS broadcast server.
type Server struct {
	cfg      Config
	store    *store.Store
	queue    *playback.Queue
	registry *discovery.Registry
	resolver *voice.Resolver
	log      *logging.Logger

	startedAt time.Time
	nonce     string

	topicsMu sync.RWMutex
	topics   map[string]map[*subscriber]bool

	httpServer *http.Server
	listener   net.Listener
}

type subscriber struct {
	send chan []byte
}

// New constructs a Server. resolver may be nil if voice notification is
// fully disabled.
func New(cfg Config, st *store.Store, q *playback.Queue, reg *discovery.Registry, resolver *voice.Resolver, log *logging.Logger) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		registry: reg,
		resolver: resolver,
		log:      log,
		topics:   map[string]map[*subscriber]bool{},
	}
}

// ErrAlreadyRunning is returned by Start when the discovery registry
// reports a live owner.
var ErrAlreadyRunning = errors.New("server: another instance is already running")

// Start consults the discovery registry for a live owner, fails fast if
// one exists, otherwise binds and writes the discovery triple.
func (s *Server) Start() error {
	if existing, err := s.registry.ReadPort(); err == nil && existing != 0 {
		return fmt.Errorf("%w on port %d", ErrAlreadyRunning, existing)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	nonce, err := s.registry.WriteTriple(ln.Addr().(*net.TCPAddr).Port, os.Getpid())
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("server: write discovery triple: %w", err)
	}
	s.nonce = nonce

	s.httpServer = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.log != nil {
				s.log.Error(context.Background(), "serve failed", logging.Field{K: "error", V: err.Error()})
			}
		}
	}()
	if s.log != nil {
		s.log.Info(context.Background(), "started", logging.Field{K: "addr", V: ln.Addr().String()})
	}
	return nil
}

// Port returns the bound TCP port. Valid only after a successful Start.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Shutdown stops the playback queue, removes the discovery triple,
// stops accepting connections, and closes the listening socket.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.queue != nil {
		s.queue.Stop()
	}
	if s.registry != nil {
		s.registry.Clear()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/events/{name}", s.handleHookIngress).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEventsIngress).Methods(http.MethodPost)
	r.HandleFunc("/events", s.handleEventsQuery).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/voice/notify", s.handleVoiceNotify).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	fallback := s.cfg.NotFoundHandler
	if fallback == nil {
		fallback = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			apierrors.WriteHTTP(w, apierrors.NotFound, "route not found")
		})
	}
	r.NotFoundHandler = fallback

	return requestLoggingMiddleware(s.log, withCORS(r))
}

// --- middleware, grounded on services/control-plane/registry's chain ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func requestLoggingMiddleware(log *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if log == nil {
			return
		}
		dur := time.Since(start).Milliseconds()
		log.Info(r.Context(), "request",
			logging.Field{K: "method", V: r.Method},
			logging.Field{K: "path", V: r.URL.Path},
			logging.Field{K: "status", V: rec.status},
			logging.Field{K: "duration_ms", V: dur},
		)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// readBoundedJSONObject reads the request body bounded to maxBodyBytes
// and decodes it into a map. It distinguishes oversize, malformed JSON,
// and non-object bodies.
func readBoundedJSONObject(r *http.Request) (map[string]interface{}, apierrors.Code, error) {
	if r.ContentLength > maxBodyBytes {
		return nil, apierrors.OversizeBody, fmt.Errorf("body declared size %d exceeds limit", r.ContentLength)
	}
	limited := io.LimitReader(r.Body, maxBodyBytes+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, apierrors.InvalidJSON, err
	}
	if len(b) > maxBodyBytes {
		return nil, apierrors.OversizeBody, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, apierrors.InvalidJSON, err
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, apierrors.InvalidBody, fmt.Errorf("body is not a JSON object")
	}
	return obj, "", nil
}

func (s *Server) defaultCtx() envelope.Context {
	return envelope.Context{App: s.cfg.App, AppRoot: s.cfg.AppRoot}
}

func (s *Server) handleHookIngress(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	payload, code, err := readBoundedJSONObject(r)
	if err != nil {
		apierrors.WriteHTTP(w, code, err.Error())
		return
	}
	if s.log != nil && enrich.IsKnownUnmapped(name) {
		s.log.Debug(r.Context(), "known unmapped hook", logging.Field{K: "name", V: name})
	}
	res, err := enrich.Run(name, payload, s.defaultCtx())
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.InvalidEnvelope, err.Error())
		return
	}
	if res.Skipped {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "skipped", "reason": res.SkipReason})
		return
	}
	s.store.Push(res.Envelope)
	s.publish(res.Envelope)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": res.Envelope.ID})
}

func (s *Server) handleEventsIngress(w http.ResponseWriter, r *http.Request) {
	payload, code, err := readBoundedJSONObject(r)
	if err != nil {
		apierrors.WriteHTTP(w, code, err.Error())
		return
	}

	if _, ok := payload["schemaVersion"]; ok {
		// A schemaVersion key at all means the client is claiming to send
		// a full envelope; a wrong value must 400 via Validate, not fall
		// through to the partial path and get silently re-minted.
		b, _ := json.Marshal(payload)
		env, err := envelope.DecodeFull(b)
		if err != nil {
			apierrors.WriteHTTP(w, apierrors.InvalidEnvelope, err.Error())
			return
		}
		env.Normalize()
		if err := env.Validate(); err != nil {
			apierrors.WriteHTTP(w, apierrors.InvalidEnvelope, err.Error())
			return
		}
		s.store.Push(env)
		s.publish(env)
		writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": env.ID})
		return
	}

	eventType, _ := payload["type"].(string)
	if strings.TrimSpace(eventType) == "" {
		apierrors.WriteHTTP(w, apierrors.InvalidEnvelope, "type is required")
		return
	}
	data, _ := payload["data"].(map[string]interface{})
	app, _ := payload["app"].(string)
	appRoot, _ := payload["appRoot"].(string)
	sourceStr, _ := payload["source"].(string)
	corrID, _ := payload["correlationId"].(string)

	source := envelope.SourceCLI
	if sourceStr != "" {
		source = envelope.Source(sourceStr)
	}

	env, err := envelope.FromPartial(eventType, data, app, appRoot, source, corrID, s.defaultCtx())
	if err != nil {
		apierrors.WriteHTTP(w, apierrors.InvalidEnvelope, err.Error())
		return
	}
	s.store.Push(env)
	s.publish(env)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true, "id": env.ID})
}

func (s *Server) handleEventsQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultQueryLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	result := s.store.Query(store.Query{
		Type:  q.Get("type"),
		Since: q.Get("since"),
		Limit: limit,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int64(time.Since(s.startedAt).Seconds())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"nonce":    s.nonce,
		"uptime_s": uptime,
		"events": map[string]interface{}{
			"total": s.store.Size(),
			"types": s.store.TypeCounts(),
		},
		"persistErrors": s.store.PersistErrors(),
		"wsClients":     s.subscriberCount(),
		"version":       healthVersion,
		"voice": map[string]interface{}{
			"mode":       s.voiceMode(),
			"queueDepth": s.queue.Depth(),
			"isPlaying":  s.queue.IsPlaying(),
		},
	})
}

func (s *Server) voiceMode() string {
	if s.resolver == nil {
		return "disabled"
	}
	return "enabled"
}

func (s *Server) handleVoiceNotify(w http.ResponseWriter, r *http.Request) {
	payload, code, err := readBoundedJSONObject(r)
	if err != nil {
		apierrors.WriteHTTP(w, code, err.Error())
		return
	}
	agentType, _ := payload["agentType"].(string)
	phase, _ := payload["phase"].(string)
	if phase != "start" && phase != "stop" {
		apierrors.WriteHTTP(w, apierrors.InvalidBody, "phase must be \"start\" or \"stop\"")
		return
	}
	if s.resolver == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"queued": false, "reason": voice.ReasonVoiceDisabled})
		return
	}
	clip, ok, reason := s.resolver.Resolve(agentType, phase)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"queued": false, "reason": reason})
		return
	}
	s.queue.Enqueue(playback.Item{
		FilePath:   s.resolver.FilePath(clip),
		Label:      clip.Label,
		EnqueuedAt: time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"queued": true, "label": clip.Label, "text": clip.Text})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	topic := topicAll
	if t := r.URL.Query().Get("type"); t != "" {
		topic = "events." + t
	}

	sub := &subscriber{send: make(chan []byte, subscriberBufDepth)}
	s.addSubscriber(topic, sub)
	defer s.removeSubscriber(topic, sub)

	// Reader goroutine just drains control frames/close; devbus's
	// subscribers are write-only consumers of the broadcast stream.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	for msg := range sub.send {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Server) addSubscriber(topic string, sub *subscriber) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	set, ok := s.topics[topic]
	if !ok {
		set = map[*subscriber]bool{}
		s.topics[topic] = set
	}
	set[sub] = true
}

func (s *Server) removeSubscriber(topic string, sub *subscriber) {
	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	if set, ok := s.topics[topic]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.topics, topic)
		}
	}
	close(sub.send)
}

func (s *Server) subscriberCount() int {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	n := 0
	for _, set := range s.topics {
		n += len(set)
	}
	return n
}

// publish fans an envelope out to events.all and events.<type>. Every
// subscriber is attached to exactly one topic, so this never
// double-delivers: each topic's subscriber set is disjoint from the
// other by construction in handleWS.
func (s *Server) publish(env envelope.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	topics := []string{topicAll}
	if specific := "events." + env.Type; specific != topicAll {
		topics = append(topics, specific)
	}
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	for _, topic := range topics {
		for sub := range s.topics[topic] {
			select {
			case sub.send <- b:
			default:
				// slow subscriber: drop the oldest unsent frame rather than
				// block publication to everyone else.
				select {
				case <-sub.send:
				default:
				}
				select {
				case sub.send <- b:
				default:
				}
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
