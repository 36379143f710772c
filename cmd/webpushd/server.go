package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/imjasonh/webpush-notificator"
	"github.com/imjasonh/webpush-notificator/storage"
	"github.com/imjasonh/webpush-notificator/vapid"
)

// maxBodyBytes bounds request bodies; a notification payload is at most a
// few kilobytes.
const maxBodyBytes = 64 << 10

type server struct {
	client      *webpush.Client
	store       storage.Storage
	publicKey   string
	apiKey      string
	concurrency int
	now         func() time.Time
}

func newServer(client *webpush.Client, store storage.Storage, apiKey string, concurrency int) *server {
	return &server{
		client:      client,
		store:       store,
		publicKey:   vapid.ApplicationServerKey(client.PublicKey()),
		apiKey:      apiKey,
		concurrency: concurrency,
		now:         time.Now,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vapid-public-key", s.handleVAPIDPublicKey)
	mux.Handle("POST /api/subscribe", s.auth(s.handleSubscribe))
	mux.Handle("POST /api/unsubscribe", s.auth(s.handleUnsubscribe))
	mux.Handle("POST /notify", s.auth(s.handleNotify))
	mux.Handle("POST /api/broadcast", s.auth(s.handleBroadcast))
	return mux
}

// auth rejects requests without the configured api_key header.
func (s *server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("api_key")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing api_key")
			return
		}
		next(w, r)
	})
}

// Notification mirrors the fields of the browser Notification API that the
// service worker passes to showNotification.
type Notification struct {
	Title              string          `json:"title"`
	Body               string          `json:"body,omitempty"`
	Badge              string          `json:"badge,omitempty"`
	Data               json.RawMessage `json:"data,omitempty"`
	Icon               string          `json:"icon,omitempty"`
	Image              string          `json:"image,omitempty"`
	Lang               string          `json:"lang,omitempty"`
	Renotify           bool            `json:"renotify,omitempty"`
	RequireInteraction bool            `json:"requireInteraction,omitempty"`
	Silent             bool            `json:"silent,omitempty"`
	Tag                string          `json:"tag,omitempty"`
	// Timestamp is in Unix milliseconds.
	Timestamp int64 `json:"timestamp,omitempty"`
	Vibrate   []int `json:"vibrate,omitempty"`
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Notification Notification `json:"notification"`
}

type sendOptions struct {
	// TTL is in seconds. Absent means the default; 0 delivers only to a
	// connected browser.
	TTL     *int   `json:"ttl,omitempty"`
	Urgency string `json:"urgency,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

func (o *sendOptions) options() *webpush.Options {
	if o == nil {
		return nil
	}
	opts := &webpush.Options{Urgency: webpush.Urgency(o.Urgency), Topic: o.Topic}
	switch {
	case o.TTL == nil:
	case *o.TTL == 0:
		opts.TTL = webpush.TTLImmediate
	default:
		opts.TTL = *o.TTL
	}
	return opts
}

type notifyRequest struct {
	Subscription *webpush.Subscription `json:"subscription"`
	Payload      Payload               `json:"payload"`
	Options      *sendOptions          `json:"options,omitempty"`
}

type subscribeRequest struct {
	webpush.Subscription
	UserID string `json:"user_id,omitempty"`
}

type broadcastRequest struct {
	Payload Payload      `json:"payload"`
	Options *sendOptions `json:"options,omitempty"`
}

type outcomeResponse struct {
	Status     string `json:"status"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts"`
	Reason     string `json:"reason,omitempty"`
}

type broadcastResponse struct {
	Total   int            `json:"total"`
	Results map[string]int `json:"results"`
	Removed int            `json:"removed"`
}

func (s *server) handleVAPIDPublicKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.publicKey})
}

func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req subscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Subscription.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	record, err := s.store.GetByEndpoint(ctx, req.Endpoint)
	switch {
	case err == nil:
		if record.VAPIDKey == s.publicKey && record.Subscription.Keys == req.Keys && record.UserID == req.UserID {
			writeJSON(w, http.StatusOK, map[string]string{"id": record.ID, "message": "Already subscribed"})
			return
		}
		// The browser resubscribed with new keys or a new server key.
		record.Subscription = &req.Subscription
		record.UserID = req.UserID
		record.VAPIDKey = s.publicKey
	case errors.Is(err, storage.ErrNotFound):
		record = &storage.Record{
			UserID:       req.UserID,
			VAPIDKey:     s.publicKey,
			Subscription: &req.Subscription,
		}
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.store.Save(ctx, record); err != nil {
		writeError(w, http.StatusInternalServerError, "saving subscription: "+err.Error())
		return
	}
	clog.FromContext(ctx).Infof("new subscription: %s", record.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": record.ID, "message": "Subscribed successfully"})
}

func (s *server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if !decode(w, r, &req) {
		return
	}

	if err := s.store.DeleteByEndpoint(r.Context(), req.Endpoint); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	clog.FromContext(r.Context()).Infof("unsubscribed: %s", req.Endpoint)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Unsubscribed successfully"})
}

func (s *server) handleNotify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req notifyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Subscription == nil {
		writeError(w, http.StatusBadRequest, "subscription is required")
		return
	}
	payload, err := s.encodePayload(&req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := s.client.Send(ctx, req.Subscription, payload, req.Options.options())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if out.Gone() {
		s.forget(r, req.Subscription.Endpoint)
	}

	code := http.StatusBadGateway
	switch out.Kind {
	case webpush.OutcomeDelivered:
		code = http.StatusOK
	case webpush.OutcomeSubscriptionGone:
		code = out.StatusCode
	case webpush.OutcomeRateLimited:
		code = http.StatusTooManyRequests
		if out.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(out.RetryAfter.Round(time.Second)/time.Second)))
		}
	}
	writeJSON(w, code, newOutcomeResponse(out))
}

// handleBroadcast sends the payload to every subscription made with the
// current server key, pruning those the push service reports gone.
func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	var req broadcastRequest
	if !decode(w, r, &req) {
		return
	}
	payload, err := s.encodePayload(&req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	opts := req.Options.options()

	records, err := s.store.GetByVAPIDKey(ctx, s.publicKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var (
		mu   sync.Mutex
		resp = broadcastResponse{Total: len(records), Results: map[string]int{}}
	)
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, record := range records {
		g.Go(func() error {
			out, err := s.client.Send(ctx, record.Subscription, payload, opts)
			status := "invalid"
			if err != nil {
				log.Warnf("not sending to %s: %v", record.ID, err)
			} else {
				status = out.Kind.String()
			}

			removed := false
			if out.Gone() {
				if err := s.store.DeleteByEndpoint(ctx, record.Subscription.Endpoint); err != nil && !errors.Is(err, storage.ErrNotFound) {
					log.Warnf("deleting expired subscription %s: %v", record.ID, err)
				} else {
					removed = true
				}
			}

			mu.Lock()
			defer mu.Unlock()
			resp.Results[status]++
			if removed {
				resp.Removed++
			}
			return nil
		})
	}
	g.Wait()

	log.Infof("broadcast to %d subscriptions: %v, %d removed", resp.Total, resp.Results, resp.Removed)
	writeJSON(w, http.StatusOK, resp)
}

// encodePayload fills in defaults and marshals the notification.
func (s *server) encodePayload(p *Payload) ([]byte, error) {
	if p.Notification.Title == "" {
		return nil, errors.New("payload.notification.title is required")
	}
	if p.Notification.Timestamp == 0 {
		p.Notification.Timestamp = s.now().UnixMilli()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// forget removes a subscription the push service reported gone.
func (s *server) forget(r *http.Request, endpoint string) {
	if err := s.store.DeleteByEndpoint(r.Context(), endpoint); err != nil && !errors.Is(err, storage.ErrNotFound) {
		clog.FromContext(r.Context()).Warnf("deleting expired subscription: %v", err)
	}
}

func newOutcomeResponse(out *webpush.Outcome) outcomeResponse {
	return outcomeResponse{
		Status:     out.Kind.String(),
		StatusCode: out.StatusCode,
		Attempts:   out.Attempts,
		Reason:     out.Reason,
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
