// Package webhook receives hosting-platform webhooks, verifies them and
// hands each accepted event to the pipeline on its own goroutine.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"codehook/pkg/pipeline"
)

const (
	// maxBodySize bounds a webhook payload.
	maxBodySize = 25 * 1024 * 1024

	// dedupWindow is how long a delivery id is remembered.
	dedupWindow = time.Hour
)

// Dispatcher processes one event. *pipeline.Pipeline satisfies it.
type Dispatcher interface {
	Handle(ctx context.Context, ev pipeline.Event) pipeline.Outcome
}

// Handler serves the webhook endpoint. Accepted events run
// asynchronously; Wait blocks until they finish.
type Handler struct {
	secret   []byte
	dispatch Dispatcher
	log      *slog.Logger
	ctx      context.Context
	now      func() time.Time

	mu         sync.Mutex
	deliveries map[string]time.Time

	wg sync.WaitGroup
}

// NewHandler returns a Handler. Runs it starts inherit ctx, so
// cancelling it stops in-flight workers.
func NewHandler(ctx context.Context, secret []byte, dispatch Dispatcher, log *slog.Logger) (*Handler, error) {
	if len(secret) == 0 {
		return nil, errors.New("webhook: secret is required")
	}
	if dispatch == nil {
		return nil, errors.New("webhook: dispatcher is required")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Handler{
		secret:     secret,
		dispatch:   dispatch,
		log:        log,
		ctx:        ctx,
		now:        time.Now,
		deliveries: make(map[string]time.Time),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.log.Error("read webhook body failed", "error", err)
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	if err := VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)); err != nil {
		h.log.Warn("rejected webhook", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	kind := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	log := h.log.With("event", kind, "delivery", delivery)
	if kind == "" {
		http.Error(w, "missing X-GitHub-Event", http.StatusBadRequest)
		return
	}
	if delivery != "" && h.seen(delivery) {
		log.Debug("duplicate delivery ignored")
		w.WriteHeader(http.StatusOK)
		return
	}

	ev, err := Translate(kind, body)
	if err != nil {
		// A redelivery would fail the same way.
		log.Error("translate webhook failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if ev == nil {
		log.Debug("event ignored")
		w.WriteHeader(http.StatusOK)
		return
	}
	ev.DeliveryID = delivery

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out := h.dispatch.Handle(h.ctx, *ev)
		if out.Err != nil {
			log.Info("event finished with error", "stage", out.Stage, "run", out.RunID, "error", out.Err)
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

// Wait blocks until every dispatched event has been handled.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// seen records delivery and reports whether it arrived within the
// dedup window. Expired entries are pruned on each call.
func (h *Handler) seen(delivery string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for id, at := range h.deliveries {
		if now.Sub(at) > dedupWindow {
			delete(h.deliveries, id)
		}
	}
	if _, ok := h.deliveries[delivery]; ok {
		return true
	}
	h.deliveries[delivery] = now
	return false
}
