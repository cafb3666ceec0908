package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/primestrides/outreach/internal/accounts"
	"github.com/primestrides/outreach/internal/dispatch"
	"github.com/primestrides/outreach/internal/pkg/httputil"
	"github.com/primestrides/outreach/internal/pkg/logger"
	"github.com/primestrides/outreach/internal/reputation"
	"github.com/primestrides/outreach/internal/schedule"
)

// Handlers wires HTTP endpoints to the queue and the account pool.
type Handlers struct {
	queue    *dispatch.Queue
	registry *accounts.Registry
	store    *reputation.Store
	calendar *schedule.Calendar
}

// NewHandlers creates the handler set.
func NewHandlers(queue *dispatch.Queue, registry *accounts.Registry,
	store *reputation.Store, calendar *schedule.Calendar) *Handlers {
	return &Handlers{
		queue:    queue,
		registry: registry,
		store:    store,
		calendar: calendar,
	}
}

// HealthCheck reports liveness plus whether the sending window is open.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	open, reason := h.calendar.SendingAllowed(now)
	httputil.OK(w, map[string]interface{}{
		"status":       "ok",
		"window_open":  open,
		"window_note":  reason,
		"accounts":     h.registry.Count(),
		"server_time":  now.Format(time.RFC3339),
	})
}

type enqueuePayload struct {
	Kind          string `json:"kind"`
	Recipient     string `json:"recipient"`
	Subject       string `json:"subject"`
	HTMLBody      string `json:"html_body"`
	TextBody      string `json:"text_body"`
	ThreadAccount string `json:"thread_account,omitempty"`
	InReplyTo     string `json:"in_reply_to,omitempty"`
	ThreadRefs    string `json:"thread_refs,omitempty"`
	CampaignID    string `json:"campaign_id,omitempty"`
	NotBefore     string `json:"not_before,omitempty"`
	Deadline      string `json:"deadline,omitempty"`
}

// EnqueueRequest accepts a send request into the dispatch queue. Intake
// always succeeds for a valid request; pacing happens at send time.
func (h *Handlers) EnqueueRequest(w http.ResponseWriter, r *http.Request) {
	var p enqueuePayload
	if !httputil.Decode(w, r, &p) {
		return
	}

	req := &dispatch.SendRequest{
		Kind:          dispatch.Kind(p.Kind),
		Recipient:     p.Recipient,
		Subject:       p.Subject,
		HTMLBody:      p.HTMLBody,
		TextBody:      p.TextBody,
		ThreadAccount: p.ThreadAccount,
		InReplyTo:     p.InReplyTo,
		ThreadRefs:    p.ThreadRefs,
		CampaignID:    p.CampaignID,
	}
	if p.Kind == "" {
		req.Kind = dispatch.KindInitial
	}
	for _, f := range []struct {
		raw string
		dst *time.Time
	}{{p.NotBefore, &req.NotBefore}, {p.Deadline, &req.Deadline}} {
		if f.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, f.raw)
		if err != nil {
			httputil.BadRequest(w, "timestamps must be RFC3339")
			return
		}
		*f.dst = t
	}
	if req.Kind == dispatch.KindFollowupThread {
		if _, ok := h.registry.Get(req.ThreadAccount); !ok {
			httputil.BadRequest(w, "thread_account is not a configured account")
			return
		}
	}

	id, err := h.queue.Enqueue(r.Context(), req)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	logger.Info("request enqueued", "id", id, "kind", string(req.Kind), "recipient", req.Recipient)
	httputil.Created(w, map[string]string{"id": id})
}

// GetRequest returns one queued request by id.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, dispatch.ErrNotFound) {
			httputil.NotFound(w, "request not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, req)
}

// GetQueueDepth returns how many requests are due right now. A cheap
// poll target for producers deciding whether to enqueue more.
func (h *Handlers) GetQueueDepth(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.PendingDepth(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int{"depth": depth})
}

// GetQueueStats returns queue depth counters.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

type accountView struct {
	Email           string  `json:"email"`
	SenderName      string  `json:"sender_name"`
	SendsToday      int     `json:"sends_today"`
	CapRemaining    int     `json:"cap_remaining"`
	EffectiveCap    int     `json:"effective_cap"`
	Blocked         bool    `json:"blocked"`
	BlockReason     string  `json:"block_reason,omitempty"`
	CooldownUntil   string  `json:"cooldown_until,omitempty"`
	BounceRate      float64 `json:"bounce_rate"`
	Claimed         bool    `json:"claimed"`
}

// ListAccounts returns every account with its live sending state.
func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	day := h.calendar.DayKey(now)
	loc := h.calendar.Location()

	active := 0
	blockedSet := make(map[string]bool)
	for _, a := range h.registry.All() {
		blocked, _, err := h.store.IsBlocked(ctx, a.Email)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		blockedSet[a.Email] = blocked
		if !blocked {
			active++
		}
	}

	var out []accountView
	for _, a := range h.registry.All() {
		unblockedAt, err := h.store.LastUnblockedAt(ctx, a.Email)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		baseCap := h.registry.EffectiveCap(a, now, active, unblockedAt)
		cap, err := h.store.EffectiveCap(ctx, a.Email, baseCap, now, loc)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		st, err := h.store.GetState(ctx, a.Email, day, cap, now, loc)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}

		v := accountView{
			Email:        a.Email,
			SenderName:   a.SenderName,
			SendsToday:   st.SendsToday,
			CapRemaining: st.CapRemaining,
			EffectiveCap: cap,
			Blocked:      st.Blocked,
			BlockReason:  st.BlockReason,
			BounceRate:   st.BounceRate,
			Claimed:      st.Claimed,
		}
		if st.CooldownUntil.After(now) {
			v.CooldownUntil = st.CooldownUntil.Format(time.RFC3339)
		}
		out = append(out, v)
	}
	httputil.OK(w, map[string]interface{}{"accounts": out, "active": active})
}

type blockPayload struct {
	Reason string `json:"reason"`
}

// BlockAccount marks an account blocked so the allocator skips it.
func (h *Handlers) BlockAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if _, ok := h.registry.Get(email); !ok {
		httputil.NotFound(w, "unknown account")
		return
	}
	var p blockPayload
	if r.ContentLength > 0 && !httputil.Decode(w, r, &p) {
		return
	}
	if p.Reason == "" {
		p.Reason = "blocked by operator"
	}
	if err := h.store.Block(r.Context(), email, p.Reason); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "blocked"})
}

// UnblockAccount lifts a block. The account resumes on the warm-down ramp
// rather than at full volume.
func (h *Handlers) UnblockAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if _, ok := h.registry.Get(email); !ok {
		httputil.NotFound(w, "unknown account")
		return
	}
	if err := h.store.Unblock(r.Context(), email, time.Now()); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "unblocked"})
}

// GetDailySummary aggregates today's pool state with queue counters.
func (h *Handlers) GetDailySummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now()
	day := h.calendar.DayKey(now)

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	totalSent, blocked := 0, 0
	for _, a := range h.registry.All() {
		n, err := h.store.SendsToday(ctx, a.Email, day)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		totalSent += n
		isBlocked, _, err := h.store.IsBlocked(ctx, a.Email)
		if err != nil {
			httputil.InternalError(w, err)
			return
		}
		if isBlocked {
			blocked++
		}
	}

	open, _ := h.calendar.SendingAllowed(now)
	httputil.OK(w, map[string]interface{}{
		"day":              day,
		"window_open":      open,
		"accounts":         h.registry.Count(),
		"accounts_blocked": blocked,
		"sent_today":       totalSent,
		"queue":            stats,
	})
}
