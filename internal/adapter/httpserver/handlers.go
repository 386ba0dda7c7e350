package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-feed-triage/internal/domain"
	"github.com/fairyhunter13/ai-feed-triage/internal/queue"
)

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type subscriptionRequest struct {
	Handle string   `json:"handle" validate:"required,min=1,max=64"`
	Tags   []string `json:"tags" validate:"max=20,dive,min=1,max=64"`
	Active *bool    `json:"active"`
}

func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	status := domain.SubscriptionActive
	if req.Active != nil && !*req.Active {
		status = domain.SubscriptionInactive
	}
	sub, err := s.subscriptions.Upsert(r.Context(), domain.Subscription{
		Handle: strings.ToLower(strings.TrimPrefix(req.Handle, "@")),
		Status: status,
		Tags:   req.Tags,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscription upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type profileRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,max=128"`
	Enabled     bool   `json:"enabled"`
	Cron        string `json:"cron" validate:"required"`
	WindowHours int    `json:"windowHours" validate:"gt=0,lte=720"`
	Timezone    string `json:"timezone"`

	IncludeTags       []string `json:"includeTags"`
	ExcludeTags       []string `json:"excludeTags"`
	IncludeAuthorTags []string `json:"includeAuthorTags"`
	ExcludeAuthorTags []string `json:"excludeAuthorTags"`
	MinImportance     int      `json:"minImportance" validate:"gte=0,lte=5"`
	Verdicts          []string `json:"verdicts" validate:"dive,oneof=ignore watch actionable"`
	GroupBy           string   `json:"groupBy" validate:"oneof=cluster tag author"`

	AIFilterEnabled         bool   `json:"aiFilterEnabled"`
	AIFilterPrompt          string `json:"aiFilterPrompt"`
	AIFilterMaxKeepPerChunk int    `json:"aiFilterMaxKeepPerChunk" validate:"gte=0,lte=40"`
}

func (s *Server) handleUpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	verdicts := make([]domain.Verdict, 0, len(req.Verdicts))
	for _, v := range req.Verdicts {
		verdicts = append(verdicts, domain.Verdict(v))
	}
	profile, err := s.profiles.Upsert(r.Context(), domain.ReportProfile{
		ID:                      req.ID,
		Name:                    req.Name,
		Enabled:                 req.Enabled,
		Cron:                    req.Cron,
		WindowHours:             req.WindowHours,
		Timezone:                req.Timezone,
		IncludeTags:             req.IncludeTags,
		ExcludeTags:             req.ExcludeTags,
		IncludeAuthorTags:       req.IncludeAuthorTags,
		ExcludeAuthorTags:       req.ExcludeAuthorTags,
		MinImportance:           req.MinImportance,
		Verdicts:                verdicts,
		GroupBy:                 domain.GroupBy(req.GroupBy),
		AIFilterEnabled:         req.AIFilterEnabled,
		AIFilterPrompt:          req.AIFilterPrompt,
		AIFilterMaxKeepPerChunk: req.AIFilterMaxKeepPerChunk,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "profile upsert failed")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type notificationRequest struct {
	Enabled         bool   `json:"enabled"`
	WebhookURL      string `json:"webhookUrl" validate:"omitempty,url"`
	ItemsPerMessage int    `json:"itemsPerMessage" validate:"gte=0,lte=50"`
}

func (s *Server) handleSaveNotificationConfig(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err := s.notifyConfigs.Save(r.Context(), domain.NotificationConfig{
		Enabled:         req.Enabled,
		WebhookURL:      req.WebhookURL,
		ItemsPerMessage: req.ItemsPerMessage,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "notification config save failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type triggerReportRequest struct {
	ProfileID string     `json:"profileId" validate:"required"`
	Notify    bool       `json:"notify"`
	WindowEnd *time.Time `json:"windowEnd"`
}

// handleTriggerReport enqueues an on-demand report run for one profile.
func (s *Server) handleTriggerReport(w http.ResponseWriter, r *http.Request) {
	var req triggerReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := s.profiles.Get(r.Context(), req.ProfileID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "profile not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "profile lookup failed")
		return
	}
	windowEnd := s.now()
	if req.WindowEnd != nil {
		windowEnd = *req.WindowEnd
	}
	res, err := s.queue.Enqueue(r.Context(), domain.JobReportProfile, domain.ReportProfilePayload{
		ProfileID: req.ProfileID,
		Notify:    req.Notify,
		WindowEnd: windowEnd,
	}, queue.EnqueueOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "report enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": res.Job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        j.ID,
		"type":      j.Type,
		"status":    j.Status,
		"attempts":  j.Attempts,
		"lastError": j.LastError,
		"createdAt": j.CreatedAt,
		"updatedAt": j.UpdatedAt,
	})
}
