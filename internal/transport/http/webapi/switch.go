package webapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/switchsvc"
)

type switchRequest struct {
	Account string `json:"account" binding:"required"`
	Owner   string `json:"owner"`
}

func ownerFromRequest(raw string) switchsvc.Owner {
	if raw == string(switchsvc.OwnerCloud) {
		return switchsvc.OwnerCloud
	}
	return switchsvc.OwnerLocal
}

func (s *Service) handleSwitch(c *gin.Context) {
	if s.orch == nil {
		s.respondError(c, http.StatusServiceUnavailable, "switch service not configured")
		return
	}
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	id, err := s.resolveAccountRef(ctx, req.Account)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.orch.Switch(ctx, id, ownerFromRequest(req.Owner)); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"account_id": id}, "switch completed")
}

type autoSwitchRequest struct {
	ModelFilter string `json:"model_filter"`
	Owner       string `json:"owner"`
}

// handleSwitchAuto picks the healthy account with the most remaining quota
// and switches to it.
func (s *Service) handleSwitchAuto(c *gin.Context) {
	if s.orch == nil {
		s.respondError(c, http.StatusServiceUnavailable, "switch service not configured")
		return
	}
	var req autoSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	records, _, err := s.store.List(ctx)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	best := pickBestAccount(records, req.ModelFilter)
	if best == nil {
		s.respondError(c, http.StatusConflict, "no candidate account with known quota")
		return
	}
	if err := s.orch.Switch(ctx, best.ID, ownerFromRequest(req.Owner)); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{
		"account_id": best.ID,
		"email":      best.Email,
	}, "switched to best available account")
}

// pickBestAccount prefers the highest minimum quota; the already-active
// account is skipped so auto-select always rotates.
func pickBestAccount(records []*account.Record, filter string) *account.Record {
	var best *account.Record
	bestMin := -1
	for _, rec := range records {
		if rec.IsActive || rec.Token == nil || rec.Status == "invalid" {
			continue
		}
		min, ok := 0, false
		if rec.Quota != nil {
			min, ok = rec.Quota.MinPercentage(filter)
		}
		if !ok {
			continue
		}
		if min > bestMin {
			best, bestMin = rec, min
		}
	}
	return best
}

func (s *Service) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status := gin.H{}

	if active, err := s.store.Active(ctx); err == nil && active != nil {
		status["active_account"] = s.accountView(active)
	}
	if s.orch != nil {
		status["guard"] = s.orch.Guard().Snapshot()
		status["metrics"] = s.orch.Metrics().Snapshot()
	}
	if s.identity != nil {
		status["hardening"] = s.identity.Hardening().Snapshot()
		canApply, why := s.identity.CanApply()
		status["profile_apply"] = gin.H{"enabled": canApply, "detail": why}
	}
	if s.procs != nil {
		if pids, err := s.procs.Running(ctx); err == nil {
			status["running_pids"] = pids
		}
	}
	if s.injector != nil {
		if format, err := s.injector.Resolve(); err == nil {
			status["inject_format"] = format
		}
	}

	s.respondSuccess(c, http.StatusOK, status, "")
}

func (s *Service) handleHistory(c *gin.Context) {
	if s.audit == nil {
		s.respondError(c, http.StatusServiceUnavailable, "audit history not configured")
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events, err := s.audit.FindRecent(c.Request.Context(), limit)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"events": events}, "")
}
