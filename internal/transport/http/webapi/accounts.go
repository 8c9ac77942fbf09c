package webapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/eventbus"
	"antigravity-manager/internal/domain/googleapi"
)

type addAccountRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiryMillis int64  `json:"expiry_timestamp"`
	IDToken      string `json:"id_token"`
	MakeActive   bool   `json:"make_active"`
}

func (s *Service) handleAccountsList(c *gin.Context) {
	records, stats, err := s.store.List(c.Request.Context())
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	// The list view never carries raw tokens over the wire.
	views := make([]gin.H, 0, len(records))
	for _, rec := range records {
		views = append(views, s.accountView(rec))
	}
	s.respondSuccess(c, http.StatusOK, gin.H{
		"accounts":  views,
		"migration": stats,
	}, "")
}

func (s *Service) accountView(rec *account.Record) gin.H {
	view := gin.H{
		"id":          rec.ID,
		"provider":    rec.Provider,
		"email":       rec.Email,
		"name":        rec.Name,
		"status":      rec.Status,
		"is_active":   rec.IsActive,
		"last_used":   rec.LastUsed,
		"created_at":  rec.CreatedAt,
		"has_token":   rec.Token != nil,
		"has_profile": len(rec.Profile) > 0,
	}
	if rec.Quota != nil {
		view["quota"] = rec.Quota
		if min, ok := rec.Quota.MinPercentage(""); ok {
			view["min_quota"] = min
		}
	}
	return view
}

func (s *Service) handleAccountAdd(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// An id_token is the preferred identity source; explicit fields win
	// only when the token carries no claim.
	if req.IDToken != "" {
		if info, err := googleapi.ParseUserInfo(req.IDToken); err == nil {
			if req.Email == "" {
				req.Email = info.Email
			}
			if req.Name == "" {
				req.Name = info.Name
			}
		}
	}
	if req.Email == "" {
		s.respondError(c, http.StatusBadRequest, "email is required (directly or via id_token)")
		return
	}

	rec := &account.Record{
		Email: req.Email,
		Name:  req.Name,
		Token: &account.Token{
			AccessToken:     req.AccessToken,
			RefreshToken:    req.RefreshToken,
			ExpiryTimestamp: req.ExpiryMillis,
			IDToken:         req.IDToken,
		},
	}
	added, err := s.store.Add(c.Request.Context(), rec, req.MakeActive)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	eventbus.PublishAsync(eventbus.EventAccountAdded, eventbus.AccountEventData{
		AccountID: added.ID, Email: added.Email, Action: "added",
	})
	s.respondSuccess(c, http.StatusCreated, s.accountView(added), "account added")
}

// handleAccountSync imports the account the IDE is currently signed in
// with. The IDE keeps its token in a format the manager cannot reuse, so
// the imported account starts without one and must be refreshed before it
// can be switched to.
func (s *Service) handleAccountSync(c *gin.Context) {
	if s.injector == nil {
		s.respondError(c, http.StatusServiceUnavailable, "state database not configured")
		return
	}
	status, err := s.injector.CurrentAuthStatus()
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if status == nil {
		s.respondError(c, http.StatusNotFound, "no signed-in account found in the IDE")
		return
	}

	ctx := c.Request.Context()
	if existing, err := s.store.GetByEmail(ctx, status.Email); err == nil {
		s.respondSuccess(c, http.StatusOK, gin.H{
			"account":  s.accountView(existing),
			"imported": false,
		}, "account already known")
		return
	}

	added, err := s.store.Add(ctx, &account.Record{
		Email:  status.Email,
		Name:   status.Name,
		Status: "pending",
	}, false)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	eventbus.PublishAsync(eventbus.EventAccountAdded, eventbus.AccountEventData{
		AccountID: added.ID, Email: added.Email, Action: "imported",
	})
	s.respondSuccess(c, http.StatusCreated, gin.H{
		"account":  s.accountView(added),
		"imported": true,
	}, "account imported from the IDE")
}

func (s *Service) handleAccountGet(c *gin.Context) {
	rec, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, s.accountView(rec), "")
}

func (s *Service) handleAccountDelete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.store.Remove(ctx, id); err != nil {
		s.respondDomainError(c, err)
		return
	}
	if s.aliases != nil {
		if err := s.aliases.DropAccount(id); err != nil {
			s.logger.WarnTag("api", "dropping aliases for %s: %v", id, err)
		}
	}
	if s.google != nil {
		s.google.InvalidateQuota(id)
	}

	eventbus.PublishAsync(eventbus.EventAccountRemoved, eventbus.AccountEventData{
		AccountID: id, Email: rec.Email, Action: "removed",
	})
	s.respondSuccess(c, http.StatusOK, nil, "account removed")
}

// handleAccountRefresh refreshes the access token and the live quota, and
// persists both.
func (s *Service) handleAccountRefresh(c *gin.Context) {
	if s.google == nil {
		s.respondError(c, http.StatusServiceUnavailable, "google client not configured")
		return
	}
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if rec.Token == nil {
		s.respondError(c, http.StatusConflict, "account has no stored token")
		return
	}

	token, err := s.google.RefreshAccessToken(ctx, rec.Token.RefreshToken)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.store.UpdateToken(ctx, rec.ID, token); err != nil {
		s.respondDomainError(c, err)
		return
	}

	quota, err := s.google.FetchQuota(ctx, token.AccessToken)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.store.UpdateQuota(ctx, rec.ID, quota); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.google.InvalidateQuota(rec.ID)

	eventbus.PublishAsync(eventbus.EventAccountRefreshed, eventbus.AccountEventData{
		AccountID: rec.ID, Email: rec.Email, Action: "refreshed",
	})
	s.respondSuccess(c, http.StatusOK, gin.H{"quota": quota}, "token and quota refreshed")
}

func (s *Service) handleAccountQuota(c *gin.Context) {
	if s.google == nil {
		s.respondError(c, http.StatusServiceUnavailable, "google client not configured")
		return
	}
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if rec.Token == nil {
		s.respondError(c, http.StatusConflict, "account has no stored token")
		return
	}

	quota, err := s.google.QuotaCached(ctx, rec.ID, rec.Token.AccessToken)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"quota": quota}, "")
}

// handleAccountValidate checks whether the refresh token still works and
// records the outcome on the account.
func (s *Service) handleAccountValidate(c *gin.Context) {
	if s.google == nil {
		s.respondError(c, http.StatusServiceUnavailable, "google client not configured")
		return
	}
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if rec.Token == nil {
		s.respondError(c, http.StatusConflict, "account has no stored token")
		return
	}

	status := "ok"
	var validateErr string
	token, err := s.google.RefreshAccessToken(ctx, rec.Token.RefreshToken)
	if err != nil {
		status = "invalid"
		validateErr = err.Error()
	} else if err := s.store.UpdateToken(ctx, rec.ID, token); err != nil {
		s.logger.WarnTag("api", "persisting validated token: %v", err)
	}
	if err := s.store.SetStatus(ctx, rec.ID, status); err != nil {
		s.respondDomainError(c, err)
		return
	}

	s.respondSuccess(c, http.StatusOK, gin.H{
		"status":       status,
		"checked_at":   time.Now(),
		"error_detail": validateErr,
	}, "")
}
