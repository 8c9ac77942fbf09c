package webapi

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/identity"
)

// profileRevision is one entry of an account's profile history.
type profileRevision struct {
	Profile    identity.Profile `json:"profile"`
	ReplacedAt time.Time        `json:"replaced_at"`
}

// handleProfilePreview generates a profile without persisting anything, so
// the operator can inspect it before binding.
func (s *Service) handleProfilePreview(c *gin.Context) {
	if s.identity == nil {
		s.respondError(c, http.StatusServiceUnavailable, "identity manager not configured")
		return
	}
	profile, err := s.identity.Generate()
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, profile, "")
}

// handleProfileCurrent reports what is on disk right now, plus the original
// baseline when one was captured.
func (s *Service) handleProfileCurrent(c *gin.Context) {
	if s.identity == nil {
		s.respondError(c, http.StatusServiceUnavailable, "identity manager not configured")
		return
	}
	current, err := s.identity.Capture()
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	data := gin.H{"current": current}
	if baseline := s.identity.Baseline(); baseline != nil {
		data["baseline"] = baseline
	}
	s.respondSuccess(c, http.StatusOK, data, "")
}

type bindProfileRequest struct {
	Profile *identity.Profile `json:"profile"`
}

// handleProfileBind binds a profile to an account. Without an explicit
// profile in the body a fresh one is generated. A previously bound profile
// moves into the history.
func (s *Service) handleProfileBind(c *gin.Context) {
	if s.identity == nil {
		s.respondError(c, http.StatusServiceUnavailable, "identity manager not configured")
		return
	}
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	var req bindProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	profile := req.Profile
	if profile == nil {
		profile, err = s.identity.Generate()
		if err != nil {
			s.respondDomainError(c, err)
			return
		}
	} else if err := identity.Validate(profile, s.identity.Template()); err != nil {
		s.respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.archiveBoundProfile(ctx, rec); err != nil {
		s.respondDomainError(c, err)
		return
	}
	raw, err := sonic.Marshal(profile)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, "marshal profile: "+err.Error())
		return
	}
	if err := s.store.SetProfile(ctx, rec.ID, raw); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, profile, "profile bound")
}

type restoreProfileRequest struct {
	Index *int `json:"index"`
}

// handleProfileRestore rebinds a profile from the history. Default is the
// most recent revision.
func (s *Service) handleProfileRestore(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}

	var req restoreProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	history, err := decodeHistory(rec.ProfileHistory)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if len(history) == 0 {
		s.respondError(c, http.StatusConflict, "account has no profile history")
		return
	}
	index := len(history) - 1
	if req.Index != nil {
		index = *req.Index
	}
	if index < 0 || index >= len(history) {
		s.respondError(c, http.StatusBadRequest, "history index out of range")
		return
	}

	restored := history[index].Profile
	history = append(history[:index], history[index+1:]...)

	// The currently bound profile, if any, takes the restored one's place
	// in the history.
	if len(rec.Profile) > 0 {
		var bound identity.Profile
		if err := sonic.Unmarshal(rec.Profile, &bound); err == nil {
			history = append(history, profileRevision{Profile: bound, ReplacedAt: time.Now()})
		}
	}

	if err := s.persistHistory(ctx, rec.ID, history); err != nil {
		s.respondDomainError(c, err)
		return
	}
	raw, err := sonic.Marshal(restored)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, "marshal profile: "+err.Error())
		return
	}
	if err := s.store.SetProfile(ctx, rec.ID, raw); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, restored, "profile restored")
}

// handleProfileDelete unbinds the profile, keeping it in the history.
func (s *Service) handleProfileDelete(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if len(rec.Profile) == 0 {
		s.respondError(c, http.StatusConflict, "account has no bound profile")
		return
	}

	if err := s.archiveBoundProfile(ctx, rec); err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.store.SetProfile(ctx, rec.ID, []byte("null")); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, nil, "profile unbound")
}

// archiveBoundProfile appends the currently bound profile to the history.
func (s *Service) archiveBoundProfile(ctx context.Context, rec *account.Record) error {
	if len(rec.Profile) == 0 {
		return nil
	}
	var bound identity.Profile
	if err := sonic.Unmarshal(rec.Profile, &bound); err != nil {
		// An unreadable bound profile is not worth keeping.
		return nil
	}
	if bound == (identity.Profile{}) {
		return nil
	}
	history, err := decodeHistory(rec.ProfileHistory)
	if err != nil {
		return err
	}
	history = append(history, profileRevision{Profile: bound, ReplacedAt: time.Now()})
	return s.persistHistory(ctx, rec.ID, history)
}

func (s *Service) persistHistory(ctx context.Context, id string, history []profileRevision) error {
	raw, err := sonic.Marshal(history)
	if err != nil {
		return err
	}
	return s.store.SetProfileHistory(ctx, id, raw)
}

func decodeHistory(raw []byte) ([]profileRevision, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var history []profileRevision
	if err := sonic.Unmarshal(raw, &history); err != nil {
		return nil, err
	}
	return history, nil
}
