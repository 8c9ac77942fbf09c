package webapi

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"antigravity-manager/internal/domain/account"
)

func (s *Service) handleAliasList(c *gin.Context) {
	if s.aliases == nil {
		s.respondError(c, http.StatusServiceUnavailable, "alias store not configured")
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"aliases": s.aliases.List()}, "")
}

type aliasSetRequest struct {
	Account string `json:"account" binding:"required"`
}

func (s *Service) handleAliasSet(c *gin.Context) {
	if s.aliases == nil {
		s.respondError(c, http.StatusServiceUnavailable, "alias store not configured")
		return
	}
	var req aliasSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := s.resolveAccountRef(c.Request.Context(), req.Account)
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	if err := s.aliases.Set(c.Param("alias"), id); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"account_id": id}, "alias set")
}

func (s *Service) handleAliasDelete(c *gin.Context) {
	if s.aliases == nil {
		s.respondError(c, http.StatusServiceUnavailable, "alias store not configured")
		return
	}
	if err := s.aliases.Remove(c.Param("alias")); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, nil, "alias removed")
}

func (s *Service) handleSettingGet(c *gin.Context) {
	value, err := s.store.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"key": c.Param("key"), "value": value}, "")
}

type settingSetRequest struct {
	Value string `json:"value"`
}

func (s *Service) handleSettingSet(c *gin.Context) {
	var req settingSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.store.SetSetting(c.Request.Context(), c.Param("key"), req.Value); err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, nil, "setting saved")
}

// exportPayload is the portable account bundle. Tokens travel in the
// clear; the operator owns both ends of the transfer.
type exportPayload struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Accounts   []*account.Record `json:"accounts"`
}

func (s *Service) handleExport(c *gin.Context) {
	records, _, err := s.store.List(c.Request.Context())
	if err != nil {
		s.respondDomainError(c, err)
		return
	}
	s.respondSuccess(c, http.StatusOK, exportPayload{
		Version:    1,
		ExportedAt: time.Now(),
		Accounts:   records,
	}, "")
}

func (s *Service) handleImport(c *gin.Context) {
	var payload exportPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		s.respondError(c, http.StatusBadRequest, "invalid import payload: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	imported, skipped := 0, 0
	for _, rec := range payload.Accounts {
		if rec == nil || rec.Email == "" {
			skipped++
			continue
		}
		if existing, err := s.store.GetByEmail(ctx, rec.Email); err == nil && existing != nil {
			skipped++
			continue
		}
		// Imports always get a fresh id; the source manager keeps its own.
		rec.ID = ""
		rec.IsActive = false
		if _, err := s.store.Add(ctx, rec, false); err != nil {
			s.logger.WarnTag("api", "import %s failed: %v", rec.Email, err)
			skipped++
			continue
		}
		imported++
	}

	s.respondSuccess(c, http.StatusOK, gin.H{
		"imported": imported,
		"skipped":  skipped,
	}, "import finished")
}

type doctorCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// handleDoctor runs the environment checks the switch path depends on.
func (s *Service) handleDoctor(c *gin.Context) {
	checks := []doctorCheck{}
	add := func(name string, ok bool, detail string) {
		checks = append(checks, doctorCheck{Name: name, OK: ok, Detail: detail})
	}

	fileCheck := func(name, path string) {
		if path == "" {
			add(name, false, "not configured")
			return
		}
		if _, err := os.Stat(path); err != nil {
			add(name, false, path+": "+err.Error())
			return
		}
		add(name, true, path)
	}

	fileCheck("ide_executable", s.cfg.App.Executable)
	fileCheck("storage_file", s.cfg.App.StorageFile)
	fileCheck("state_db", s.cfg.App.StateDB)
	fileCheck("master_key", s.cfg.KeyPath())

	if s.injector != nil {
		if format, err := s.injector.Resolve(); err != nil {
			add("inject_format", false, err.Error())
		} else {
			add("inject_format", true, string(format))
		}
	}
	if s.identity != nil {
		if marker, err := s.identity.SnapshotMarker(); err != nil {
			add("last_known_good", false, err.Error())
		} else if marker == nil {
			add("last_known_good", false, "no snapshot yet")
		} else {
			add("last_known_good", true, time.UnixMilli(marker.SavedAt).Format(time.RFC3339))
		}
	}
	if s.procs != nil {
		if pids, err := s.procs.Running(c.Request.Context()); err != nil {
			add("process_scan", false, err.Error())
		} else {
			detail := "idle"
			if len(pids) > 0 {
				detail = "running"
			}
			add("process_scan", true, detail)
		}
	}

	healthy := true
	for _, check := range checks {
		if !check.OK {
			healthy = false
			break
		}
	}
	s.respondSuccess(c, http.StatusOK, gin.H{"healthy": healthy, "checks": checks}, "")
}
