package webapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/eventbus/repository"
	"antigravity-manager/internal/domain/googleapi"
	"antigravity-manager/internal/domain/identity"
	"antigravity-manager/internal/domain/inject"
	"antigravity-manager/internal/domain/procctl"
	"antigravity-manager/internal/domain/switchsvc"
	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
	httptransport "antigravity-manager/internal/transport/http"
)

// Service is the HTTP surface of the manager: accounts, switching, device
// profiles, aliases and diagnostics.
type Service struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    *account.Store
	aliases  *account.AliasStore
	orch     *switchsvc.Orchestrator
	identity *identity.Manager
	injector *inject.Injector
	google   *googleapi.Client
	procs    *procctl.Controller
	audit    repository.AuditRepository
}

type Deps struct {
	Config   *config.Config
	Logger   *logging.Logger
	Store    *account.Store
	Aliases  *account.AliasStore
	Orch     *switchsvc.Orchestrator
	Identity *identity.Manager
	Injector *inject.Injector
	Google   *googleapi.Client
	Procs    *procctl.Controller
	Audit    repository.AuditRepository
}

func NewService(deps Deps) (*Service, error) {
	if deps.Config == nil {
		return nil, errors.New(errors.KindConfig, "webapi.new", "config is required")
	}
	if deps.Store == nil {
		return nil, errors.New(errors.KindConfig, "webapi.new", "account store is required")
	}
	return &Service{
		cfg:      deps.Config,
		logger:   deps.Logger,
		store:    deps.Store,
		aliases:  deps.Aliases,
		orch:     deps.Orch,
		identity: deps.Identity,
		injector: deps.Injector,
		google:   deps.Google,
		procs:    deps.Procs,
		audit:    deps.Audit,
	}, nil
}

// Register wires every route under the /api group.
func (s *Service) Register(_ context.Context, router *gin.RouterGroup) error {
	router.GET("/accounts", s.handleAccountsList)
	router.POST("/accounts", s.handleAccountAdd)
	router.POST("/accounts/sync", s.handleAccountSync)
	router.GET("/accounts/:id", s.handleAccountGet)
	router.DELETE("/accounts/:id", s.handleAccountDelete)
	router.POST("/accounts/:id/refresh", s.handleAccountRefresh)
	router.GET("/accounts/:id/quota", s.handleAccountQuota)
	router.POST("/accounts/:id/validate", s.handleAccountValidate)

	router.POST("/switch", s.handleSwitch)
	router.POST("/switch/auto", s.handleSwitchAuto)
	router.GET("/status", s.handleStatus)
	router.GET("/history", s.handleHistory)

	router.GET("/profile/preview", s.handleProfilePreview)
	router.GET("/profile/current", s.handleProfileCurrent)
	router.POST("/accounts/:id/profile/bind", s.handleProfileBind)
	router.POST("/accounts/:id/profile/restore", s.handleProfileRestore)
	router.DELETE("/accounts/:id/profile", s.handleProfileDelete)

	router.GET("/aliases", s.handleAliasList)
	router.PUT("/aliases/:alias", s.handleAliasSet)
	router.DELETE("/aliases/:alias", s.handleAliasDelete)

	router.GET("/settings/:key", s.handleSettingGet)
	router.PUT("/settings/:key", s.handleSettingSet)

	router.GET("/export", s.handleExport)
	router.POST("/import", s.handleImport)
	router.GET("/doctor", s.handleDoctor)

	s.logger.InfoTag("api", "web api routes registered")
	return nil
}

func (s *Service) respondSuccess(c *gin.Context, status int, data interface{}, message string) {
	httptransport.RespondSuccess(c, status, data, message)
}

func (s *Service) respondError(c *gin.Context, status int, message string) {
	httptransport.RespondError(c, status, message, nil)
}

// respondDomainError maps a typed error onto an HTTP status and keeps the
// classified reason visible to the caller.
func (s *Service) respondDomainError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.IsKind(err, errors.KindDomain) {
		status = http.StatusNotFound
	}
	reason := errors.ReasonOf(err)
	var data interface{}
	if reason != errors.ReasonUnknown {
		data = gin.H{"reason": string(reason)}
	}
	httptransport.RespondError(c, status, err.Error(), data)
}

// resolveAccountRef turns an id, alias or email into an account id.
func (s *Service) resolveAccountRef(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", errors.New(errors.KindDomain, "api.resolve", "empty account reference")
	}
	if s.aliases != nil {
		if id, ok := s.aliases.Resolve(ref); ok {
			return id, nil
		}
	}
	if rec, err := s.store.Get(ctx, ref); err == nil {
		return rec.ID, nil
	}
	rec, err := s.store.GetByEmail(ctx, ref)
	if err != nil {
		return "", errors.New(errors.KindDomain, "api.resolve", "no account matches "+ref)
	}
	return rec.ID, nil
}
