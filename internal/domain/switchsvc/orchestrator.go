package switchsvc

import (
	"context"
	"time"

	"github.com/bytedance/sonic"

	"antigravity-manager/internal/domain/account"
	"antigravity-manager/internal/domain/eventbus"
	"antigravity-manager/internal/domain/eventbus/repository"
	"antigravity-manager/internal/domain/identity"
	"antigravity-manager/internal/domain/inject"
	"antigravity-manager/internal/platform/config"
	"antigravity-manager/internal/platform/errors"
	"antigravity-manager/internal/platform/logging"
)

// Narrow views of the collaborating services, so tests can substitute them.
type identityManager interface {
	CanApply() (bool, string)
	Apply(ctx context.Context, profile *identity.Profile) (identity.RollbackOutcome, error)
}

type credentialInjector interface {
	Inject(ctx context.Context, creds inject.Credentials) (inject.Format, error)
}

type processController interface {
	Close(ctx context.Context, timeout time.Duration) error
	Start(ctx context.Context, executable string, args ...string) error
}

type tokenRefresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*account.Token, error)
}

// Orchestrator drives a full account switch: stop the IDE, apply the bound
// device profile, inject credentials, mark the account active, start the
// IDE again. The guard serialises concurrent requests; metrics and audit
// record every outcome.
type Orchestrator struct {
	store    *account.Store
	identity identityManager
	injector credentialInjector
	procs    processController
	google   tokenRefresher
	guard    *Guard
	metrics  *Metrics
	audit    repository.AuditRepository
	app      config.AppConfig
	logger   *logging.Logger
}

type Options struct {
	Store    *account.Store
	Identity identityManager
	Injector credentialInjector
	Procs    processController
	Google   tokenRefresher
	Audit    repository.AuditRepository
	App      config.AppConfig
	Logger   *logging.Logger
}

func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		store:    opts.Store,
		identity: opts.Identity,
		injector: opts.Injector,
		procs:    opts.Procs,
		google:   opts.Google,
		guard:    NewGuard(),
		metrics:  NewMetrics(),
		audit:    opts.Audit,
		app:      opts.App,
		logger:   opts.Logger,
	}
}

func (o *Orchestrator) Guard() *Guard     { return o.guard }
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// Switch performs the whole switch under the guard. On failure the IDE is
// left stopped: restarting it with half-written credentials would hand the
// wrong identity to the wrong account.
func (o *Orchestrator) Switch(ctx context.Context, accountID string, owner Owner) error {
	rec, err := o.store.Get(ctx, accountID)
	if err != nil {
		return err
	}

	release, err := o.guard.Acquire(ctx, owner, rec.Email)
	if err != nil {
		return err
	}
	defer release()

	eventbus.PublishAsync(eventbus.EventSwitchStarted, eventbus.SwitchEventData{
		AccountID: rec.ID, Email: rec.Email, Owner: string(owner),
	})

	start := time.Now()
	stage, err := o.perform(ctx, rec, owner)
	duration := time.Since(start)

	if err != nil {
		reason := errors.Classify(stage, err)
		o.metrics.RecordFailure(owner, reason, stage, rec.Email)
		data := eventbus.SwitchEventData{
			AccountID: rec.ID, Email: rec.Email, Owner: string(owner),
			Stage: stage, Reason: string(reason), DurationMs: duration.Milliseconds(),
		}
		eventbus.PublishAsync(eventbus.EventSwitchFailed, data)
		o.recordAudit(ctx, eventbus.EventSwitchFailed, rec.ID, data)
		return errors.WithReason(errors.KindSwitch, "switch."+stage, reason,
			"switch failed at stage "+stage, err)
	}

	o.metrics.RecordSuccess(owner, duration)
	data := eventbus.SwitchEventData{
		AccountID: rec.ID, Email: rec.Email, Owner: string(owner),
		DurationMs: duration.Milliseconds(),
	}
	eventbus.PublishAsync(eventbus.EventSwitchCompleted, data)
	o.recordAudit(ctx, eventbus.EventSwitchCompleted, rec.ID, data)
	o.logger.InfoTag("switch", "switched to %s in %s", rec.Email, duration.Round(time.Millisecond))
	return nil
}

// perform runs the stages in order and reports which one failed.
func (o *Orchestrator) perform(ctx context.Context, rec *account.Record, owner Owner) (string, error) {
	if err := o.procs.Close(ctx, o.app.ExitTimeout); err != nil {
		return "close", err
	}

	if stage, err := o.applyProfile(ctx, rec, owner); err != nil {
		return stage, err
	}

	if err := o.injectCredentials(ctx, rec); err != nil {
		return "switch", err
	}
	if err := o.store.SetActive(ctx, rec.ID); err != nil {
		return "switch", err
	}

	if o.app.Executable != "" {
		if err := o.procs.Start(ctx, o.app.Executable); err != nil {
			return "start", err
		}
	}
	return "", nil
}

// applyProfile applies the account's bound profile. An account without a
// bound profile cannot be switched while profile application is on.
func (o *Orchestrator) applyProfile(ctx context.Context, rec *account.Record, owner Owner) (string, error) {
	if o.identity == nil {
		return "", nil
	}
	if ok, why := o.identity.CanApply(); !ok {
		o.logger.WarnTag("switch", "skipping profile application: %s", why)
		return "", nil
	}

	if len(rec.Profile) == 0 {
		return "apply", errors.WithReason(errors.KindSwitch, "switch.apply",
			errors.ReasonMissingBoundProfile, "account has no bound profile", nil)
	}
	var profile identity.Profile
	if err := sonic.Unmarshal(rec.Profile, &profile); err != nil {
		return "apply", errors.WithReason(errors.KindSwitch, "switch.apply",
			errors.ReasonMissingBoundProfile, "bound profile is unreadable", err)
	}

	rollback, err := o.identity.Apply(ctx, &profile)
	if rollback != identity.RollbackNone {
		o.metrics.RecordRollback(owner, rollback == identity.RollbackSucceeded)
	}
	if err != nil {
		return "apply", err
	}
	eventbus.PublishAsync(eventbus.EventProfileApplied, eventbus.IdentityEventData{
		DevDeviceID: profile.DevDeviceID,
	})
	return "", nil
}

func (o *Orchestrator) injectCredentials(ctx context.Context, rec *account.Record) error {
	if rec.Token == nil {
		return errors.New(errors.KindSwitch, "switch.inject", "account has no stored token")
	}

	token := rec.Token
	if token.Expired() && o.google != nil {
		fresh, err := o.google.RefreshAccessToken(ctx, token.RefreshToken)
		if err != nil {
			o.logger.WarnTag("switch", "token refresh failed, injecting stored token: %v", err)
		} else {
			token = fresh
			if err := o.store.UpdateToken(ctx, rec.ID, fresh); err != nil {
				o.logger.WarnTag("switch", "persisting refreshed token failed: %v", err)
			}
		}
	}

	_, err := o.injector.Inject(ctx, inject.Credentials{
		Name:         rec.Name,
		Email:        rec.Email,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiryUnix:   token.ExpiryTimestamp / 1000,
	})
	return err
}

func (o *Orchestrator) recordAudit(ctx context.Context, eventType, accountID string, data interface{}) {
	if o.audit == nil {
		return
	}
	err := o.audit.Store(ctx, repository.Event{
		EventType: eventType,
		AccountID: accountID,
		Data:      data,
		CreatedAt: time.Now(),
	})
	if err != nil {
		o.logger.WarnTag("switch", "audit store failed: %v", err)
	}
}
