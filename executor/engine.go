package executor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/runboxd/runbox/admission"
	"github.com/runboxd/runbox/config"
	"github.com/runboxd/runbox/dataset"
	"github.com/runboxd/runbox/sandbox"
)

// Request is one decoded, pre-authenticated execution request
type Request struct {
	Language   sandbox.Language
	Code       string
	Timeout    time.Duration // zero means the server default
	Packages   []string
	UseDataset bool
}

// Engine dispatches requests through admission, provisioning, and the
// sandbox run, and reports normalized results
type Engine struct {
	logger     *zap.Logger
	cfg        *config.Config
	backend    sandbox.Backend
	controller *admission.Controller
	mount      *dataset.Mount
	epoch      string
}

// New creates an Engine. The provisioning epoch is stamped onto every
// environment this process creates so a later process can reap leftovers.
func New(logger *zap.Logger, cfg *config.Config, backend sandbox.Backend, controller *admission.Controller, mount *dataset.Mount) *Engine {
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		backend:    backend,
		controller: controller,
		mount:      mount,
		epoch:      strconv.FormatInt(time.Now().UnixNano(), 10),
	}
}

// Epoch returns this process's provisioning epoch tag
func (e *Engine) Epoch() string { return e.epoch }

// ReapStale destroys environments left behind by earlier processes.
// Called once on startup.
func (e *Engine) ReapStale(ctx context.Context) {
	reaped, err := e.backend.Reap(ctx, e.epoch)
	if err != nil {
		e.logger.Warn("failed to reap stale environments", zap.Error(err))
		return
	}
	if reaped > 0 {
		e.logger.Info("reaped stale environments", zap.Int("count", reaped))
	}
}

// Languages returns the supported language names
func (e *Engine) Languages() []string {
	return sandbox.SupportedLanguages()
}

// Stats returns the capacity gauges for the health endpoint
func (e *Engine) Stats() admission.Stats {
	return e.controller.Stats()
}

// validate rejects malformed requests before any resource is allocated
func (e *Engine) validate(req *Request) string {
	if _, err := sandbox.ParseLanguage(string(req.Language)); err != nil {
		return err.Error()
	}
	if req.Code == "" {
		return "code must not be empty"
	}
	if req.Timeout < 0 {
		return "timeout must not be negative"
	}
	if req.Timeout > e.cfg.MaxTimeout() {
		return "timeout exceeds the server maximum of " + e.cfg.MaxTimeout().String()
	}
	if req.Timeout == 0 {
		req.Timeout = e.cfg.DefaultTimeout()
	}
	return ""
}

// Execute runs one request end to end and always returns a Result. A
// panic in a single execution is contained here so one bad session
// cannot take the pool down.
func (e *Engine) Execute(ctx context.Context, req Request) (result Result) {
	sess := newSession(req.Language)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("execution panicked",
				zap.String("session", sess.ID), zap.Any("panic", r))
			result = infraFailure(sess, KindInternal, "internal error")
		}
	}()

	if msg := e.validate(&req); msg != "" {
		_ = sess.advance(StateRejected)
		return rejected(sess, KindValidation, msg)
	}

	token, err := e.controller.Acquire(ctx)
	if err != nil {
		_ = sess.advance(StateRejected)
		switch {
		case errors.Is(err, admission.ErrBacklogFull):
			return rejected(sess, KindAdmissionRejected, "service at capacity, retry later")
		case errors.Is(err, admission.ErrQueueTimeout):
			return rejected(sess, KindQueueTimeout, "timed out waiting for capacity, retry later")
		default:
			// Caller went away while queued
			return rejected(sess, KindInternal, "request cancelled")
		}
	}
	defer token.Release()

	// Provisioning (including package installation) and the run share
	// one wall-clock budget.
	runCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if err := sess.advance(StateProvisioning); err != nil {
		e.logger.Error("session state violation", zap.String("session", sess.ID), zap.Error(err))
		return infraFailure(sess, KindInternal, "internal error")
	}

	spec := sandbox.ProvisionSpec{
		Language: req.Language,
		Packages: req.Packages,
		Epoch:    e.epoch,
	}
	if req.UseDataset && e.mount.Enabled() {
		spec.DatasetHostPath = e.mount.HostPath()
		spec.DatasetMountPath = e.mount.ContainerPath()
	}

	env, err := e.backend.Provision(runCtx, spec)
	if err != nil {
		var installErr *sandbox.InstallError
		switch {
		case errors.As(err, &installErr):
			_ = sess.advance(StateFailed)
			e.logger.Info("dependency installation failed",
				zap.String("session", sess.ID), zap.Error(err))
			return installFailure(sess, installErr)
		case runCtx.Err() == context.DeadlineExceeded:
			_ = sess.advance(StateTimedOut)
			return timedOut(sess, sandbox.RawOutcome{}, req.Timeout)
		case runCtx.Err() == context.Canceled:
			// Caller disconnected mid-provision; not a backend fault
			_ = sess.advance(StateFailed)
			e.logger.Info("request cancelled during provisioning",
				zap.String("session", sess.ID))
			return infraFailure(sess, KindInternal, "request cancelled")
		default:
			_ = sess.advance(StateFailed)
			e.logger.Error("provisioning failed",
				zap.String("session", sess.ID),
				zap.String("language", string(req.Language)),
				zap.Error(err))
			return infraFailure(sess, KindProvision, "could not provision an execution environment, retry later")
		}
	}

	// Teardown guarantees, in order: a watchdog forces destruction even
	// if the backend wedges past the deadline, the deferred destroy
	// covers every return path, and the token releases only after the
	// destroy defer has run. The watchdog is armed from the run deadline
	// so time already spent provisioning does not extend the grace.
	watchdogWait := req.Timeout + e.cfg.DestroyGrace()
	if deadline, ok := runCtx.Deadline(); ok {
		watchdogWait = time.Until(deadline) + e.cfg.DestroyGrace()
	}
	watchdog := time.AfterFunc(watchdogWait, func() {
		e.logger.Warn("watchdog destroying wedged environment",
			zap.String("session", sess.ID), zap.String("environment", env.ID))
		_ = e.backend.Destroy(env)
	})
	defer watchdog.Stop()
	defer func() {
		if destroyErr := e.backend.Destroy(env); destroyErr != nil {
			e.logger.Error("failed to destroy environment",
				zap.String("session", sess.ID), zap.Error(destroyErr))
		}
	}()

	if err := sess.advance(StateRunning); err != nil {
		e.logger.Error("session state violation", zap.String("session", sess.ID), zap.Error(err))
		return infraFailure(sess, KindInternal, "internal error")
	}

	outcome, runErr := e.backend.Run(runCtx, env, req.Code)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		_ = sess.advance(StateTimedOut)
		e.logger.Info("execution timed out",
			zap.String("session", sess.ID),
			zap.Duration("timeout", req.Timeout))
		return timedOut(sess, outcome, req.Timeout)
	case runCtx.Err() == context.Canceled:
		// Caller disconnected; the environment is torn down normally
		_ = sess.advance(StateFailed)
		e.logger.Info("request cancelled",
			zap.String("session", sess.ID))
		return infraFailure(sess, KindInternal, "request cancelled")
	case runErr != nil:
		_ = sess.advance(StateFailed)
		e.logger.Error("execution failed in backend",
			zap.String("session", sess.ID), zap.Error(runErr))
		return infraFailure(sess, KindInternal, "internal error")
	}

	if outcome.ExitCode == 0 {
		_ = sess.advance(StateCompleted)
	} else {
		_ = sess.advance(StateFailed)
	}

	e.logger.Info("execution finished",
		zap.String("session", sess.ID),
		zap.String("language", string(req.Language)),
		zap.String("state", string(sess.State())),
		zap.Int("exit_code", outcome.ExitCode),
		zap.Duration("duration", outcome.Duration))

	return fromOutcome(sess, outcome)
}
