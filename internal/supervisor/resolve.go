package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/hostvisor/internal/backend"
	"github.com/loykin/hostvisor/internal/install"
)

var errNoInstaller = errors.New("no installer configured")

// resolve stages the real server and picks the backend to run. In dev mode
// any staging problem degrades to the fallback; in prod it is returned.
func (s *Supervisor) resolve(ctx context.Context, devMode bool) (backend.Backend, error) {
	err := s.stage(ctx)
	if err == nil && !s.installer.ExecutableAvailable() {
		err = &install.StagingError{Step: "executable", Err: errors.New("staged executable not found after install")}
	}
	if err == nil {
		if s.external == nil {
			return nil, &backend.SpawnError{Path: "", Err: errors.New("no external backend configured")}
		}
		return s.external, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	if devMode && s.fallback != nil {
		s.logf("WARNING: server staging failed, using %s backend (dev mode): %v", s.fallback.Name(), err)
		return s.fallback, nil
	}
	return nil, err
}

// stage runs the installer, converting panics into a StagingError.
func (s *Supervisor) stage(ctx context.Context) (err error) {
	if s.installer == nil {
		return &install.StagingError{Step: "platform", Err: errNoInstaller}
	}
	defer func() {
		if r := recover(); r != nil {
			err = &install.StagingError{Step: "install", Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	res, err := s.installer.Install(ctx)
	if err != nil {
		s.logf("install failed: %v", err)
		return err
	}
	if res.ExecutableStaged {
		s.logf("server executable installed for platform %s", res.PlatformTag)
	}
	if res.RuntimeStaged {
		s.logf("runtime data installed")
	}
	return nil
}
