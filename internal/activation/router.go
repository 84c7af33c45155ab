// Package activation turns deep links, second-instance launches and in-app
// requests into window and system operations.
package activation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Windows is the part of the shell the router drives.
type Windows interface {
	// MostRecent returns the most recently focused window.
	MostRecent() (id string, ok bool)
	// Exists reports whether id is an open window.
	Exists(id string) bool
	// ForDir returns an open window on dir, if any.
	ForDir(dir string) (id string, ok bool)
	// RecentDir returns the most recently used working directory.
	RecentDir() string
	// Open creates a window with a fresh backend session.
	Open(ctx context.Context, dir string) (id string, err error)
	// Focus marks id as the most recently focused window.
	Focus(id string) error
	// AddSystem adds cfg to the session behind id.
	AddSystem(ctx context.Context, id string, cfg v1alpha1.SystemConfig, replace bool) (*v1alpha1.SystemStatus, error)
}

// Router resolves activation targets.
type Router struct {
	windows Windows
	scheme  string
	logger  *zap.Logger
}

// NewRouter creates a Router for deep links using scheme.
func NewRouter(windows Windows, scheme string, logger *zap.Logger) *Router {
	if scheme == "" {
		scheme = DefaultScheme
	}
	return &Router{windows: windows, scheme: scheme, logger: logger.Named("activation")}
}

// Route handles one activation event.
//
// The payload is decoded before anything else so a bad link changes no
// state. The target window is then resolved from the hint:
//
//   - explicit: the named window, or ErrUnknownWindow.
//   - most-recent: the most recently focused window, or a new window in the
//     event directory (falling back to the most recently used one).
//   - none: always a new window.
//
// An empty hint means most-recent. An event with a directory and no link
// focuses the window already open on that directory, or opens one.
//
// A duplicate system is reported as a wrapped ErrDuplicateProvider with the
// result still populated.
func (r *Router) Route(ctx context.Context, ev v1alpha1.ActivationRequest) (*v1alpha1.ActivationResult, error) {
	var (
		cfg     v1alpha1.SystemConfig
		hasLink = ev.Link != ""
	)
	if hasLink {
		parsed, err := ParseDeepLink(ev.Link, r.scheme)
		if err != nil {
			r.logger.Warn("rejected activation", zap.String("kind", string(ev.Kind)), zap.Error(err))
			return nil, err
		}
		cfg = parsed
	} else if ev.Kind == v1alpha1.ActivationDeepLink {
		return nil, fmt.Errorf("%w: deep link activation without a link", v1alpha1.ErrInvalidActivationPayload)
	}

	hint, err := r.hint(ev)
	if err != nil {
		return nil, err
	}

	// A bare directory just opens or focuses a window on it.
	if !hasLink && ev.WorkingDir != "" && hint != v1alpha1.HintExplicit {
		if id, ok := r.windows.ForDir(ev.WorkingDir); ok {
			hint, ev.WindowID = v1alpha1.HintExplicit, id
		} else {
			hint = v1alpha1.HintNone
		}
	}

	res, err := r.target(ctx, hint, ev)
	if err != nil {
		return nil, err
	}

	if !res.Created && (ev.Kind == v1alpha1.ActivationSecondInstance || !hasLink) {
		if err := r.windows.Focus(res.WindowID); err != nil {
			return nil, err
		}
		res.Focused = true
	}

	log := r.logger.With(zap.String("kind", string(ev.Kind)), zap.String("window", res.WindowID))
	if !hasLink {
		log.Info("activation opened window", zap.Bool("created", res.Created))
		return res, nil
	}

	st, err := r.windows.AddSystem(ctx, res.WindowID, cfg, ev.Replace)
	if err != nil {
		if errors.Is(err, v1alpha1.ErrDuplicateProvider) {
			res.Warning = fmt.Sprintf("system %q is already active in this window", cfg.Name)
			log.Warn("activation skipped duplicate system", zap.String("system", cfg.Name))
			return res, fmt.Errorf("activation: %w", err)
		}
		log.Error("activation failed to add system", zap.String("system", cfg.Name), zap.Error(err))
		return res, fmt.Errorf("activation: adding %s: %w", cfg.Name, err)
	}
	res.System = st
	log.Info("activation added system", zap.String("system", cfg.Name), zap.Bool("created", res.Created))
	return res, nil
}

func (r *Router) hint(ev v1alpha1.ActivationRequest) (v1alpha1.TargetHint, error) {
	switch ev.Hint {
	case v1alpha1.HintNone, v1alpha1.HintMostRecent:
		return ev.Hint, nil
	case v1alpha1.HintExplicit:
		if ev.WindowID == "" {
			return "", fmt.Errorf("%w: explicit target without a window id", v1alpha1.ErrInvalidActivationPayload)
		}
		return ev.Hint, nil
	case "":
		if ev.WindowID != "" {
			return v1alpha1.HintExplicit, nil
		}
		return v1alpha1.HintMostRecent, nil
	default:
		return "", fmt.Errorf("%w: unknown target hint %q", v1alpha1.ErrInvalidActivationPayload, ev.Hint)
	}
}

func (r *Router) target(ctx context.Context, hint v1alpha1.TargetHint, ev v1alpha1.ActivationRequest) (*v1alpha1.ActivationResult, error) {
	switch hint {
	case v1alpha1.HintExplicit:
		if !r.windows.Exists(ev.WindowID) {
			return nil, fmt.Errorf("%w: %s", v1alpha1.ErrUnknownWindow, ev.WindowID)
		}
		return &v1alpha1.ActivationResult{WindowID: ev.WindowID}, nil

	case v1alpha1.HintMostRecent:
		if id, ok := r.windows.MostRecent(); ok {
			return &v1alpha1.ActivationResult{WindowID: id}, nil
		}
		dir := ev.WorkingDir
		if dir == "" {
			dir = r.windows.RecentDir()
		}
		return r.open(ctx, dir)

	default:
		return r.open(ctx, ev.WorkingDir)
	}
}

func (r *Router) open(ctx context.Context, dir string) (*v1alpha1.ActivationResult, error) {
	id, err := r.windows.Open(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &v1alpha1.ActivationResult{WindowID: id, Created: true, Focused: true}, nil
}
