package connect

import (
	"context"
	"sync"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// Surface is the embedded rendering context hosting the wallet frontend's
// UI. The SDK never constructs UI itself: it mounts, shows, hides and
// focuses whatever surface the application injects.
type Surface interface {
	// Mount makes the wallet frontend's surface available and returns
	// once its native load signal fires. The context bounds the wait.
	Mount(ctx context.Context) error
	// Unmount removes the surface. Safe to call when not mounted.
	Unmount()
	// Show makes the surface visible, for operations requiring user
	// presence.
	Show()
	// Hide makes the surface invisible without unmounting it.
	Hide()
	// Focus moves input focus into the surface. Some mobile browsers
	// refuse biometric prompts in an unfocused frame, so Show paths call
	// this as well.
	Focus()
}

// SandboxConfigurable is implemented by surfaces that can apply the host's
// sandbox policy to the embedded context. The host hands the configured
// policy to such surfaces before the first mount.
type SandboxConfigurable interface {
	SetSandboxPolicy(policy string)
}

// NopSurface is a Surface with no visual behavior, for headless hosts and
// tests.
type NopSurface struct{}

func (NopSurface) Mount(context.Context) error { return nil }
func (NopSurface) Unmount()                    {}
func (NopSurface) Show()                       {}
func (NopSurface) Hide()                       {}
func (NopSurface) Focus()                      {}

// WailsSurface drives the wallet frontend's window through the Wails
// runtime, for desktop applications that host the frontend in a secondary
// webview window. All methods are no-ops until the Wails context is set,
// mirroring app startup ordering. SetContext may race method calls from
// protocol goroutines, so the context is mutex-guarded.
type WailsSurface struct {
	mu  sync.Mutex
	ctx context.Context
}

// NewWailsSurface creates an unbound surface; call SetContext from the app's
// startup hook.
func NewWailsSurface() *WailsSurface {
	return &WailsSurface{}
}

// SetContext binds the surface to the Wails runtime context.
func (s *WailsSurface) SetContext(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
}

func (s *WailsSurface) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Mount shows the window; the Wails window is created by the app shell, so
// mounting only waits for it to be usable.
func (s *WailsSurface) Mount(ctx context.Context) error {
	wctx := s.context()
	if wctx == nil {
		return newError(CodeNotInitialized, "wails context not set")
	}
	wailsRuntime.WindowShow(wctx)
	return nil
}

func (s *WailsSurface) Unmount() {
	wctx := s.context()
	if wctx == nil {
		return
	}
	wailsRuntime.WindowHide(wctx)
}

func (s *WailsSurface) Show() {
	wctx := s.context()
	if wctx == nil {
		return
	}
	wailsRuntime.WindowShow(wctx)
	wailsRuntime.WindowUnminimise(wctx)
}

func (s *WailsSurface) Hide() {
	wctx := s.context()
	if wctx == nil {
		return
	}
	wailsRuntime.WindowMinimise(wctx)
}

// Focus brings the window to the foreground with a brief always-on-top
// flash, the only reliable cross-platform way to steal focus back from the
// embedding application.
func (s *WailsSurface) Focus() {
	wctx := s.context()
	if wctx == nil {
		return
	}
	wailsRuntime.WindowShow(wctx)
	wailsRuntime.WindowSetAlwaysOnTop(wctx, true)
	go func() {
		time.Sleep(100 * time.Millisecond)
		wailsRuntime.WindowSetAlwaysOnTop(wctx, false)
	}()
}
