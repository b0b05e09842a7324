// Package acquire drives one browser session against the listings site and
// triggers the spreadsheet download for a (period, category) key.
package acquire

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/clock"
)

// Config controls the browser session.
type Config struct {
	// BaseURL is the listings page, e.g. https://www.aeaweb.org/joe/listings.
	BaseURL string
	// StagingDir receives browser downloads. It must be absolute for Chrome.
	StagingDir string
	// ScreenshotDir receives error screenshots. Empty disables them.
	ScreenshotDir string
	Headless      bool
	// RemoteURL connects to an already running Chrome instead of launching one.
	RemoteURL string

	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	// DismissTimeout bounds how long the primary consent dismissal may take
	// before the forced dismissal runs.
	DismissTimeout time.Duration
	// SettleTimeout bounds waiting for the page to stop changing after an action.
	SettleTimeout time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (c *Config) defaults() {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.DismissTimeout <= 0 {
		c.DismissTimeout = 3 * time.Second
	}
	if c.SettleTimeout <= 0 {
		c.SettleTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session owns one browser and one page. A session that failed an
// acquisition should be closed and replaced rather than reused.
type Session struct {
	cfg     Config
	lnch    *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
	log     *zap.Logger
}

// Open launches (or connects to) Chrome, routes downloads to the staging
// directory and opens a stealth page.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	cfg.defaults()
	s := &Session{cfg: cfg, log: cfg.Logger}

	staging, err := filepath.Abs(cfg.StagingDir)
	if err != nil {
		return nil, eris.Wrapf(err, "acquire: staging dir %s", cfg.StagingDir)
	}

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Context(ctx).
			Headless(cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", "1920,1080")
		u, err := l.Launch()
		if err != nil {
			return nil, eris.Wrap(err, "acquire: launch chrome")
		}
		s.lnch = l
		wsURL = u
	}

	browser := rod.New().ControlURL(wsURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		s.Close()
		return nil, eris.Wrap(err, "acquire: connect chrome")
	}
	s.browser = browser

	err = proto.BrowserSetDownloadBehavior{
		Behavior:         proto.BrowserSetDownloadBehaviorBehaviorAllow,
		BrowserContextID: browser.BrowserContextID,
		DownloadPath:     staging,
	}.Call(browser)
	if err != nil {
		s.Close()
		return nil, eris.Wrap(err, "acquire: set download behavior")
	}

	//Avoid alerts and close tabs opened by the site
	go browser.EachEvent(func(e *proto.PageJavascriptDialogOpening) {
		_ = proto.PageHandleJavaScriptDialog{Accept: false, PromptText: ""}.Call(browser)
	},
		func(e *proto.PageWindowOpen) {
			s.log.Debug("acquire: closing popup window", zap.String("url", e.URL))
			pages, err := browser.Pages()
			if err != nil {
				return
			}
			for _, p := range pages {
				info, err := p.Info()
				if err != nil {
					continue
				}
				if info.URL == e.URL && (s.page == nil || p.TargetID != s.page.TargetID) {
					_ = p.Close()
				}
			}
		},
	)()

	page, err := stealth.Page(browser)
	if err != nil {
		s.Close()
		return nil, eris.Wrap(err, "acquire: create page")
	}
	s.page = page

	s.log.Info("acquire: session opened",
		zap.Bool("headless", cfg.Headless),
		zap.String("staging", staging))
	return s, nil
}

// Close tears down the page, the browser and the launched Chrome process.
// It is safe to call more than once.
func (s *Session) Close() error {
	var err error
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	if s.browser != nil {
		err = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Kill()
		s.lnch.Cleanup()
		s.lnch = nil
	}
	if err != nil {
		return fmt.Errorf("acquire: close browser: %w", err)
	}
	return nil
}
