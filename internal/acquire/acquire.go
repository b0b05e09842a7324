package acquire

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/rod/lib/utils"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/js"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

const (
	consentXPath = `//button[contains(text(), 'Accept')] | //button[contains(text(), 'OK')] | ` +
		`//button[contains(text(), 'I agree')] | //a[contains(@class, 'cookie') and contains(text(), 'Accept')] | ` +
		`//button[contains(@class, 'cookie')]`
	sectionButtonXPath = `//div[contains(@class, 'options-button') and contains(text(), 'Section/Type')]`
	showAllXPath       = `//input[@type='checkbox' and @value='0']`
	applyFilterXPath   = `//button[contains(text(), 'Apply Filter')]`
	downloadMenuXPath  = `//div[contains(@class, 'extra-button-wrapper') and contains(text(), 'Download Options')]`
	nativeXLSXPath     = `//a[contains(@href, 'resultset_xls_output.php')]`

	dismissPollInterval = 250 * time.Millisecond
)

// Acquire navigates to the listings page, clears any consent overlay,
// selects the key's period and section and clicks the native XLS download.
// The file appears in the staging directory some time after Acquire
// returns; finding it is the resolver's job.
func (s *Session) Acquire(ctx context.Context, key listing.Key) (err error) {
	period, ok := listing.PeriodForYear(key.Period)
	if !ok {
		return &UIStateError{Key: key, Step: "select period", Err: fmt.Errorf("unknown period %d", key.Period)}
	}
	if s.page == nil {
		return &UIStateError{Key: key, Step: "session", Err: errors.New("session is closed")}
	}

	log := s.log.With(zap.String("key", key.String()))
	page := s.page.Context(ctx)

	defer func() {
		if err != nil {
			s.screenshot(key)
		}
	}()

	log.Info("acquire: navigating", zap.String("url", s.cfg.BaseURL))
	if err := page.Timeout(s.cfg.NavigationTimeout).Navigate(s.cfg.BaseURL); err != nil {
		return &NavigationError{Key: key, URL: s.cfg.BaseURL, Err: err}
	}
	if err := page.Timeout(s.cfg.NavigationTimeout).WaitLoad(); err != nil {
		return &NavigationError{Key: key, URL: s.cfg.BaseURL, Err: err}
	}
	s.settle(page)

	if err := s.dismissObstruction(ctx, page, key); err != nil {
		return err
	}

	if err := s.selectPeriod(page, key, period); err != nil {
		return err
	}

	if key.Category != listing.AllSections {
		if err := s.selectSection(page, key); err != nil {
			return err
		}
	}

	// Paging only changes what is rendered; the export covers the result
	// set, so a failure here is not fatal.
	if res, err := page.Timeout(s.cfg.ActionTimeout).Eval(js.SELECT_ALL_RESULTS); err != nil {
		log.Warn("acquire: could not set results per page", zap.Error(err))
	} else if chosen := res.Value.Str(); chosen != "" {
		log.Debug("acquire: results per page", zap.String("option", chosen))
		s.settle(page)
	}

	menu, err := page.Timeout(s.cfg.ActionTimeout).ElementX(downloadMenuXPath)
	if err != nil {
		return &UIStateError{Key: key, Step: "open download options", Err: err}
	}
	if err := menu.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &UIStateError{Key: key, Step: "open download options", Err: err}
	}

	link, err := page.Timeout(s.cfg.ActionTimeout).ElementX(nativeXLSXPath)
	if err != nil {
		return &UIStateError{Key: key, Step: "find native xls link", Err: err}
	}
	if err := s.clickOnTop(ctx, page, link, key); err != nil {
		return err
	}

	log.Info("acquire: download triggered", zap.String("section", key.SectionName()))
	return nil
}

// dismissObstruction first clicks a consent button, waits up to
// DismissTimeout for the overlay to go away, then falls back to removing
// it from the DOM.
func (s *Session) dismissObstruction(ctx context.Context, page *rod.Page, key listing.Key) error {
	present, err := s.obstructed(page)
	if err != nil {
		return &ObstructionError{Key: key, Err: err}
	}
	if !present {
		return nil
	}

	s.log.Info("acquire: consent overlay detected", zap.String("key", key.String()))

	buttons, err := page.ElementsX(consentXPath)
	if err == nil && len(buttons) > 0 {
		if err := buttons.First().Timeout(s.cfg.ActionTimeout).Click(proto.InputMouseButtonLeft, 1); err != nil {
			s.log.Debug("acquire: consent button click failed", zap.Error(err))
		}
		deadline := s.cfg.Clock.Now().Add(s.cfg.DismissTimeout)
		for s.cfg.Clock.Now().Before(deadline) {
			present, err = s.obstructed(page)
			if err == nil && !present {
				return nil
			}
			if err := s.cfg.Clock.Sleep(ctx, dismissPollInterval); err != nil {
				return &ObstructionError{Key: key, Err: err}
			}
		}
	}

	s.log.Info("acquire: forcing overlay removal", zap.String("key", key.String()))
	res, err := page.Timeout(s.cfg.ActionTimeout).Eval(js.HIDE_OBSTRUCTIONS)
	if err != nil {
		return &ObstructionError{Key: key, Err: err}
	}
	present, err = s.obstructed(page)
	if err != nil {
		return &ObstructionError{Key: key, Err: err}
	}
	if present {
		return &ObstructionError{Key: key, Err: fmt.Errorf("%d elements hidden but overlay remains", res.Value.Int())}
	}
	return nil
}

func (s *Session) obstructed(page *rod.Page) (bool, error) {
	res, err := page.Timeout(s.cfg.ActionTimeout).Eval(js.OBSTRUCTION_PRESENT)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (s *Session) selectPeriod(page *rod.Page, key listing.Key, period listing.Period) error {
	link, err := page.Timeout(s.cfg.ActionTimeout).ElementX(fmt.Sprintf(`//a[normalize-space(.)='%s']`, period.Label))
	if err != nil {
		// The separator between the two dates is not stable, match on the
		// start date only.
		prefix := strings.TrimSpace(strings.FieldsFunc(period.Label, isDash)[0])
		s.log.Debug("acquire: exact period link missing, trying prefix", zap.String("prefix", prefix))
		links, perr := page.ElementsX(fmt.Sprintf(`//a[starts-with(normalize-space(.), '%s')]`, prefix))
		if perr != nil || len(links) == 0 {
			return &UIStateError{Key: key, Step: "select period", Err: err}
		}
		link = links.First()
	}
	if err := link.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &UIStateError{Key: key, Step: "select period", Err: err}
	}
	s.settle(page)
	return nil
}

func isDash(r rune) bool {
	return r == '-' || r == '–' || r == '—'
}

func (s *Session) selectSection(page *rod.Page, key listing.Key) error {
	btn, err := page.Timeout(s.cfg.ActionTimeout).ElementX(sectionButtonXPath)
	if err != nil {
		return &UIStateError{Key: key, Step: "open section filter", Err: err}
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return &UIStateError{Key: key, Step: "open section filter", Err: err}
	}

	if showAll, err := page.ElementsX(showAllXPath); err == nil && len(showAll) > 0 {
		if checked, err := showAll.First().Property("checked"); err == nil && checked.Bool() {
			_ = showAll.First().Click(proto.InputMouseButtonLeft, 1)
		}
	}

	box, err := page.Timeout(s.cfg.ActionTimeout).ElementX(fmt.Sprintf(`//input[@type='checkbox' and @value='%s']`, key.Category))
	if err != nil {
		return &UIStateError{Key: key, Step: "find section checkbox", Err: err}
	}
	checked, err := box.Property("checked")
	if err != nil {
		return &UIStateError{Key: key, Step: "read section checkbox", Err: err}
	}
	if !checked.Bool() {
		if err := box.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return &UIStateError{Key: key, Step: "check section", Err: err}
		}
	}

	if apply, err := page.ElementsX(applyFilterXPath); err == nil && len(apply) > 0 {
		if err := apply.First().Click(proto.InputMouseButtonLeft, 1); err != nil {
			return &UIStateError{Key: key, Step: "apply filter", Err: err}
		}
	} else {
		body, err := page.Element("body")
		if err != nil {
			return &UIStateError{Key: key, Step: "apply filter", Err: err}
		}
		_ = body.Click(proto.InputMouseButtonLeft, 1)
	}
	s.settle(page)
	return nil
}

// clickOnTop clicks e when it is the topmost element at its position.
// Otherwise it retries the overlay dismissal and clicks through JS.
func (s *Session) clickOnTop(ctx context.Context, page *rod.Page, e *rod.Element, key listing.Key) error {
	xp, err := e.GetXPath(false)
	if err != nil {
		return &UIStateError{Key: key, Step: "locate download link", Err: err}
	}
	if err := e.Timeout(s.cfg.ActionTimeout).ScrollIntoView(); err != nil {
		s.log.Debug("acquire: scroll error", zap.Error(err))
	}

	//Is the element actually on top and can be clicked?
	res, err := page.Eval(js.IS_TOP_VISIBLE, xp)
	if err == nil && res.Value.Bool() {
		if err := e.Timeout(s.cfg.ActionTimeout).Click(proto.InputMouseButtonLeft, 1); err == nil {
			return nil
		}
	}

	s.log.Info("acquire: click intercepted, using javascript click", zap.String("key", key.String()))
	if err := s.dismissObstruction(ctx, page, key); err != nil {
		return err
	}
	if _, err := e.Timeout(s.cfg.ActionTimeout).Eval(js.JS_CLICK); err != nil {
		return &UIStateError{Key: key, Step: "click download link", Err: err}
	}
	return nil
}

func (s *Session) settle(page *rod.Page) {
	if err := page.Timeout(s.cfg.SettleTimeout).WaitStable(300 * time.Millisecond); err != nil {
		s.log.Debug("acquire: wait stable", zap.Error(err))
	}
}

func (s *Session) screenshot(key listing.Key) {
	if s.cfg.ScreenshotDir == "" || s.page == nil {
		return
	}
	img, err := s.page.Timeout(s.cfg.ActionTimeout).Screenshot(false, nil)
	if err != nil {
		s.log.Debug("acquire: screenshot failed", zap.Error(err))
		return
	}
	name := fmt.Sprintf("error_%s_%s.png", key, s.cfg.Clock.Now().Format("20060102_150405"))
	path := filepath.Join(s.cfg.ScreenshotDir, name)
	if err := utils.OutputFile(path, img); err != nil {
		s.log.Debug("acquire: screenshot write failed", zap.Error(err))
		return
	}
	s.log.Info("acquire: screenshot saved", zap.String("path", path))
}
