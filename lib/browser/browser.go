// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package browser drives a headless Chromium instance per session for
// the browser_* IPC action family (spec.md §4.1): browser_navigate,
// browser_snapshot, browser_click, browser_type, and browser_screenshot
// all act on the same live page across calls, so a session's browser
// stays open from its first browser_navigate until the session ends.
package browser

import (
	"fmt"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Config configures the Pool.
type Config struct {
	// Headless runs Chromium without a visible window. Tests and
	// server deployments want true; false is only useful for local
	// debugging of a failing page.
	Headless bool
	// Timeout bounds navigation and element-interaction calls.
	Timeout time.Duration
	// MaxSessions caps the number of simultaneously open browsers.
	// Each session holds a full Chromium process until EndSession or
	// the pool closes, so this is also a memory budget.
	MaxSessions int
}

// page bundles the browser/context/page a session owns for its
// lifetime: browser_navigate creates it, later browser_* calls reuse
// it, and EndSession tears it down.
type page struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

// Pool manages one Chromium page per IPC session.
type Pool struct {
	config Config
	pw     *playwright.Playwright

	mu    sync.Mutex
	pages map[string]*page
}

// NewPool installs (if needed) and starts the Playwright driver and
// returns a Pool ready to serve browser_* actions. The driver install
// is a one-time download the first Pool on a host performs.
func NewPool(config Config) (*Pool, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxSessions == 0 {
		config.MaxSessions = 16
	}

	if err := playwright.Install(&playwright.RunOptions{Verbose: false}); err != nil {
		return nil, fmt.Errorf("browser: installing playwright driver: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("browser: starting playwright: %w", err)
	}

	return &Pool{config: config, pw: pw, pages: make(map[string]*page)}, nil
}

// Close stops every open session's browser and shuts down the driver.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.pages {
		p.closeLocked(id)
	}
	if p.pw != nil {
		return p.pw.Stop()
	}
	return nil
}

// EndSession closes sessionID's browser, if it has one. Callers tear
// this down alongside taint.Tracker.EndSession / taint.Budget.EndSession
// when an agent session terminates.
func (p *Pool) EndSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked(sessionID)
}

func (p *Pool) closeLocked(sessionID string) {
	pg, ok := p.pages[sessionID]
	if !ok {
		return
	}
	pg.context.Close()
	pg.browser.Close()
	delete(p.pages, sessionID)
}

// open returns sessionID's page, launching a fresh browser/context/page
// on the session's first call.
func (p *Pool) open(sessionID string) (playwright.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pg, ok := p.pages[sessionID]; ok {
		return pg.page, nil
	}
	if len(p.pages) >= p.config.MaxSessions {
		return nil, fmt.Errorf("browser: session limit (%d) reached", p.config.MaxSessions)
	}

	launched, err := p.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.config.Headless),
		Timeout:  playwright.Float(float64(p.config.Timeout.Milliseconds())),
	})
	if err != nil {
		return nil, fmt.Errorf("browser: launching chromium: %w", err)
	}
	bctx, err := launched.NewContext(playwright.BrowserNewContextOptions{
		AcceptDownloads: playwright.Bool(false),
	})
	if err != nil {
		launched.Close()
		return nil, fmt.Errorf("browser: creating context: %w", err)
	}
	pg, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		launched.Close()
		return nil, fmt.Errorf("browser: creating page: %w", err)
	}
	pg.SetDefaultTimeout(float64(p.config.Timeout.Milliseconds()))

	p.pages[sessionID] = &page{browser: launched, context: bctx, page: pg}
	return pg, nil
}

// existing returns sessionID's page without creating one, for actions
// that only make sense against an already-open page.
func (p *Pool) existing(sessionID string) (playwright.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pg, ok := p.pages[sessionID]
	if !ok {
		return nil, fmt.Errorf("browser: no open page for this session, call browser_navigate first")
	}
	return pg.page, nil
}

// NavigateTo loads url in sessionID's page, opening the browser if this
// is the session's first browser_* call. The caller is responsible for
// having already passed url through an ssrf.Guard. It returns the
// resulting page title.
func (p *Pool) NavigateTo(sessionID, url string) (title string, err error) {
	pg, err := p.open(sessionID)
	if err != nil {
		return "", err
	}
	if _, err := pg.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	}); err != nil {
		return "", fmt.Errorf("browser: navigating: %w", err)
	}
	return pg.Title()
}

// Snapshot returns sessionID's current page title and visible text.
func (p *Pool) Snapshot(sessionID string) (title, text string, err error) {
	pg, err := p.existing(sessionID)
	if err != nil {
		return "", "", err
	}
	title, err = pg.Title()
	if err != nil {
		return "", "", fmt.Errorf("browser: reading title: %w", err)
	}
	text, err = pg.TextContent("body")
	if err != nil {
		return "", "", fmt.Errorf("browser: reading page text: %w", err)
	}
	return title, text, nil
}

// Click clicks the first element matching selector in sessionID's page.
func (p *Pool) Click(sessionID, selector string) error {
	pg, err := p.existing(sessionID)
	if err != nil {
		return err
	}
	if err := pg.Click(selector); err != nil {
		return fmt.Errorf("browser: clicking %q: %w", selector, err)
	}
	return nil
}

// Type fills selector with text in sessionID's page, replacing any
// existing value.
func (p *Pool) Type(sessionID, selector, text string) error {
	pg, err := p.existing(sessionID)
	if err != nil {
		return err
	}
	if err := pg.Fill(selector, text); err != nil {
		return fmt.Errorf("browser: filling %q: %w", selector, err)
	}
	return nil
}

// Screenshot returns a full-page PNG of sessionID's current page.
func (p *Pool) Screenshot(sessionID string) ([]byte, error) {
	pg, err := p.existing(sessionID)
	if err != nil {
		return nil, err
	}
	png, err := pg.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: capturing screenshot: %w", err)
	}
	return png, nil
}
