package client

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/rs/zerolog/log"
)

// BrowserOptions configures Chrome sessions.
type BrowserOptions struct {
	Headless      bool
	UserAgent     string
	PageTimeout   time.Duration
	ActionTimeout time.Duration
	Layout        Layout
}

// BrowserFactory starts one Chrome instance per session.
type BrowserFactory struct {
	opts BrowserOptions
}

// NewBrowserFactory creates a factory. A nil layout means DefaultLayout.
func NewBrowserFactory(opts BrowserOptions) *BrowserFactory {
	if opts.Layout == nil {
		opts.Layout = DefaultLayout()
	}
	return &BrowserFactory{opts: opts}
}

// NewSession launches a browser and returns a session driving its first tab.
// The browser lives until Close, independent of ctx.
func (f *BrowserFactory) NewSession(ctx context.Context) (crawler.Session, error) {
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.opts.Headless),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if f.opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(f.opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	sess := &BrowserSession{
		id:            uuid.New().String()[:8],
		ctx:           browserCtx,
		cancel:        func() { browserCancel(); allocCancel() },
		layout:        f.opts.Layout,
		pageTimeout:   f.opts.PageTimeout,
		actionTimeout: f.opts.ActionTimeout,
	}

	// an empty Run starts the browser
	if err := sess.run(ctx, sess.pageTimeout); err != nil {
		sess.cancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	log.Info().Str("session", sess.id).Bool("headless", f.opts.Headless).Msg("Browser session started")
	return sess, nil
}

// BrowserSession drives one Chrome tab through chromedp. Elements are
// *cdp.Node values.
type BrowserSession struct {
	id            string
	ctx           context.Context
	cancel        context.CancelFunc
	layout        Layout
	frame         *cdp.Node
	pageTimeout   time.Duration
	actionTimeout time.Duration
}

// ID returns the session identifier used in logs.
func (s *BrowserSession) ID() string {
	return s.id
}

// run executes actions on the tab, bounded by both the caller's ctx and
// timeout. Cancelling a derived context never closes the tab.
func (s *BrowserSession) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, timeout)
		defer tcancel()
	}

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", crawler.ErrStaleSession, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", crawler.ErrTimeout, err)
	}
	return err
}

// Navigate loads url in the top-level document, leaving any frame.
func (s *BrowserSession) Navigate(ctx context.Context, url string) error {
	s.frame = nil
	if err := s.run(ctx, s.pageTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	return nil
}

// Refresh reloads the current page.
func (s *BrowserSession) Refresh(ctx context.Context) error {
	s.frame = nil
	return s.run(ctx, s.pageTimeout, chromedp.Reload())
}

// CurrentURL returns the location of the tab.
func (s *BrowserSession) CurrentURL(ctx context.Context) (string, error) {
	var location string
	err := s.run(ctx, s.actionTimeout, chromedp.Location(&location))
	return location, err
}

func (s *BrowserSession) selector(role crawler.Role) (Selector, error) {
	sel, ok := s.layout[role]
	if !ok || sel.Expr == "" {
		return Selector{}, fmt.Errorf("no selector configured for role %s", role)
	}
	return sel, nil
}

func (s *BrowserSession) queryOpts(sel Selector, parent *cdp.Node, all bool) ([]chromedp.QueryOption, error) {
	scope := parent
	if scope == nil {
		scope = s.frame
	}
	if sel.XPath {
		if scope != nil {
			return nil, fmt.Errorf("xpath selector %q cannot be scoped to an element", sel.Expr)
		}
		return []chromedp.QueryOption{chromedp.BySearch}, nil
	}

	opts := []chromedp.QueryOption{chromedp.ByQuery}
	if all {
		opts = []chromedp.QueryOption{chromedp.ByQueryAll}
	}
	if scope != nil {
		opts = append(opts, chromedp.FromNode(scope))
	}
	return opts, nil
}

// WaitFor blocks until an element matching role is present or timeout
// passes, and returns the first match.
func (s *BrowserSession) WaitFor(ctx context.Context, role crawler.Role, timeout time.Duration) (crawler.Element, error) {
	sel, err := s.selector(role)
	if err != nil {
		return nil, err
	}
	opts, err := s.queryOpts(sel, nil, false)
	if err != nil {
		return nil, err
	}

	var nodes []*cdp.Node
	if err := s.run(ctx, timeout, chromedp.Nodes(sel.Expr, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", role, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", crawler.ErrNotFound, role)
	}
	return nodes[0], nil
}

// FindAll returns every element currently matching role. No match is an
// empty slice, not an error.
func (s *BrowserSession) FindAll(ctx context.Context, role crawler.Role) ([]crawler.Element, error) {
	sel, err := s.selector(role)
	if err != nil {
		return nil, err
	}
	opts, err := s.queryOpts(sel, nil, true)
	if err != nil {
		return nil, err
	}
	opts = append(opts, chromedp.AtLeast(0))

	var nodes []*cdp.Node
	if err := s.run(ctx, s.actionTimeout, chromedp.Nodes(sel.Expr, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("finding %s: %w", role, err)
	}

	elements := make([]crawler.Element, len(nodes))
	for i, n := range nodes {
		elements[i] = n
	}
	return elements, nil
}

// FindWithin returns the first descendant of parent matching role, or
// crawler.ErrNotFound.
func (s *BrowserSession) FindWithin(ctx context.Context, parent crawler.Element, role crawler.Role) (crawler.Element, error) {
	parentNode, err := asNode(parent)
	if err != nil {
		return nil, err
	}
	sel, err := s.selector(role)
	if err != nil {
		return nil, err
	}
	opts, err := s.queryOpts(sel, parentNode, false)
	if err != nil {
		return nil, err
	}
	opts = append(opts, chromedp.AtLeast(0))

	var nodes []*cdp.Node
	if err := s.run(ctx, s.actionTimeout, chromedp.Nodes(sel.Expr, &nodes, opts...)); err != nil {
		return nil, fmt.Errorf("finding %s: %w", role, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", crawler.ErrNotFound, role)
	}
	return nodes[0], nil
}

// Click clicks el.
func (s *BrowserSession) Click(ctx context.Context, el crawler.Element) error {
	node, err := asNode(el)
	if err != nil {
		return err
	}
	return s.run(ctx, s.actionTimeout, chromedp.Click([]cdp.NodeID{node.NodeID}, chromedp.ByNodeID))
}

// Text returns the trimmed visible text of el.
func (s *BrowserSession) Text(ctx context.Context, el crawler.Element) (string, error) {
	node, err := asNode(el)
	if err != nil {
		return "", err
	}
	var text string
	err = s.run(ctx, s.actionTimeout, chromedp.Text([]cdp.NodeID{node.NodeID}, &text, chromedp.ByNodeID))
	return strings.TrimSpace(text), err
}

// Attribute reads href and src as resolved properties so relative links come
// back absolute; other names are read as raw attributes.
func (s *BrowserSession) Attribute(ctx context.Context, el crawler.Element, name string) (string, error) {
	node, err := asNode(el)
	if err != nil {
		return "", err
	}
	ids := []cdp.NodeID{node.NodeID}

	if name == "href" || name == "src" {
		var value string
		err := s.run(ctx, s.actionTimeout, chromedp.JavascriptAttribute(ids, name, &value, chromedp.ByNodeID))
		return value, err
	}

	var value string
	var ok bool
	if err := s.run(ctx, s.actionTimeout, chromedp.AttributeValue(ids, name, &value, &ok, chromedp.ByNodeID)); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: attribute %s", crawler.ErrNotFound, name)
	}
	return value, nil
}

// Fill types value into the input el.
func (s *BrowserSession) Fill(ctx context.Context, el crawler.Element, value string) error {
	node, err := asNode(el)
	if err != nil {
		return err
	}
	return s.run(ctx, s.actionTimeout, chromedp.SendKeys([]cdp.NodeID{node.NodeID}, value, chromedp.ByNodeID))
}

// SwitchInto scopes later lookups to the document of the iframe frame.
func (s *BrowserSession) SwitchInto(ctx context.Context, frame crawler.Element) error {
	node, err := asNode(frame)
	if err != nil {
		return err
	}
	s.frame = node
	return nil
}

// SwitchBack returns lookups to the top-level document.
func (s *BrowserSession) SwitchBack(ctx context.Context) error {
	s.frame = nil
	return nil
}

// TriggerDownload routes browser downloads to dir and navigates to url. A
// navigation that turns into a download is reported as aborted by Chrome and
// leaves the current page in place.
func (s *BrowserSession) TriggerDownload(ctx context.Context, url, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve download dir: %w", err)
	}

	err = s.run(ctx, s.pageTimeout,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(absDir).
			WithEventsEnabled(true),
		chromedp.Navigate(url),
	)
	if err != nil && !strings.Contains(err.Error(), "net::ERR_ABORTED") {
		return fmt.Errorf("failed to trigger download of %s: %w", url, err)
	}
	return nil
}

// Close shuts down the browser behind the session.
func (s *BrowserSession) Close() error {
	s.cancel()
	return nil
}

func asNode(el crawler.Element) (*cdp.Node, error) {
	node, ok := el.(*cdp.Node)
	if !ok || node == nil {
		return nil, fmt.Errorf("%w: element is not a browser node", crawler.ErrStaleSession)
	}
	return node, nil
}
