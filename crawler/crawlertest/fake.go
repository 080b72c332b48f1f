// Package crawlertest provides an in-memory site for exercising code that
// drives crawler.Session without a browser.
package crawlertest

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
)

// Node is a fake page element.
type Node struct {
	Text     string
	Attrs    map[string]string
	Children map[crawler.Role][]*Node
	// OnClick runs when the node is clicked.
	OnClick func(sess *Session)
}

// Page is the set of elements reachable on one URL. A node listed under
// RoleEditorFrame exposes its Children once the session switches into it.
type Page struct {
	Roles map[crawler.Role][]*Node
}

// Download describes what TriggerDownload produces for one URL.
type Download struct {
	Name    string
	Content []byte
	// Delay, when set, writes Name+".crdownload" first and renames it to
	// Name after Delay, imitating a browser download in progress.
	Delay time.Duration
	Err   error
}

// Site is a fake remote site. It is safe for concurrent use by many sessions.
type Site struct {
	mu          sync.Mutex
	pages       map[string]*Page
	redirects   map[string]string
	downloads   map[string]Download
	navigations map[string]int
	sessions    int64
}

// NewSite creates an empty site.
func NewSite() *Site {
	return &Site{
		pages:       make(map[string]*Page),
		redirects:   make(map[string]string),
		downloads:   make(map[string]Download),
		navigations: make(map[string]int),
	}
}

// AddPage registers the elements served at u.
func (s *Site) AddPage(u string, page *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[u] = page
}

// RedirectOnce makes the next navigation to from land on to instead.
func (s *Site) RedirectOnce(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[from] = to
}

// AddDownload registers the file produced when u is downloaded.
func (s *Site) AddDownload(u string, d Download) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads[u] = d
}

// Navigations returns how many times u was navigated to.
func (s *Site) Navigations(u string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.navigations[u]
}

// TotalNavigations returns the number of navigations across all URLs.
func (s *Site) TotalNavigations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.navigations {
		total += n
	}
	return total
}

// NewSession implements crawler.SessionFactory.
func (s *Site) NewSession(ctx context.Context) (crawler.Session, error) {
	return s.Session(), nil
}

// Session returns a new concrete session.
func (s *Site) Session() *Session {
	id := atomic.AddInt64(&s.sessions, 1)
	return &Session{site: s, id: fmt.Sprintf("fake-%d", id)}
}

func (s *Site) visit(u string) (string, *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations[u]++
	if to, ok := s.redirects[u]; ok {
		delete(s.redirects, u)
		u = to
	}
	return u, s.pages[u]
}

// Session is a fake crawler.Session bound to a Site.
type Session struct {
	site      *Site
	id        string
	mu        sync.Mutex
	location  string
	page      *Page
	frame     *Node
	closed    bool
	refreshes int
}

func (f *Session) ID() string { return f.id }

func (f *Session) Navigate(ctx context.Context, u string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	location, page := f.site.visit(u)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = location
	f.page = page
	f.frame = nil
	if page == nil {
		return fmt.Errorf("navigate %s: 404", u)
	}
	return nil
}

func (f *Session) Refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.frame = nil
	return nil
}

// SetLocation moves the session without a navigation, e.g. after a form submit.
func (f *Session) SetLocation(u string) {
	f.site.mu.Lock()
	page := f.site.pages[u]
	f.site.mu.Unlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.location = u
	f.page = page
}

// Refreshes returns how many times Refresh was called.
func (f *Session) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *Session) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.location, nil
}

func (f *Session) lookup(role crawler.Role) []*Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frame != nil {
		return f.frame.Children[role]
	}
	if f.page == nil {
		return nil
	}
	return f.page.Roles[role]
}

func (f *Session) WaitFor(ctx context.Context, role crawler.Role, timeout time.Duration) (crawler.Element, error) {
	nodes := f.lookup(role)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", crawler.ErrTimeout, role)
	}
	return nodes[0], nil
}

func (f *Session) FindAll(ctx context.Context, role crawler.Role) ([]crawler.Element, error) {
	nodes := f.lookup(role)
	elements := make([]crawler.Element, len(nodes))
	for i, n := range nodes {
		elements[i] = n
	}
	return elements, nil
}

func (f *Session) FindWithin(ctx context.Context, parent crawler.Element, role crawler.Role) (crawler.Element, error) {
	node, err := asNode(parent)
	if err != nil {
		return nil, err
	}
	children := node.Children[role]
	if len(children) == 0 {
		return nil, fmt.Errorf("%w: %s", crawler.ErrNotFound, role)
	}
	return children[0], nil
}

func (f *Session) Click(ctx context.Context, el crawler.Element) error {
	node, err := asNode(el)
	if err != nil {
		return err
	}
	if node.OnClick != nil {
		node.OnClick(f)
	}
	return nil
}

func (f *Session) Text(ctx context.Context, el crawler.Element) (string, error) {
	node, err := asNode(el)
	if err != nil {
		return "", err
	}
	return node.Text, nil
}

func (f *Session) Attribute(ctx context.Context, el crawler.Element, name string) (string, error) {
	node, err := asNode(el)
	if err != nil {
		return "", err
	}
	value, ok := node.Attrs[name]
	if !ok {
		return "", fmt.Errorf("%w: attribute %s", crawler.ErrNotFound, name)
	}
	return value, nil
}

func (f *Session) Fill(ctx context.Context, el crawler.Element, value string) error {
	node, err := asNode(el)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if node.Attrs == nil {
		node.Attrs = make(map[string]string)
	}
	node.Attrs["value"] = value
	return nil
}

func (f *Session) SwitchInto(ctx context.Context, frame crawler.Element) error {
	node, err := asNode(frame)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = node
	return nil
}

func (f *Session) SwitchBack(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frame = nil
	return nil
}

// InFrame reports whether lookups are currently scoped to a frame.
func (f *Session) InFrame() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame != nil
}

func (f *Session) TriggerDownload(ctx context.Context, u, dir string) error {
	f.site.mu.Lock()
	d, ok := f.site.downloads[u]
	f.site.mu.Unlock()
	if !ok {
		return fmt.Errorf("no download registered for %s", u)
	}
	if d.Err != nil {
		return d.Err
	}

	name := d.Name
	if name == "" {
		parsed, err := url.Parse(u)
		if err != nil {
			return err
		}
		name = path.Base(parsed.Path)
	}
	final := filepath.Join(dir, name)

	if d.Delay <= 0 {
		return os.WriteFile(final, d.Content, 0644)
	}

	partial := final + ".crdownload"
	if err := os.WriteFile(partial, d.Content, 0644); err != nil {
		return err
	}
	go func() {
		time.Sleep(d.Delay)
		_ = os.Rename(partial, final)
	}()
	return nil
}

func (f *Session) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Session) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func asNode(el crawler.Element) (*Node, error) {
	node, ok := el.(*Node)
	if !ok || node == nil {
		return nil, fmt.Errorf("%w: not a fake node", crawler.ErrStaleSession)
	}
	return node, nil
}
