// Package crawler defines the collaborator boundary between the harvest
// core and the concrete site driver, authenticator and byte fetcher.
package crawler

import (
	"context"
	"errors"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/model"
)

var (
	// ErrTimeout means an element or page did not appear in time.
	ErrTimeout = errors.New("timed out waiting for element")
	// ErrNotFound means the page loaded but the element is not on it.
	ErrNotFound = errors.New("element not found")
	// ErrStaleSession means the session can no longer be driven and must be
	// refreshed or replaced.
	ErrStaleSession = errors.New("stale session")
)

// Role names a kind of page element independent of the markup that renders it.
type Role int

const (
	RoleRichText Role = iota
	RoleEditorFrame
	RoleEditorBody
	RoleThumbnail
	RoleNoVideo
	RoleVideoActions
	RoleVideoLink
	RoleAttachment
	RoleAttachmentTitle
	RoleAttachmentLink
	RoleLoginEmail
	RoleLoginPassword
	RoleLoginSubmit
	RoleCourseCard
	RoleCourseTitle
	RoleCourseLink
	RoleExpandOutline
	RoleOutlineItem
	RoleOutlineTitle
	RoleOutlineLessonLink
)

var roleNames = map[Role]string{
	RoleRichText:          "rich-text",
	RoleEditorFrame:       "editor-frame",
	RoleEditorBody:        "editor-body",
	RoleThumbnail:         "thumbnail",
	RoleNoVideo:           "no-video",
	RoleVideoActions:      "video-actions",
	RoleVideoLink:         "video-link",
	RoleAttachment:        "attachment",
	RoleAttachmentTitle:   "attachment-title",
	RoleAttachmentLink:    "attachment-link",
	RoleLoginEmail:        "login-email",
	RoleLoginPassword:     "login-password",
	RoleLoginSubmit:       "login-submit",
	RoleCourseCard:        "course-card",
	RoleCourseTitle:       "course-title",
	RoleCourseLink:        "course-link",
	RoleExpandOutline:     "expand-outline",
	RoleOutlineItem:       "outline-item",
	RoleOutlineTitle:      "outline-title",
	RoleOutlineLessonLink: "outline-lesson-link",
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "unknown"
}

// Element is an opaque handle to a located page element. It is only valid
// for the session that returned it.
type Element interface{}

// Session is one navigable browsing session. A session is owned by a single
// lesson task at a time and is not safe for concurrent use.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)

	// WaitFor blocks until an element with role appears, returning ErrTimeout
	// if it does not appear within timeout.
	WaitFor(ctx context.Context, role Role, timeout time.Duration) (Element, error)
	// FindAll returns every element with role currently on the page; an
	// empty slice is not an error.
	FindAll(ctx context.Context, role Role) ([]Element, error)
	// FindWithin returns the first element with role under parent or ErrNotFound.
	FindWithin(ctx context.Context, parent Element, role Role) (Element, error)

	Click(ctx context.Context, el Element) error
	Text(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	Fill(ctx context.Context, el Element, value string) error

	// SwitchInto scopes subsequent lookups to the document inside frame
	// until SwitchBack is called.
	SwitchInto(ctx context.Context, frame Element) error
	SwitchBack(ctx context.Context) error

	// TriggerDownload asks the browser to download url into dir. It returns
	// once the download has started, not when it has finished.
	TriggerDownload(ctx context.Context, url, dir string) error

	Close() error
}

// SessionFactory creates fresh, unauthenticated sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Credentials are the stored login details.
type Credentials struct {
	Email    string
	Password string
}

// Authenticator logs a session in and recognises login redirects.
type Authenticator interface {
	Login(ctx context.Context, sess Session) error
	AtLoginBoundary(location string) bool
}

// Fetcher streams a URL to a local file.
type Fetcher interface {
	FetchToFile(ctx context.Context, url, dest string) error
}

// Catalog enumerates courses and their module/lesson outlines.
type Catalog interface {
	Courses(ctx context.Context, sess Session) ([]model.Course, error)
	Outline(ctx context.Context, sess Session, course model.Course) ([]model.Module, error)
}
