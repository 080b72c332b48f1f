package client

import (
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
)

// Selector locates elements of one role. XPath selectors only work for
// page-wide lookups; scoped lookups (FindWithin, inside frames) need CSS.
type Selector struct {
	Expr  string `mapstructure:"expr" yaml:"expr"`
	XPath bool   `mapstructure:"xpath" yaml:"xpath"`
}

// Layout maps element roles to selectors for one site's markup.
type Layout map[crawler.Role]Selector

// OutlineMarkers are the class fragments that tell module headers from
// lesson rows in a course outline.
type OutlineMarkers struct {
	Module string
	Lesson string
}

// DefaultLayout returns the selectors for the course admin markup the
// harvester was built against.
func DefaultLayout() Layout {
	return Layout{
		crawler.RoleRichText:          {Expr: "div.kjb-rte"},
		crawler.RoleEditorFrame:       {Expr: "iframe"},
		crawler.RoleEditorBody:        {Expr: "body#tinymce"},
		crawler.RoleThumbnail:         {Expr: "img.img-thumbnail"},
		crawler.RoleNoVideo:           {Expr: `//button[.//em[text()="None"] and contains(@class, "sage-choice--active")]`, XPath: true},
		crawler.RoleVideoActions:      {Expr: `//button[contains(., "Video Actions") or contains(., "video actions")]`, XPath: true},
		crawler.RoleVideoLink:         {Expr: `a[href*=".mp4"].sage-dropdown__item-control--icon-download`},
		crawler.RoleAttachment:        {Expr: "section.sage-sortable__item--card"},
		crawler.RoleAttachmentTitle:   {Expr: "h1.sage-sortable__item-title"},
		crawler.RoleAttachmentLink:    {Expr: "a.sage-btn--icon-only-download"},
		crawler.RoleLoginEmail:        {Expr: "#username"},
		crawler.RoleLoginPassword:     {Expr: "#password"},
		crawler.RoleLoginSubmit:       {Expr: `button[type="submit"]`},
		crawler.RoleCourseCard:        {Expr: "li.sage-catalog-item"},
		crawler.RoleCourseTitle:       {Expr: "span.t-sage--truncate"},
		crawler.RoleCourseLink:        {Expr: "a.sage-link"},
		crawler.RoleExpandOutline:     {Expr: `//button[.//span[contains(text(), "Expand All")]]`, XPath: true},
		crawler.RoleOutlineItem:       {Expr: "section.kjb-outlinelist-item"},
		crawler.RoleOutlineTitle:      {Expr: "span.sage-btn__truncate-text"},
		crawler.RoleOutlineLessonLink: {Expr: `a[href*="/admin/posts/"]`},
	}
}

// DefaultOutlineMarkers matches DefaultLayout.
func DefaultOutlineMarkers() OutlineMarkers {
	return OutlineMarkers{
		Module: "kjb-outlinelist-item--category",
		Lesson: "kjb-outlinelist-item--depth-1",
	}
}
