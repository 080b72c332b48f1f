package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// SiteCatalog enumerates courses and outlines by driving a Session.
type SiteCatalog struct {
	CoursesURL     string
	Markers        OutlineMarkers
	ElementTimeout time.Duration
	PageTimeout    time.Duration
}

// NewSiteCatalog creates a catalog for the course listing at coursesURL.
func NewSiteCatalog(coursesURL string, elementTimeout, pageTimeout time.Duration) *SiteCatalog {
	return &SiteCatalog{
		CoursesURL:     coursesURL,
		Markers:        DefaultOutlineMarkers(),
		ElementTimeout: elementTimeout,
		PageTimeout:    pageTimeout,
	}
}

// Courses lists every course card. Cards that cannot be read are logged and
// skipped.
func (c *SiteCatalog) Courses(ctx context.Context, sess crawler.Session) ([]model.Course, error) {
	log.Info().Str("url", c.CoursesURL).Msg("Navigating to courses page")
	if err := sess.Navigate(ctx, c.CoursesURL); err != nil {
		return nil, err
	}
	if _, err := sess.WaitFor(ctx, crawler.RoleCourseCard, c.PageTimeout); err != nil {
		return nil, fmt.Errorf("no course cards found: %w", err)
	}

	cards, err := sess.FindAll(ctx, crawler.RoleCourseCard)
	if err != nil {
		return nil, err
	}

	var courses []model.Course
	for i, card := range cards {
		title, err := childText(ctx, sess, card, crawler.RoleCourseTitle)
		if err != nil {
			log.Warn().Err(err).Int("card", i).Msg("Error reading course card")
			continue
		}
		link, err := childAttr(ctx, sess, card, crawler.RoleCourseLink, "href")
		if err != nil {
			log.Warn().Err(err).Str("course", title).Msg("Error reading course link")
			continue
		}
		log.Info().Str("course", title).Msg("Found course")
		courses = append(courses, model.Course{Title: title, URL: link})
	}
	return courses, nil
}

// Outline expands the course outline and groups lessons under the module
// header that precedes them. Lessons before the first module are ignored.
func (c *SiteCatalog) Outline(ctx context.Context, sess crawler.Session, course model.Course) ([]model.Module, error) {
	if err := sess.Navigate(ctx, course.URL); err != nil {
		return nil, err
	}

	if expand, err := sess.WaitFor(ctx, crawler.RoleExpandOutline, c.ElementTimeout); err == nil {
		if err := sess.Click(ctx, expand); err != nil {
			log.Debug().Err(err).Msg("Could not click expand button")
		} else {
			log.Debug().Str("course", course.Title).Msg("Expanded course outline")
		}
	} else {
		log.Debug().Str("course", course.Title).Msg("Expand button not found")
	}

	if _, err := sess.WaitFor(ctx, crawler.RoleOutlineItem, c.PageTimeout); err != nil {
		return nil, fmt.Errorf("course outline not found: %w", err)
	}
	items, err := sess.FindAll(ctx, crawler.RoleOutlineItem)
	if err != nil {
		return nil, err
	}

	var modules []model.Module
	for _, item := range items {
		class, err := sess.Attribute(ctx, item, "class")
		if err != nil && !errors.Is(err, crawler.ErrNotFound) {
			return nil, err
		}

		switch {
		case strings.Contains(class, c.Markers.Module):
			title, err := childText(ctx, sess, item, crawler.RoleOutlineTitle)
			if err != nil {
				return nil, fmt.Errorf("unreadable module header: %w", err)
			}
			modules = append(modules, model.Module{Title: title})

		case strings.Contains(class, c.Markers.Lesson) && len(modules) > 0:
			title, err := childText(ctx, sess, item, crawler.RoleOutlineTitle)
			if err != nil {
				return nil, fmt.Errorf("unreadable lesson title: %w", err)
			}
			link, err := childAttr(ctx, sess, item, crawler.RoleOutlineLessonLink, "href")
			if err != nil {
				return nil, fmt.Errorf("lesson %q has no link: %w", title, err)
			}
			current := &modules[len(modules)-1]
			current.Lessons = append(current.Lessons, model.LessonRef{Title: title, URL: link})
		}
	}

	return modules, nil
}

func childText(ctx context.Context, sess crawler.Session, parent crawler.Element, role crawler.Role) (string, error) {
	el, err := sess.FindWithin(ctx, parent, role)
	if err != nil {
		return "", err
	}
	text, err := sess.Text(ctx, el)
	return strings.TrimSpace(text), err
}

func childAttr(ctx context.Context, sess crawler.Session, parent crawler.Element, role crawler.Role, name string) (string, error) {
	el, err := sess.FindWithin(ctx, parent, role)
	if err != nil {
		return "", err
	}
	return sess.Attribute(ctx, el, name)
}
