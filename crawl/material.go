package crawl

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

type attachment struct {
	name string
	url  string
}

// fetchMaterial enumerates attachments and downloads each one in the
// background. No attachments resolves to None.
func (r *LessonRunner) fetchMaterial(ctx context.Context, run *lessonRun) {
	var entries []attachment
	res := r.policy("materials "+run.item.Key.Lesson, r.cfg.RetryDelay, refresher(run.sess), KindPage).Do(ctx, func(ctx context.Context, attempt int) error {
		found, err := r.listAttachments(ctx, run.sess)
		if err != nil {
			return err
		}
		entries = found
		return nil
	})
	if res.Status != model.StatusSuccess {
		if res.Exhausted() {
			r.exhausted(run, "materials", run.item.URL, res)
		}
		run.results[model.ArtifactMaterial] = res.Status
		return
	}

	for _, entry := range entries {
		entry := entry
		filename := materialFileName(entry.name, entry.url)
		log.Info().Str("lesson", run.item.Key.Lesson).Str("file", filename).Msg("Downloading material")
		run.spawn(ctx, model.ArtifactMaterial, func(ctx context.Context) model.ArtifactStatus {
			return r.download(ctx, run, entry.url, filename)
		})
	}
}

func (r *LessonRunner) listAttachments(ctx context.Context, sess crawler.Session) ([]attachment, error) {
	sections, err := sess.FindAll(ctx, crawler.RoleAttachment)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no material sections", ErrAbsent)
	}

	var entries []attachment
	for i, section := range sections {
		titleEl, err := sess.FindWithin(ctx, section, crawler.RoleAttachmentTitle)
		if err != nil {
			log.Warn().Err(err).Int("section", i).Msg("Error processing material resource")
			continue
		}
		name, err := sess.Text(ctx, titleEl)
		if err != nil {
			log.Warn().Err(err).Int("section", i).Msg("Error processing material resource")
			continue
		}
		linkEl, err := sess.FindWithin(ctx, section, crawler.RoleAttachmentLink)
		if err != nil {
			log.Warn().Err(err).Str("material", name).Msg("Material has no download link")
			continue
		}
		href, err := sess.Attribute(ctx, linkEl, "href")
		if err != nil || strings.TrimSpace(href) == "" {
			log.Warn().Err(err).Str("material", name).Msg("Material has no download link")
			continue
		}
		entries = append(entries, attachment{name: strings.TrimSpace(name), url: href})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no downloadable materials", ErrAbsent)
	}
	return entries, nil
}

// materialFileName builds "<sanitised display name><ext of url path>".
func materialFileName(display, rawURL string) string {
	ext := ""
	if u, err := url.Parse(rawURL); err == nil {
		ext = path.Ext(u.Path)
	} else {
		ext = path.Ext(strings.SplitN(rawURL, "?", 2)[0])
	}

	name := common.SanitizeFileName(display)
	if strings.TrimSpace(name) == "" {
		name = "material"
	}
	return name + ext
}
