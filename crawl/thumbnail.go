package crawl

import (
	"context"
	"errors"
	"strings"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// fetchThumbnail locates the preview image and queues its download in the
// background. The artifact is resolved when the lesson joins its fetches.
func (r *LessonRunner) fetchThumbnail(ctx context.Context, run *lessonRun) {
	var src string
	res := r.policy("thumbnail "+run.item.Key.Lesson, r.cfg.RetryDelay, refresher(run.sess), KindPage).Do(ctx, func(ctx context.Context, attempt int) error {
		el, err := run.sess.WaitFor(ctx, crawler.RoleThumbnail, r.cfg.ElementTimeout)
		if err != nil {
			return err
		}
		s, err := run.sess.Attribute(ctx, el, "src")
		if err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			return errors.New("thumbnail has no source")
		}
		src = s
		return nil
	})

	filename := run.item.Key.Lesson + common.ThumbnailExt
	if res.Status != model.StatusSuccess {
		if res.Exhausted() {
			r.exhausted(run, filename, run.item.URL, res)
		}
		run.results[model.ArtifactThumbnail] = res.Status
		return
	}

	run.spawn(ctx, model.ArtifactThumbnail, func(ctx context.Context) model.ArtifactStatus {
		return r.download(ctx, run, src, filename)
	})
	log.Info().Str("lesson", run.item.Key.Lesson).Msg("Thumbnail queued for download")
}
