package crawl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

// StagingPrefix names the per-attempt directories browser downloads land in.
const StagingPrefix = ".staging-"

func (r *LessonRunner) fetchVideo(ctx context.Context, run *lessonRun) model.ArtifactStatus {
	res := r.policy("video "+run.item.Key.Lesson, r.cfg.VideoRetryDelay, refresher(run.sess), KindVideo).Do(ctx, func(ctx context.Context, attempt int) error {
		log.Info().Str("lesson", run.item.Key.Lesson).Int("attempt", attempt).Int("max_attempts", r.cfg.Attempts).Msg("Attempting video download")
		return r.downloadVideo(ctx, run)
	})
	if res.Exhausted() {
		r.exhausted(run, run.item.Key.Lesson+common.DefaultVideoExt, run.item.URL, res)
	}
	return res.Status
}

// downloadVideo is one video attempt: recover a lost login, honour the
// "no video" marker, accept an existing file, otherwise download through the
// browser into a staging directory and move the result into place.
func (r *LessonRunner) downloadVideo(ctx context.Context, run *lessonRun) error {
	sess := run.sess
	if err := r.ensureAuthenticated(ctx, sess, run.item.URL); err != nil {
		return err
	}

	markers, err := sess.FindAll(ctx, crawler.RoleNoVideo)
	if err != nil {
		log.Debug().Err(err).Msg("No-video marker lookup failed")
	} else if len(markers) > 0 {
		log.Info().Str("lesson", run.item.Key.Lesson).Msg("Video skipped (None selected)")
		return ErrAbsent
	}

	expected := filepath.Join(run.item.Dir, run.item.Key.Lesson+common.DefaultVideoExt)
	if common.FileNonEmpty(expected) {
		log.Info().Str("file", expected).Msg("Video already exists and valid")
		return nil
	}

	actions, err := sess.WaitFor(ctx, crawler.RoleVideoActions, r.cfg.ElementTimeout)
	if err != nil {
		return fmt.Errorf("video actions control not found: %w", err)
	}
	if err := sess.Click(ctx, actions); err != nil {
		return fmt.Errorf("failed to open video actions: %w", err)
	}

	link, err := sess.WaitFor(ctx, crawler.RoleVideoLink, r.cfg.ElementTimeout)
	if err != nil {
		return fmt.Errorf("video download link not found: %w", err)
	}
	href, err := sess.Attribute(ctx, link, "href")
	if err != nil {
		return err
	}
	if strings.TrimSpace(href) == "" {
		return errors.New("video download link is empty")
	}

	staging := filepath.Join(run.item.Dir, StagingPrefix+uuid.New().String()[:8])
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := sess.TriggerDownload(ctx, href, staging); err != nil {
		return err
	}

	downloaded, err := WaitForDownload(ctx, staging, r.cfg.VideoWait, r.cfg.DownloadPoll)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(downloaded))
	if !common.VideoExts.Has(downloaded) {
		ext = common.DefaultVideoExt
	}
	dest, err := common.ReserveUniquePath(run.item.Dir, run.item.Key.Lesson+ext)
	if err != nil {
		return err
	}
	if err := os.Rename(downloaded, dest); err != nil {
		common.ReleaseReservation(dest)
		return fmt.Errorf("failed to move video into place: %w", err)
	}

	log.Info().Str("file", dest).Msg("Downloaded video")
	return nil
}
