package crawl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/researchaccelerator-hub/lesson-harvester/common"
	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/researchaccelerator-hub/lesson-harvester/model"
	"github.com/rs/zerolog/log"
)

var errEmptyDescription = errors.New("description is empty")

func (r *LessonRunner) fetchDescription(ctx context.Context, run *lessonRun) model.ArtifactStatus {
	var text string
	res := r.policy("description "+run.item.Key.Lesson, r.cfg.RetryDelay, refresher(run.sess), KindPage).Do(ctx, func(ctx context.Context, attempt int) error {
		t, err := r.readDescription(ctx, run.sess)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if res.Status != model.StatusSuccess {
		if res.Exhausted() {
			r.exhausted(run, common.DescriptionFileName, run.item.URL, res)
		}
		return res.Status
	}

	path, err := common.ReserveUniquePath(run.item.Dir, common.DescriptionFileName)
	if err != nil {
		r.failures.Add(run.item.Key, common.DescriptionFileName, run.item.URL, err.Error())
		return model.StatusFailed
	}
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		common.ReleaseReservation(path)
		r.failures.Add(run.item.Key, common.DescriptionFileName, run.item.URL, fmt.Sprintf("failed to write description: %v", err))
		return model.StatusFailed
	}

	log.Info().Str("file", path).Msg("Description saved")
	return model.StatusSuccess
}

// readDescription prefers the inline rich-text block and falls back to the
// body of the embedded editor frame.
func (r *LessonRunner) readDescription(ctx context.Context, sess crawler.Session) (string, error) {
	if el, err := sess.WaitFor(ctx, crawler.RoleRichText, r.cfg.ElementTimeout); err == nil {
		text, err := sess.Text(ctx, el)
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text), nil
		}
	}

	frame, err := sess.WaitFor(ctx, crawler.RoleEditorFrame, r.cfg.ElementTimeout)
	if err != nil {
		return "", fmt.Errorf("description not found: %w", err)
	}
	if err := sess.SwitchInto(ctx, frame); err != nil {
		return "", fmt.Errorf("failed to enter description frame: %w", err)
	}
	defer func() {
		if err := sess.SwitchBack(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to leave description frame")
		}
	}()

	body, err := sess.WaitFor(ctx, crawler.RoleEditorBody, r.cfg.ElementTimeout)
	if err != nil {
		return "", fmt.Errorf("description editor body not found: %w", err)
	}
	text, err := sess.Text(ctx, body)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errEmptyDescription
	}
	return text, nil
}
