package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/researchaccelerator-hub/lesson-harvester/crawler"
	"github.com/rs/zerolog/log"
)

// FormAuthenticator logs in by filling the site's username/password form.
type FormAuthenticator struct {
	LoginURL       string
	Credentials    crawler.Credentials
	ElementTimeout time.Duration
	// SettleTimeout bounds the wait for the post-login redirect.
	SettleTimeout time.Duration
	PollInterval  time.Duration
	// SuccessMarkers are URL fragments that indicate a logged-in page.
	SuccessMarkers []string
}

// NewFormAuthenticator builds an authenticator for <baseURL>/login.
func NewFormAuthenticator(baseURL string, creds crawler.Credentials, elementTimeout time.Duration) *FormAuthenticator {
	return &FormAuthenticator{
		LoginURL:       strings.TrimRight(baseURL, "/") + "/login",
		Credentials:    creds,
		ElementTimeout: elementTimeout,
		SettleTimeout:  15 * time.Second,
		PollInterval:   500 * time.Millisecond,
		SuccessMarkers: []string{"dashboard", "admin"},
	}
}

// AtLoginBoundary reports whether location is a login page.
func (a *FormAuthenticator) AtLoginBoundary(location string) bool {
	return strings.Contains(strings.ToLower(location), "login")
}

// Login submits the stored credentials and waits until the session lands on
// a page matching one of the success markers.
func (a *FormAuthenticator) Login(ctx context.Context, sess crawler.Session) error {
	log.Info().Str("session", sess.ID()).Msg("Logging in")

	if err := sess.Navigate(ctx, a.LoginURL); err != nil {
		return err
	}

	steps := []struct {
		role  crawler.Role
		value string
	}{
		{crawler.RoleLoginEmail, a.Credentials.Email},
		{crawler.RoleLoginPassword, a.Credentials.Password},
	}
	for _, step := range steps {
		el, err := sess.WaitFor(ctx, step.role, a.ElementTimeout)
		if err != nil {
			return fmt.Errorf("login form incomplete: %w", err)
		}
		if err := sess.Fill(ctx, el, step.value); err != nil {
			return fmt.Errorf("failed to fill %s: %w", step.role, err)
		}
	}

	submit, err := sess.WaitFor(ctx, crawler.RoleLoginSubmit, a.ElementTimeout)
	if err != nil {
		return fmt.Errorf("login form incomplete: %w", err)
	}
	if err := sess.Click(ctx, submit); err != nil {
		return fmt.Errorf("failed to submit login form: %w", err)
	}

	deadline := time.Now().Add(a.SettleTimeout)
	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	var location string
	for {
		location, err = sess.CurrentURL(ctx)
		if err == nil && a.loggedIn(location) {
			log.Info().Str("session", sess.ID()).Msg("Logged in successfully")
			return nil
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return fmt.Errorf("login failed, landed on %q; check credentials or 2FA", location)
}

func (a *FormAuthenticator) loggedIn(location string) bool {
	if a.AtLoginBoundary(location) {
		return false
	}
	for _, marker := range a.SuccessMarkers {
		if strings.Contains(location, marker) {
			return true
		}
	}
	return false
}
