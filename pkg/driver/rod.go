package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	apperrors "github.com/halverson/courier/pkg/errors"
)

// Selectors for the web client UI. Centralized so a markup change is a
// one-file fix.
const (
	selSearchBox   = `[data-testid="chat-list-search"]`
	selSearchHit   = `[data-testid="search-result"]`
	selComposer    = `[data-testid="conversation-compose-input"]`
	selSendButton  = `[data-testid="compose-send"]`
	selContactPane = `[data-testid="contact-list"]`
	selContactRow  = `[data-testid="contact-row"]`
	selContactName = `[data-testid="contact-name"]`
	selContactTel  = `[data-testid="contact-phone"]`
)

// rodRuntime drives a shared Chromium process; each session is its own
// incognito page so logins never bleed across sessions.
type rodRuntime struct {
	cfg      Config
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewRodRuntime launches the browser and connects to it.
func NewRodRuntime(cfg Config) (Runtime, error) {
	l := launcher.New().Headless(cfg.Headless)
	if cfg.ChromeBin != "" {
		l = l.Bin(cfg.ChromeBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeResourceUnavailable, "failed to launch browser")
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeResourceUnavailable, "failed to connect to browser")
	}

	return &rodRuntime{cfg: cfg, launcher: l, browser: browser}, nil
}

func (rt *rodRuntime) NewSession(ctx context.Context, cfg SessionConfig) (Session, error) {
	url := cfg.URL
	if url == "" {
		url = rt.cfg.TargetURL
	}

	incognito, err := rt.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, classify(err, apperrors.ErrCodeNavigation, "failed to open incognito context")
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, classify(err, apperrors.ErrCodeNavigation, "failed to open page")
	}
	if err := page.Timeout(rt.cfg.NavTimeout).WaitLoad(); err != nil {
		page.Close()
		return nil, classify(err, apperrors.ErrCodeNavigation, "page did not finish loading")
	}

	return &rodSession{
		id:   cfg.SessionID,
		page: page,
		cfg:  rt.cfg,
	}, nil
}

func (rt *rodRuntime) Close() error {
	err := rt.browser.Close()
	rt.launcher.Cleanup()
	return err
}

type rodSession struct {
	id   string
	page *rod.Page
	cfg  Config
}

func (s *rodSession) ID() string { return s.id }

func (s *rodSession) HandleID() string {
	return string(s.page.TargetID)
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	page := s.page.Context(ctx).Timeout(s.cfg.NavTimeout)
	if err := page.Navigate(url); err != nil {
		return classify(err, apperrors.ErrCodeNavigation, fmt.Sprintf("failed to navigate to %s", url))
	}
	if err := page.WaitLoad(); err != nil {
		return classify(err, apperrors.ErrCodeNavigation, "page did not finish loading")
	}
	return nil
}

// SendMessage opens the conversation for the recipient and submits one
// message. Callers own pacing between consecutive calls.
func (s *rodSession) SendMessage(ctx context.Context, recipient, message string) error {
	page := s.page.Context(ctx).Timeout(s.cfg.ActionTimeout)

	search, err := page.Element(selSearchBox)
	if err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "search box not found")
	}
	if err := search.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "failed to focus search box")
	}
	if err := search.Input(recipient); err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "failed to type recipient")
	}

	hit, err := page.Element(selSearchHit)
	if err != nil {
		return classify(err, apperrors.ErrCodeInteraction, fmt.Sprintf("no conversation found for %s", recipient))
	}
	if err := hit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "failed to open conversation")
	}

	composer, err := page.Element(selComposer)
	if err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "composer not found")
	}
	if err := composer.Input(message); err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "failed to type message")
	}

	// Prefer the send button; fall back to Enter when the markup
	// variant in play has no dedicated button.
	if send, err := page.Element(selSendButton); err == nil {
		if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return classify(err, apperrors.ErrCodeInteraction, "failed to click send")
		}
	} else if err := page.Keyboard.Press(input.Enter); err != nil {
		return classify(err, apperrors.ErrCodeInteraction, "failed to submit message")
	}

	if s.cfg.SettleDelay > 0 {
		page.WaitIdle(s.cfg.SettleDelay)
	}
	return nil
}

// FetchContacts reads the contact pane and parses it off the live DOM.
func (s *rodSession) FetchContacts(ctx context.Context) ([]Contact, error) {
	page := s.page.Context(ctx).Timeout(s.cfg.ActionTimeout)

	if _, err := page.Element(selContactPane); err != nil {
		return nil, classify(err, apperrors.ErrCodeExtraction, "contact pane not found")
	}

	html, err := page.HTML()
	if err != nil {
		return nil, classify(err, apperrors.ErrCodeExtraction, "failed to read page content")
	}
	return parseContacts(html)
}

func (s *rodSession) Close() error {
	return s.page.Close()
}

// parseContacts extracts contact rows from a rendered contact pane.
func parseContacts(html string) ([]Contact, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeExtraction, "failed to parse page content")
	}

	contacts := []Contact{}
	doc.Find(selContactRow).Each(func(_ int, row *goquery.Selection) {
		contact := Contact{
			Name:  strings.TrimSpace(row.Find(selContactName).Text()),
			Phone: strings.TrimSpace(row.Find(selContactTel).Text()),
		}
		if id, ok := row.Attr("data-contact-id"); ok {
			contact.ID = strings.TrimSpace(id)
		}
		if contact.Name == "" && contact.Phone == "" {
			return
		}
		contacts = append(contacts, contact)
	})
	return contacts, nil
}

// classify wraps a runtime error with the right code and retryability.
// Deadline and cancellation failures are transient: the page may simply
// not have settled yet, and a later attempt can succeed.
func classify(err error, code apperrors.ErrorCode, msg string) error {
	wrapped := apperrors.Wrap(err, code, msg)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return wrapped.WithRetryable(true)
	}
	if strings.Contains(err.Error(), "cannot find element") {
		// rod reports missing elements this way once the timeout ran
		// out; treat like a slow page rather than a hard failure.
		return wrapped.WithRetryable(true)
	}
	return wrapped
}
