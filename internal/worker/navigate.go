package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/chromedp"

	"github.com/shehryarbajwa/applyx/pkg/models"
)

type navigatePayload struct {
	StartURL string `json:"startUrl"`
}

// NavigateAutomation opens the payload's startUrl, or defaultURL, and keeps
// the page open until cancelled. It performs no work units on its own and
// stands in until a real automation is wired.
func NavigateAutomation(defaultURL string) Automation {
	return func(ctx context.Context, cfg models.ConfigEnvelope, _ func(int)) error {
		url := defaultURL
		var p navigatePayload
		if len(cfg.Payload) > 0 && json.Unmarshal(cfg.Payload, &p) == nil && p.StartURL != "" {
			url = p.StartURL
		}

		if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
			return fmt.Errorf("navigate %s: %w", url, err)
		}

		<-ctx.Done()
		return nil
	}
}
