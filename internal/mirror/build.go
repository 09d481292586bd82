package mirror

import (
	"fmt"
	"log/slog"
	"time"

	"mirrorbot/internal/config"
	"mirrorbot/internal/platform/manifold"
	"mirrorbot/internal/question"
)

// buildCreateRequest assembles the market creation call for a question.
// Markets always start at even odds; traders move the price from there.
func buildCreateRequest(cfg *config.Config, q question.Question, now time.Time) manifold.CreateMarketRequest {
	closeTime := q.EndDate.Add(24 * time.Hour)
	if !q.EndDate.After(now) {
		slog.Warn("source question end date is in the past, closing a week from now",
			"source", q.Source, "id", q.SourceID)
		closeTime = now.Add(7 * 24 * time.Hour)
	}
	return manifold.CreateMarketRequest{
		OutcomeType:         "BINARY",
		Question:            buildTitle(cfg.Manifold.Template, q),
		DescriptionMarkdown: buildDescription(cfg.Manifold.Template, q),
		CloseTime:           closeTime.UnixMilli(),
		InitialProb:         50,
		GroupIDs:            groupIDsFor(cfg, q.Source),
	}
}

// buildTitle prefixes the source name and truncates from the middle so the
// trailing characters survive. Titles often end in the discriminating part
// ("... in March 2026?"), so the tail is worth more than the middle.
func buildTitle(tmpl config.TemplateConfig, q question.Question) string {
	title := fmt.Sprintf("[%s] %s", q.Source, q.Title)
	if len(title) <= tmpl.MaxTitleLength {
		return title
	}
	slog.Warn("truncating market title", "from", len(title), "to", tmpl.MaxTitleLength)
	cut := tmpl.MaxTitleLength - tmpl.TitleRetainEndChars - 3
	if cut < 0 {
		cut = 0
	}
	return title[:cut] + "..." + title[len(title)-tmpl.TitleRetainEndChars:]
}

func buildDescription(tmpl config.TemplateConfig, q question.Question) string {
	embed := ""
	if html := q.EmbedHTML(); html != "" {
		embed = "\n\n" + html
	}
	desc := fmt.Sprintf(
		"### %s\n\nResolves the same as [the original on %s](%s).%s\n\n---\n\n",
		q.Title, q.Source, q.SourceURL, embed,
	)
	if q.Criteria != "" {
		desc += fmt.Sprintf("**Resolution criteria**\n\n%s\n\n---\n\n", q.Criteria)
	}
	desc += tmpl.DescriptionFooter
	if len(desc) > tmpl.MaxDescriptionLength {
		slog.Warn("truncating market description", "from", len(desc), "to", tmpl.MaxDescriptionLength)
		desc = desc[:tmpl.MaxDescriptionLength-3] + "..."
	}
	return desc
}

func groupIDsFor(cfg *config.Config, src question.Source) []string {
	switch src {
	case question.Metaculus:
		return cfg.Metaculus.AddGroupIDs
	case question.Kalshi:
		return cfg.Kalshi.AddGroupIDs
	}
	return nil
}

func maxClonesPerDay(cfg *config.Config, src question.Source) int {
	switch src {
	case question.Metaculus:
		return cfg.Metaculus.MaxClonesPerDay
	case question.Kalshi:
		return cfg.Kalshi.MaxClonesPerDay
	}
	return 0
}
