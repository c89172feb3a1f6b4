package metadata

import (
	"time"
	"unicode/utf8"

	"longform-studio/config"
	"longform-studio/types"
)

// Build combines the CTR and description bundles into upload metadata. The
// first title wins and is truncated to the configured length.
func Build(mc config.MetadataConfig, uc config.UploadConfig, ctr *types.CTRBundle, desc *types.DescriptionBundle, now time.Time) *types.VideoMetadata {
	md := &types.VideoMetadata{
		CategoryID:       mc.YouTubeCategoryID,
		Visibility:       uc.Visibility,
		ScheduledTimeUTC: NextUploadTime(now, mc.Timezone, mc.PublishHour),
	}
	if ctr != nil {
		if len(ctr.Titles) > 0 {
			md.Title = TruncateTitle(ctr.Titles[0], mc.TitleMaxChars)
		}
		md.ThumbnailPrompt = ctr.Thumbnail.AIImagePrompt
	}
	if desc != nil {
		md.Description = desc.Description
		md.Tags = desc.Tags
		if mc.TagsCount > 0 && len(md.Tags) > mc.TagsCount {
			md.Tags = md.Tags[:mc.TagsCount]
		}
	}
	return md
}

// TruncateTitle shortens a title to max runes, ending it with "...".
func TruncateTitle(title string, max int) string {
	if max <= 3 || utf8.RuneCountInString(title) <= max {
		return title
	}
	r := []rune(title)
	return string(r[:max-3]) + "..."
}

// NextUploadTime returns the next Tuesday or Friday at hour o'clock in the
// given timezone, formatted as RFC3339 UTC. An unknown timezone falls back
// to America/New_York, then UTC.
func NextUploadTime(now time.Time, tz string, hour int) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		if loc, err = time.LoadLocation("America/New_York"); err != nil {
			loc = time.UTC
		}
	}
	local := now.In(loc)

	for i := 1; i <= 7; i++ {
		candidate := local.AddDate(0, 0, i)
		wd := candidate.Weekday()
		if wd == time.Tuesday || wd == time.Friday {
			upload := time.Date(candidate.Year(), candidate.Month(), candidate.Day(), hour, 0, 0, 0, loc)
			return upload.UTC().Format(time.RFC3339)
		}
	}
	return now.UTC().Add(48 * time.Hour).Format(time.RFC3339)
}
