// Package upload publishes the finished video through the YouTube Data API.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"

	"longform-studio/config"
	"longform-studio/types"
)

// ErrMissingCredentials is returned when the OAuth client or refresh token is unset.
var ErrMissingCredentials = errors.New("YOUTUBE_CLIENT_ID, YOUTUBE_CLIENT_SECRET or YOUTUBE_REFRESH_TOKEN not set")

// Uploader handles YouTube video upload via Data API v3
type Uploader struct {
	cfg  config.UploadConfig
	log  *zap.Logger
	opts []option.ClientOption
}

func New(cfg *config.Config, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{cfg: cfg.Upload, log: logger.Named("upload")}
}

// WithClientOptions replaces the OAuth client with explicit API options.
func (u *Uploader) WithClientOptions(opts ...option.ClientOption) *Uploader {
	u.opts = opts
	return u
}

// Upload sends the video with its metadata, then sets the thumbnail when
// metadata names one. A thumbnail failure is logged, not returned.
func (u *Uploader) Upload(ctx context.Context, videoFile string, meta *types.VideoMetadata) (*types.UploadResult, error) {
	u.log.Info("[upload] authenticating with YouTube API")
	svc, err := u.service(ctx)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(videoFile)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}
	defer f.Close()
	if fi, err := f.Stat(); err == nil {
		u.log.Info("[upload] uploading", zap.String("title", meta.Title), zap.Float64("mb", float64(fi.Size())/1024/1024))
	}

	video, err := svc.Videos.Insert([]string{"snippet", "status"}, BuildVideo(meta, u.cfg)).
		NotifySubscribers(u.cfg.NotifySubscribers).
		Media(f).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube upload: %w", err)
	}
	res := &types.UploadResult{
		VideoID:  video.Id,
		VideoURL: "https://www.youtube.com/watch?v=" + video.Id,
	}
	u.log.Info("[upload] ✅ uploaded", zap.String("id", res.VideoID), zap.String("url", res.VideoURL))

	if meta.ThumbnailFile != "" {
		if err := u.setThumbnail(ctx, svc, res.VideoID, meta.ThumbnailFile); err != nil {
			u.log.Warn("[upload] ⚠️ thumbnail not set", zap.Error(err))
		}
	}
	return res, nil
}

func (u *Uploader) setThumbnail(ctx context.Context, svc *youtube.Service, videoID, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = svc.Thumbnails.Set(videoID).Media(f).Context(ctx).Do()
	return err
}

func (u *Uploader) service(ctx context.Context) (*youtube.Service, error) {
	opts := u.opts
	if len(opts) == 0 {
		client, err := u.oauthClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("youtube auth: %w", err)
		}
		opts = []option.ClientOption{option.WithHTTPClient(client)}
	}
	svc, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("youtube service: %w", err)
	}
	return svc, nil
}

// oauthClient refreshes an access token from the stored refresh token.
func (u *Uploader) oauthClient(ctx context.Context) (*http.Client, error) {
	if u.cfg.ClientID == "" || u.cfg.ClientSecret == "" || u.cfg.RefreshToken == "" {
		return nil, ErrMissingCredentials
	}
	conf := &oauth2.Config{
		ClientID:     u.cfg.ClientID,
		ClientSecret: u.cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{youtube.YoutubeUploadScope, youtube.YoutubeScope},
	}
	token := &oauth2.Token{
		RefreshToken: u.cfg.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour), // force refresh
	}
	return conf.Client(ctx, token), nil
}

// BuildVideo maps metadata onto the API resource. A scheduled public video is
// uploaded private with a publishAt, which is how YouTube schedules.
func BuildVideo(meta *types.VideoMetadata, cfg config.UploadConfig) *youtube.Video {
	visibility := meta.Visibility
	if visibility == "" {
		visibility = cfg.Visibility
	}
	status := &youtube.VideoStatus{
		PrivacyStatus:           visibility,
		SelfDeclaredMadeForKids: cfg.MadeForKids,
		ForceSendFields:         []string{"SelfDeclaredMadeForKids"},
	}
	if meta.ScheduledTimeUTC != "" && visibility == "public" {
		status.PrivacyStatus = "private"
		status.PublishAt = meta.ScheduledTimeUTC
	}
	return &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:                meta.Title,
			Description:          meta.Description,
			Tags:                 meta.Tags,
			CategoryId:           meta.CategoryID,
			DefaultLanguage:      cfg.DefaultLanguage,
			DefaultAudioLanguage: cfg.DefaultLanguage,
		},
		Status: status,
	}
}

// SaveLog writes upload_<timestamp>.json into dir and returns its path.
func SaveLog(dir string, res *types.UploadResult, videoFile string, meta *types.VideoMetadata, now time.Time) (string, error) {
	entry := map[string]any{
		"video_id":      res.VideoID,
		"video_url":     res.VideoURL,
		"title":         meta.Title,
		"scheduled_utc": meta.ScheduledTimeUTC,
		"uploaded_at":   now.UTC().Format(time.RFC3339),
		"video_file":    videoFile,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("upload_%s.json", now.Format("20060102_150405")))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}
