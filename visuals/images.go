package visuals

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"longform-studio/config"
	"longform-studio/retry"
	"longform-studio/types"
)

// ErrNoImages is returned when not a single shot got an image.
var ErrNoImages = errors.New("no shot images could be fetched")

// minImageBytes rejects error pages served with a 200.
const minImageBytes = 100

// maxPromptRunes keeps image URLs within what the service accepts.
const maxPromptRunes = 1200

const qualityModifiers = "no text, no watermark, cinematic lighting"

// ImageFetcher renders shot prompts to images through Pollinations (no key
// needed). Existing images are reused so a rerun only fetches what is missing.
type ImageFetcher struct {
	client      *http.Client
	baseURL     string
	width       int
	height      int
	concurrency int
	log         *zap.Logger

	Attempts retry.Policy
}

func NewImageFetcher(cfg config.VisualsConfig, client *http.Client, logger *zap.Logger) *ImageFetcher {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.ImageBaseURL
	if base == "" {
		base = "https://image.pollinations.ai/prompt"
	}
	return &ImageFetcher{
		client:      client,
		baseURL:     strings.TrimRight(base, "/"),
		width:       max(cfg.ImageWidth, 1),
		height:      max(cfg.ImageHeight, 1),
		concurrency: max(cfg.ImageConcurrency, 1),
		log:         logger.Named("images"),
		Attempts:    retry.Policy{MaxAttempts: 3, Backoff: retry.Linear(3 * time.Second)},
	}
}

// URL builds the image URL for a shot. The seed is derived from the shot id
// so a rerun asks for the same picture.
func (f *ImageFetcher) URL(shot types.ShotPrompt) string {
	prompt := []rune(shot.Prompt)
	if len(prompt) > maxPromptRunes {
		prompt = prompt[:maxPromptRunes]
	}
	q := url.Values{}
	q.Set("width", fmt.Sprint(f.width))
	q.Set("height", fmt.Sprint(f.height))
	q.Set("nologo", "true")
	q.Set("model", "flux")
	q.Set("seed", fmt.Sprint(shot.ID*42+7))
	return f.baseURL + "/" + url.PathEscape(string(prompt)+", "+qualityModifiers) + "?" + q.Encode()
}

// FetchAll fetches every shot's image into dir and returns the shots with
// ImageFile set. A shot whose image failed keeps an empty ImageFile; only a
// run where every shot failed is an error.
func (f *ImageFetcher) FetchAll(ctx context.Context, shots []types.ShotPrompt, dir string) ([]types.ShotPrompt, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	out := make([]types.ShotPrompt, len(shots))
	copy(out, shots)

	var fetched atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for i := range out {
		i := i
		g.Go(func() error {
			shot := &out[i]
			dest := filepath.Join(dir, fmt.Sprintf("shot_%03d.jpg", shot.ID))
			if fi, err := os.Stat(dest); err == nil && fi.Size() > 1000 {
				f.log.Debug("[visuals] reusing image", zap.Int("shot", shot.ID))
				shot.ImageFile = dest
				fetched.Add(1)
				return nil
			}
			if err := f.Fetch(gctx, *shot, dest); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.log.Warn("[visuals] ⚠️ image failed", zap.Int("shot", shot.ID), zap.Error(err))
				return nil
			}
			shot.ImageFile = dest
			fetched.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) > 0 && fetched.Load() == 0 {
		return out, ErrNoImages
	}
	f.log.Info("[visuals] ✅ images ready", zap.Int32("fetched", fetched.Load()), zap.Int("shots", len(out)))
	return out, nil
}

// Fetch downloads one shot image to dest.
func (f *ImageFetcher) Fetch(ctx context.Context, shot types.ShotPrompt, dest string) error {
	if strings.TrimSpace(shot.Prompt) == "" {
		return fmt.Errorf("shot %d has no image prompt", shot.ID)
	}
	imageURL := f.URL(shot)
	return f.Attempts.Do(ctx, func(ctx context.Context, attempt int) error {
		err := f.download(ctx, imageURL, dest)
		if err != nil {
			f.log.Debug("[visuals] image attempt failed", zap.Int("shot", shot.ID), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
}

func (f *ImageFetcher) download(ctx context.Context, imageURL, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LongformStudio/1.0)")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d from image service", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) < minImageBytes {
		return fmt.Errorf("response too small (%d bytes)", len(data))
	}
	return os.WriteFile(dest, data, 0644)
}
