package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"longform-studio/config"
	"longform-studio/types"
)

type memStore struct {
	objects map[string]string
	types   map[string]string
	failOn  string
}

func (m *memStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if m.failOn != "" && strings.HasSuffix(key, m.failOn) {
		return errors.New("access denied")
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return errors.New("size mismatch")
	}
	m.objects[bucket+"/"+key] = string(data)
	m.types[key] = contentType
	return nil
}

func writeRun(t *testing.T) (*types.PipelineRun, string) {
	t.Helper()
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}
	run := &types.PipelineRun{
		RunID:     "abcd1234",
		VideoFile: write("final_video.mp4", "video"),
		Voice: &types.VoiceTrack{
			AudioPath: write("voice_final.mp3", "audio"),
			SRTPath:   write("voice_final.srt", "1\n"),
		},
		Metadata: &types.VideoMetadata{ThumbnailFile: filepath.Join(dir, "missing.jpg")},
	}
	write("run.json", "{}")
	return run, dir
}

func TestFiles(t *testing.T) {
	run, dir := writeRun(t)
	got := Files(run, dir)
	var names []string
	for _, f := range got {
		names = append(names, filepath.Base(f))
	}
	if strings.Join(names, ",") != "final_video.mp4,voice_final.mp3,voice_final.srt,run.json" {
		t.Fatalf("files = %v", names)
	}
}

func TestPublish(t *testing.T) {
	run, dir := writeRun(t)
	m := &memStore{objects: map[string]string{}, types: map[string]string{}}
	p := NewPublisher(m, config.ArtifactsConfig{Bucket: "studio", Prefix: "runs"}, nil)

	keys, err := p.Publish(context.Background(), run, dir)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(keys) != 4 || keys[0] != "runs/abcd1234/final_video.mp4" {
		t.Fatalf("keys = %v", keys)
	}
	if m.objects["studio/runs/abcd1234/voice_final.mp3"] != "audio" {
		t.Fatalf("objects = %v", m.objects)
	}
	if m.types["runs/abcd1234/voice_final.srt"] != "application/x-subrip" || m.types["runs/abcd1234/final_video.mp4"] != "video/mp4" {
		t.Fatalf("content types = %v", m.types)
	}
}

func TestPublishStopsOnError(t *testing.T) {
	run, dir := writeRun(t)
	m := &memStore{objects: map[string]string{}, types: map[string]string{}, failOn: "voice_final.srt"}
	keys, err := NewPublisher(m, config.ArtifactsConfig{Bucket: "b"}, nil).Publish(context.Background(), run, dir)
	if err == nil || len(keys) != 2 {
		t.Fatalf("keys = %v, err = %v", keys, err)
	}
}
