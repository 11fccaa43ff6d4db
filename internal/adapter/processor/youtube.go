package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cwygoda/distillery/internal/domain"
)

// YouTubeDownloader fetches the job's video with yt-dlp into the job's
// work directory. Its payload is the path of the downloaded file.
type YouTubeDownloader struct {
	cmd *CommandExecutor
}

// NewYouTubeDownloader creates a downloader using the given yt-dlp binary.
func NewYouTubeDownloader(binary string) *YouTubeDownloader {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &YouTubeDownloader{cmd: &CommandExecutor{
		stage:   domain.StatusDownloading,
		command: binary,
		args:    []string{"--no-progress", "-o", "{workdir}/%(id)s.%(ext)s", "{url}"},
	}}
}

func (d *YouTubeDownloader) Execute(ctx context.Context, jc *domain.JobContext) (domain.StageOutput, error) {
	if jc.WorkDir == "" {
		return domain.StageOutput{}, domain.NewStageError(domain.StatusDownloading, "downloads need a work directory", nil)
	}
	if _, err := d.cmd.Execute(ctx, jc); err != nil {
		return domain.StageOutput{}, err
	}

	path, err := findDownload(jc.WorkDir, jc.Job.VideoID())
	if err != nil {
		return domain.StageOutput{}, domain.NewStageError(domain.StatusDownloading, "downloaded file not found", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.StageOutput{}, fmt.Errorf("stat download: %w", err)
	}
	return domain.StageOutput{
		Payload: path,
		Detail:  fmt.Sprintf("downloaded %s (%d bytes)", filepath.Base(path), info.Size()),
	}, nil
}

// findDownload returns the file in dir named after videoID, or the only
// regular file when no name matches.
func findDownload(dir, videoID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if videoID != "" && name[:len(name)-len(filepath.Ext(name))] == videoID {
			return filepath.Join(dir, name), nil
		}
		files = append(files, name)
	}
	if len(files) == 1 {
		return filepath.Join(dir, files[0]), nil
	}
	return "", fmt.Errorf("%d candidate files in %s", len(files), dir)
}
