package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuducos/idm"
	"github.com/schollz/progressbar/v3"
)

func humanSize(s float64) string {
	size, unit := func(s float64) (float64, string) {
		m := []string{"B", "kB", "MB", "GB", "TB"}
		i := 0
		b := 1000.0
		for s >= b && i < len(m)-1 {
			s = s / b
			i++
		}
		return s, m[i]
	}(s)
	return fmt.Sprintf("%.1f%s", size, unit)
}

type downloadProgress struct {
	bar       *progressbar.ProgressBar
	startedAt time.Time
	resumedAt uint64 // bytes already on disk when the download started
	status    idm.DownloadStatus
}

func (p *downloadProgress) String() string {
	elapsed := time.Since(p.startedAt)
	done := p.status.DownloadedFileBytes - p.resumedAt
	return fmt.Sprintf(
		"Downloaded %s of %s in %s\t%s/s",
		humanSize(float64(done)),
		humanSize(float64(p.status.FileSizeBytes)),
		elapsed.Round(time.Second),
		humanSize(float64(done)/elapsed.Seconds()),
	)
}

func (p *downloadProgress) update(s idm.DownloadStatus) {
	if p.bar == nil && s.FileSizeBytes > 0 {
		p.resumedAt = s.DownloadedFileBytes
		p.bar = progressbar.DefaultBytes(int64(s.FileSizeBytes), "downloading "+filepath.Base(s.DownloadedFilePath))
	}
	if p.bar != nil {
		p.bar.Set64(int64(s.DownloadedFileBytes))
	}
	p.status = s
}

func (p *downloadProgress) finish() {
	if p.bar != nil {
		p.bar.Finish()
		fmt.Println()
	}
}

func newProgress() *downloadProgress {
	return &downloadProgress{startedAt: time.Now()}
}
