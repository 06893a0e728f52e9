// Package file implements the file transport: a polling directory
// reader source and a file writer destination.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterSource("File Reader", newReader)
}

// reader polls a directory and dispatches each matching file as one raw
// message. Processed files are deleted or moved aside so a file is
// consumed exactly once per poll cycle.
type reader struct {
	connector.SourceBase

	directory    string
	pattern      string
	pollInterval time.Duration
	// afterProcess is "delete" or "move"; move targets processedDir.
	afterProcess string
	processedDir string
	errorDir     string

	cancel context.CancelFunc
	done   chan struct{}
}

func newReader(settings connector.Settings) (connector.Source, error) {
	var directory = settings.Properties.String("directory", "")
	if directory == "" {
		return nil, fmt.Errorf("file reader requires a directory")
	}
	var r = &reader{
		directory:    directory,
		pattern:      settings.Properties.String("pattern", "*"),
		pollInterval: settings.Properties.Duration("pollInterval", 5*time.Second),
		afterProcess: settings.Properties.String("afterProcess", "delete"),
		processedDir: settings.Properties.String("processedDirectory", ""),
		errorDir:     settings.Properties.String("errorDirectory", ""),
	}
	r.ChannelID = settings.ChannelID
	r.Name = settings.Name
	return r, nil
}

func (r *reader) Start(ctx context.Context) error {
	if r.done != nil {
		return nil
	}
	if _, err := os.Stat(r.directory); err != nil {
		return fmt.Errorf("file reader directory: %w", err)
	}
	var pollCtx context.Context
	pollCtx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.poll(pollCtx)
	return nil
}

func (r *reader) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("file reader drain: %w", ctx.Err())
	}
	r.cancel, r.done = nil, nil
	return nil
}

func (r *reader) poll(ctx context.Context) {
	defer close(r.done)
	var ticker = time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if r.Paused() {
			continue
		}
		if err := r.sweep(ctx); err != nil {
			log.WithFields(log.Fields{"channel": r.ChannelID, "err": err}).Warn("file poll failed")
		}
	}
}

// sweep processes every matching file, oldest first.
func (r *reader) sweep(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(r.directory, r.pattern))
	if err != nil {
		return err
	}
	sort.Strings(matches)

	for _, path := range matches {
		if ctx.Err() != nil {
			return nil
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithFields(log.Fields{"channel": r.ChannelID, "file": path, "err": err}).Warn("file read failed")
			continue
		}

		connector.MessagesReceivedCounter.WithLabelValues(r.ChannelID, "File Reader").Inc()
		result, err := r.Dispatch(ctx, &message.RawMessage{
			Data: string(data),
			SourceMap: map[string]interface{}{
				"originalFilename": filepath.Base(path),
				"fileDirectory":    r.directory,
				"fileSize":         info.Size(),
			},
		})
		if err != nil || result.Status == message.Error {
			r.dispose(path, r.errorDir)
			continue
		}
		r.dispose(path, r.processedDir)
	}
	return nil
}

// dispose moves the consumed file aside, or deletes it when no target
// directory applies.
func (r *reader) dispose(path, dir string) {
	if r.afterProcess == "move" && dir != "" {
		var target = filepath.Join(dir, filepath.Base(path))
		if err := os.Rename(path, target); err == nil {
			return
		}
	}
	if err := os.Remove(path); err != nil {
		log.WithFields(log.Fields{"channel": r.ChannelID, "file": path, "err": err}).Warn("file dispose failed")
	}
}
