package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterDestination("File Writer", newWriter)
}

// writer persists encoded content to a file per message. The filename
// template substitutes ${messageId} and ${channelId}.
type writer struct {
	directory string
	template  string
	appendTo  bool
}

func newWriter(settings connector.Settings) (connector.Destination, error) {
	var directory = settings.Properties.String("directory", "")
	if directory == "" {
		return nil, fmt.Errorf("file writer requires a directory")
	}
	return &writer{
		directory: directory,
		template:  settings.Properties.String("filename", "${messageId}.dat"),
		appendTo:  settings.Properties.Bool("append", false),
	}, nil
}

func (w *writer) Start(ctx context.Context) error {
	return os.MkdirAll(w.directory, 0o755)
}

func (w *writer) Stop(ctx context.Context) error { return nil }

func (w *writer) Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error) {
	var name = strings.NewReplacer(
		"${messageId}", fmt.Sprintf("%d", cm.MessageID),
		"${channelId}", cm.ChannelID,
	).Replace(w.template)
	var path = filepath.Join(w.directory, name)

	var flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	defer f.Close()
	if _, err = f.WriteString(encoded); err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	return &message.Response{Status: message.Sent, StatusMessage: "wrote " + path}, nil
}
