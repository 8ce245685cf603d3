package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Writer persists a finished call transcript and returns where it went.
type Writer interface {
	Persist(ctx context.Context, callID string, entries []Entry) (string, error)
}

// Summarizer condenses a flattened transcript into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// FileWriter writes one human-readable file per call.
type FileWriter struct {
	Dir        string
	Labels     Labeler
	Summarizer Summarizer
	Log        *logrus.Entry

	now func() time.Time
}

func NewFileWriter(dir string, labels Labeler, summarizer Summarizer, log *logrus.Entry) *FileWriter {
	return &FileWriter{
		Dir:        dir,
		Labels:     labels,
		Summarizer: summarizer,
		Log:        log,
		now:        time.Now,
	}
}

func (w *FileWriter) Persist(ctx context.Context, callID string, entries []Entry) (string, error) {
	if len(entries) == 0 {
		return "", errors.New("empty transcript")
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create transcript dir")
	}

	name := fmt.Sprintf("call_transcript_%s_%s.txt", w.now().Format("2006-01-02_15-04-05"), callID)
	path := filepath.Join(w.Dir, name)

	// O_EXCL keeps each record write-once.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "create transcript file")
	}
	defer f.Close()

	body := w.Labels.Flatten(entries, "\n\n") + "\n\n"
	if summary := w.summarize(ctx, callID, entries); summary != "" {
		body += "Summary:\n" + summary + "\n"
	}
	if _, err := f.WriteString(body); err != nil {
		return "", errors.Wrap(err, "write transcript")
	}

	if w.Log != nil {
		w.Log.WithField("call_id", callID).Infof("Transcript saved to %s", path)
	}
	return path, nil
}

func (w *FileWriter) summarize(ctx context.Context, callID string, entries []Entry) string {
	if w.Summarizer == nil {
		return ""
	}
	summary, err := w.Summarizer.Summarize(ctx, w.Labels.Flatten(entries, "\n"))
	if err != nil {
		if w.Log != nil {
			w.Log.WithField("call_id", callID).Warnf("transcript summary failed: %v", err)
		}
		return ""
	}
	return summary
}
