package backend

import (
	"context"
	"log/slog"
)

// Direct is used when no backend is configured: the realtime endpoint is
// fixed and the end-of-session calls only log.
type Direct struct {
	URL string
}

// ConnectURL returns d.URL for every session.
func (d Direct) ConnectURL(context.Context, string) (string, error) { return d.URL, nil }

// EndSession logs the transcript size.
func (d Direct) EndSession(_ context.Context, id string, req EndRequest) error {
	slog.Info("session ended (no backend)", "session_id", id, "entries", len(req.Transcript), "elapsed_seconds", req.ElapsedSeconds)
	return nil
}

// UploadRecording discards the recording.
func (d Direct) UploadRecording(_ context.Context, id, mimeType string, data []byte) error {
	slog.Debug("recording not uploaded (no backend)", "session_id", id, "mime", mimeType, "bytes", len(data))
	return nil
}
