package agent

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/caesium-cloud/fleetline/internal/lifecycle"
	"github.com/caesium-cloud/fleetline/pkg/client"
	"github.com/caesium-cloud/fleetline/pkg/log"
	"github.com/google/uuid"
)

type fragmentKey struct {
	phase   lifecycle.Phase
	logType lifecycle.LogType
}

// uploader ships phase output to the server as numbered fragments. Each
// (phase, log type) pair is numbered independently from 0.
type uploader struct {
	ctx   context.Context
	api   API
	jobID uuid.UUID

	mu   sync.Mutex
	next map[fragmentKey]int
}

func newUploader(ctx context.Context, api API, jobID uuid.UUID) *uploader {
	return &uploader{ctx: ctx, api: api, jobID: jobID, next: make(map[fragmentKey]int)}
}

// Writer returns a writer whose writes become fragments of phase.
func (u *uploader) Writer(phase lifecycle.Phase, logType lifecycle.LogType) io.Writer {
	return &fragmentWriter{u: u, key: fragmentKey{phase: phase, logType: logType}}
}

func (u *uploader) upload(key fragmentKey, data []byte) {
	u.mu.Lock()
	number := u.next[key]
	u.next[key] = number + 1
	u.mu.Unlock()

	fragment := client.LogFragment{
		FragmentNumber: number,
		Timestamp:      time.Now().UTC(),
		Phase:          string(key.phase),
		LogData:        string(data),
	}
	if err := u.api.PostLog(u.ctx, u.jobID, string(key.logType), fragment); err != nil {
		log.Warn("failed to upload log fragment", "job_id", u.jobID, "phase", key.phase, "log_type", key.logType, "fragment", number, "error", err)
	}
}

type fragmentWriter struct {
	u   *uploader
	key fragmentKey
}

func (w *fragmentWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.u.upload(w.key, p)
	return len(p), nil
}
