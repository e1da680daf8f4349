package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/centrum-dating/centrum/internal/observe"
	"github.com/centrum-dating/centrum/internal/storage"
)

// Recording format of captured user audio.
const (
	recordingSampleRate = 16000
	recordingChannels   = 1
)

func (rl *relay) finalizeOnce(ctx context.Context) {
	rl.finalize.Do(func() { rl.finalizeSession(ctx) })
}

// finalizeSession persists the session and reports the summary. Every step
// runs regardless of earlier failures.
func (rl *relay) finalizeSession(ctx context.Context) {
	rl.setState(StateTerminating)
	ctx, span := observe.StartSpan(ctx, "relay.finalize")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", rl.sess.ID()))

	var (
		errs      []error
		jsonPath  string
		audioPath string
	)
	step := func(name string, fn func() error) {
		if err := rl.runStep(ctx, name, fn); err != nil {
			errs = append(errs, err)
		}
	}

	step("close_upstream", func() error {
		if rl.upstream != nil {
			rl.upstream.Close()
		}
		return nil
	})
	step("complete", func() error {
		rl.sess.Complete(time.Now())
		return nil
	})
	// The recording is written first so the transcript can reference it.
	step("write_audio", func() error {
		pcm := rl.sess.Audio()
		if len(pcm) == 0 {
			return nil
		}
		p, err := rl.h.storage.Write(ctx, storage.RecordingKey(rl.sess.ID()), storage.EncodeWAV(pcm, recordingSampleRate, recordingChannels))
		if err != nil {
			return err
		}
		audioPath = p
		rl.sess.SetAudioPath(p)
		return nil
	})
	step("write_transcript", func() error {
		p, err := storage.WriteJSON(ctx, rl.h.storage, storage.ConversationKey(rl.sess.ID()), rl.sess.Transcript())
		if err != nil {
			return err
		}
		jsonPath = p
		return nil
	})
	step("upsert_profile", func() error { return rl.upsertProfile(ctx) })
	step("remove_session", func() error {
		rl.h.sessions.Remove(rl.sess.ID())
		return nil
	})

	profile := rl.sess.Profile()
	summary := Summary{
		Type:         MsgSessionEnded,
		SessionID:    rl.sess.ID(),
		MessageCount: rl.sess.TurnCount(),
		Profile:      profile,
		JSONPath:     jsonPath,
		AudioPath:    audioPath,
	}
	if err := writeClientJSON(ctx, rl.client, summary); err != nil {
		rl.log.Debug("summary not delivered", "err", err)
	}
	rl.client.Close(websocket.StatusNormalClosure, "session ended")

	outcome := "clean"
	if err := errors.Join(errs...); err != nil {
		outcome = "degraded"
		span.RecordError(err)
		span.SetStatus(codes.Error, "finalize degraded")
		rl.log.Error("session finalized with errors", "err", err)
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	rl.setState(StateTerminated)
	rl.h.metrics.SessionClosed(ctx, outcome, time.Since(rl.started))
	rl.log.Info("session finalized",
		"outcome", outcome,
		"turns", summary.MessageCount,
		"audio_chunks", rl.sess.AudioChunks(),
		"json_path", jsonPath,
		"audio_path", audioPath,
	)
}

// runStep runs one finalizer step, converting a panic into an error and
// counting failures.
func (rl *relay) runStep(ctx context.Context, name string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			rl.h.metrics.RecordFinalizeError(ctx, name)
		}
	}()
	return fn()
}

// upsertProfile sends the set profile fields to the profile store. Failures
// are returned for logging and never retried.
func (rl *relay) upsertProfile(ctx context.Context) error {
	userID := rl.sess.UserID()
	profile := rl.sess.Profile()
	if userID == "" || profile.IsEmpty() {
		rl.h.metrics.RecordProfileUpsert(ctx, "skipped")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, rl.h.upsertTimeout)
	defer cancel()
	if _, err := rl.h.profiles.Upsert(ctx, userID, profile.Fields()); err != nil {
		rl.h.metrics.RecordProfileUpsert(ctx, "error")
		return err
	}
	rl.h.metrics.RecordProfileUpsert(ctx, "ok")
	rl.log.Info("profile upserted", "user_id", userID)
	return nil
}
