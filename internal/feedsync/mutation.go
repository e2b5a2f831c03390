package feedsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

type Mutator interface {
	MarkRead(ctx context.Context, ids []int64) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
}

type MutationOptions struct {
	Logger   *slog.Logger
	Recorder Recorder
}

// MutationCoordinator applies read-state changes optimistically, then
// confirms them with the server or rolls them back.
type MutationCoordinator struct {
	api      Mutator
	recon    *Reconciler
	logger   *slog.Logger
	recorder Recorder
}

func NewMutationCoordinator(api Mutator, recon *Reconciler, opts MutationOptions) *MutationCoordinator {
	return &MutationCoordinator{
		api:      api,
		recon:    recon,
		logger:   loggerOrDiscard(opts.Logger),
		recorder: recorderOrNoop(opts.Recorder),
	}
}

// MarkOneRead marks id read locally before calling the server. On failure
// the pre-call state is restored and the *TransportError is returned.
func (m *MutationCoordinator) MarkOneRead(ctx context.Context, id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid notification id %d", id)
	}
	snap, found := m.recon.beginMarkOne(id)
	if !found {
		m.logger.Debug("marking notification outside local feed", slog.Int64("id", id))
	}
	unread, err := m.api.MarkRead(ctx, []int64{id})
	if err != nil {
		return m.fail("mark_one", transportErr("mark read", err), snap)
	}
	m.confirm("mark_one", snap.epoch, unread)
	return nil
}

func (m *MutationCoordinator) MarkAllRead(ctx context.Context) error {
	snap := m.recon.beginMarkAll()
	unread, err := m.api.MarkAllRead(ctx)
	if err != nil {
		return m.fail("mark_all", transportErr("mark all read", err), snap)
	}
	m.confirm("mark_all", snap.epoch, unread)
	return nil
}

// confirm applies the server's count. Concurrent mutations race here and
// the last response to arrive wins.
func (m *MutationCoordinator) confirm(op string, epoch uint64, unread int) {
	if err := m.recon.ResyncCounter(epoch, unread); errors.Is(err, ErrStaleResponse) {
		m.logger.Debug("discarding stale mutation response", slog.String("op", op))
	}
}

func (m *MutationCoordinator) fail(op string, err error, snap mutationSnapshot) error {
	if rbErr := m.recon.rollback(snap); rbErr != nil {
		m.logger.Debug("mutation failed after reset; nothing to roll back", slog.String("op", op))
		return err
	}
	m.recorder.MutationRolledBack(op)
	m.logger.Warn("mutation failed; optimistic change rolled back",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return err
}
