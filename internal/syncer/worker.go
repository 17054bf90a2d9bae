package syncer

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"walletsync/internal/async"
	"walletsync/internal/protocol"
	"walletsync/internal/store"
	"walletsync/internal/transport"
)

const (
	// defaultSyncInterval is the period of the self-healing upload pass.
	defaultSyncInterval = 5 * time.Second

	// defaultDebounceInterval is how long the worker waits after the last
	// inbound op-log arrival before flushing the buffer in one batch.
	defaultDebounceInterval = 1500 * time.Millisecond
)

// Config tunes the worker's timers. Zero values take the defaults.
type Config struct {
	SyncInterval     time.Duration
	DebounceInterval time.Duration
}

// Worker is the sync orchestrator. One event goroutine owns the debounce
// buffer and all collaborator calls; the transport channel, the interval
// timer, and the debounce timer are its only inputs. Construct it once in
// the composition root; Start is guarded so repeated calls cannot spawn a
// second loop.
type Worker struct {
	logger    *slog.Logger
	svc       *Service
	repo      Repository
	transport Transport
	inval     Invalidator

	syncInterval     time.Duration
	debounceInterval time.Duration

	buffer *async.Queue[store.OperationLogEntry]

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	intervalOn atomic.Bool

	mu          sync.Mutex
	state       transport.ConnState
	subscribers map[int]func(transport.ConnState)
	nextSubID   int
}

// NewWorker wires the orchestrator. inval may be nil when the host has no
// cached views to refresh.
func NewWorker(svc *Service, repo Repository, tr Transport, inval Invalidator, cfg Config, logger *slog.Logger) *Worker {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}

	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaultDebounceInterval
	}

	return &Worker{
		logger:           logger,
		svc:              svc,
		repo:             repo,
		transport:        tr,
		inval:            inval,
		syncInterval:     cfg.SyncInterval,
		debounceInterval: cfg.DebounceInterval,
		buffer:           async.NewQueue[store.OperationLogEntry](),
		done:             make(chan struct{}),
		state:            transport.StateClosed,
		subscribers:      make(map[int]func(transport.ConnState)),
	}
}

// Start connects the transport and launches the event loop. Subsequent
// calls are no-ops.
func (w *Worker) Start(ctx context.Context) error {
	var err error

	w.startOnce.Do(func() {
		if err = w.transport.Init(ctx); err != nil {
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx)
		}()
	})

	return err
}

// Close stops the event loop and the transport. Safe to call more than
// once; after Close no timers or goroutines remain.
func (w *Worker) Close() error {
	var err error

	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		err = w.transport.Close()
	})

	return err
}

// StartIntervalSync enables the periodic upload pass.
func (w *Worker) StartIntervalSync() {
	w.intervalOn.Store(true)
}

// StopIntervalSync disables the periodic upload pass. Rows stay in their
// uploadable states and are picked up when the pass is re-enabled.
func (w *Worker) StopIntervalSync() {
	w.intervalOn.Store(false)
}

// State returns the last connection state reported by the transport.
func (w *Worker) State() transport.ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// OnConnectionStateChange registers cb, invokes it immediately with the
// current state, and returns an unsubscribe function that is safe to call
// more than once.
func (w *Worker) OnConnectionStateChange(cb func(transport.ConnState)) func() {
	w.mu.Lock()
	id := w.nextSubID
	w.nextSubID++
	w.subscribers[id] = cb
	state := w.state
	w.mu.Unlock()

	cb(state)

	var once sync.Once

	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subscribers, id)
			w.mu.Unlock()
		})
	}
}

// run is the event loop. The debounce timer starts disarmed and is
// re-armed on every inbound op-log arrival; the interval timer is
// re-armed with jitter after each pass so a fleet of devices does not
// pound the server in lockstep.
func (w *Worker) run(ctx context.Context) {
	interval := time.NewTimer(w.jitteredInterval())
	defer interval.Stop()

	debounce := time.NewTimer(w.debounceInterval)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case msg := <-w.transport.Messages():
			w.handleMessage(ctx, msg, debounce)

		case msg := <-w.transport.Internals():
			w.handleMessage(ctx, msg, debounce)

		case <-interval.C:
			if w.intervalOn.Load() && w.State() == transport.StateOpen {
				w.pushPending(ctx)
			}

			interval.Reset(w.jitteredInterval())

		case <-debounce.C:
			w.flushBuffer()

		case <-ctx.Done():
			return

		case <-w.done:
			return
		}
	}
}

// jitteredInterval spreads the sync period uniformly within ±50%.
func (w *Worker) jitteredInterval() time.Duration {
	return w.syncInterval/2 + rand.N(w.syncInterval)
}

func (w *Worker) handleMessage(ctx context.Context, msg protocol.Message, debounce *time.Timer) {
	switch msg.Type {
	case protocol.TypeInternal:
		w.handleInternal(ctx, msg)

	case protocol.TypeEvent:
		w.handleEvent(msg, debounce)

	case protocol.TypeDocument:
		w.handleDocument(msg, debounce)

	case protocol.TypeError:
		body, err := msg.DecodeError()
		if err != nil {
			w.logger.Warn("undecodable error message", slog.String("error", err.Error()))
			return
		}

		w.logger.Warn("server reported error",
			slog.String("code", body.Code),
			slog.String("message", body.Message),
		)

	default:
		w.logger.Debug("unexpected message type", slog.String("type", string(msg.Type)))
	}
}

func (w *Worker) handleInternal(ctx context.Context, msg protocol.Message) {
	in, err := msg.DecodeInternal()
	if err != nil {
		w.logger.Warn("undecodable internal message", slog.String("error", err.Error()))
		return
	}

	switch in.Op {
	case protocol.InternalConnectionStateUpdate:
		state := transport.ConnState(in.State)
		w.setState(state)

		if state == transport.StateOpen {
			w.catchUp(ctx)
		}

	case protocol.InternalInit:
		w.logger.Info("transport ready")

	case protocol.InternalClose:
		w.logger.Info("transport closed")

	default:
		w.logger.Debug("unexpected internal op", slog.String("op", in.Op))
	}
}

// setState records the transport state and notifies subscribers outside
// the lock, so a callback can re-subscribe without deadlocking.
func (w *Worker) setState(state transport.ConnState) {
	w.mu.Lock()
	if w.state == state {
		w.mu.Unlock()
		return
	}

	w.state = state

	cbs := make([]func(transport.ConnState), 0, len(w.subscribers))
	for _, cb := range w.subscribers {
		cbs = append(cbs, cb)
	}
	w.mu.Unlock()

	for _, cb := range cbs {
		cb(state)
	}
}

// handleEvent routes a server broadcast. An event echoing this device's
// own upload is an acknowledgment; anything else is inbound data.
func (w *Worker) handleEvent(msg protocol.Message, debounce *time.Timer) {
	ev, err := msg.DecodeEvent()
	if err != nil {
		w.logger.Warn("undecodable event", slog.String("error", err.Error()))
		return
	}

	switch ev.Type {
	case protocol.EventOpLogCreated:
		var batch protocol.OpLogBatch
		if err := json.Unmarshal(ev.Data, &batch); err != nil {
			w.logger.Warn("undecodable op log event", slog.String("error", err.Error()))
			return
		}

		if msg.SelfOriginated(w.svc.DeviceID()) {
			w.ackOpLogs(batch, msg.SentAt)
			return
		}

		w.bufferOpLogs(batch, debounce)

	case protocol.EventSnapshotCreated:
		var dto protocol.SnapshotDTO
		if err := json.Unmarshal(ev.Data, &dto); err != nil {
			w.logger.Warn("undecodable snapshot event", slog.String("error", err.Error()))
			return
		}

		if msg.SelfOriginated(w.svc.DeviceID()) {
			w.ackSnapshot(dto, msg.SentAt)
			return
		}

		// Another device published a backup. Nothing to apply locally;
		// snapshots are only pulled on cold bootstrap.
		w.logger.Info("snapshot created elsewhere",
			slog.String("snapshot_id", dto.ID),
			slog.String("device_id", dto.DeviceID),
		)

	default:
		w.logger.Debug("unexpected event type", slog.String("type", ev.Type))
	}
}

// handleDocument routes a direct server response by its topic.
func (w *Worker) handleDocument(msg protocol.Message, debounce *time.Timer) {
	switch msg.Destination {
	case protocol.TopicOpLogGetResponse:
		var batch protocol.OpLogBatch
		if err := json.Unmarshal(msg.Body, &batch); err != nil {
			w.logger.Warn("undecodable op log response", slog.String("error", err.Error()))
			return
		}

		w.logger.Info("catch-up response", slog.Int("op_logs", len(batch.OpLogs)))
		w.bufferOpLogs(batch, debounce)

	case protocol.TopicSnapshotLatest:
		var dto protocol.SnapshotDTO
		if err := json.Unmarshal(msg.Body, &dto); err != nil {
			w.logger.Warn("undecodable snapshot response", slog.String("error", err.Error()))
			return
		}

		w.restoreSnapshot(dto)

	default:
		w.logger.Debug("unexpected document", slog.String("destination", msg.Destination))
	}
}

// ackOpLogs marks this device's echoed rows done and moves its own
// cursor past them.
func (w *Worker) ackOpLogs(batch protocol.OpLogBatch, ts time.Time) {
	for _, dto := range batch.OpLogs {
		ackAt := ts
		if dto.UploadAt != nil {
			ackAt = *dto.UploadAt
		}

		if err := w.repo.UpdateOpLogStatus(dto.LocalID, store.StatusDone, ackAt); err != nil {
			w.logger.Warn("marking op log done",
				slog.String("local_id", dto.LocalID),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := w.repo.AdvanceDeviceSyncSequence(dto.DeviceID, dto.Sequence); err != nil {
			w.logger.Warn("advancing own cursor",
				slog.String("device_id", dto.DeviceID),
				slog.String("error", err.Error()),
			)
		}

		w.logger.Debug("op log acknowledged",
			slog.String("local_id", dto.LocalID),
			slog.Uint64("sequence", dto.Sequence),
		)
	}
}

func (w *Worker) ackSnapshot(dto protocol.SnapshotDTO, ts time.Time) {
	ackAt := ts
	if dto.UploadAt != nil {
		ackAt = *dto.UploadAt
	}

	if err := w.repo.UpdateSnapshotStatus(dto.ID, store.StatusDone, ackAt); err != nil {
		w.logger.Warn("marking snapshot done",
			slog.String("snapshot_id", dto.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("snapshot acknowledged", slog.String("snapshot_id", dto.ID))
}

// bufferOpLogs decrypts inbound entries into the debounce buffer and
// re-arms the timer. A row that fails to decrypt is dropped with a log;
// the rest of the batch still lands.
func (w *Worker) bufferOpLogs(batch protocol.OpLogBatch, debounce *time.Timer) {
	buffered := 0

	for _, dto := range batch.OpLogs {
		entry, err := w.svc.DecryptOpLog(dto)
		if err != nil {
			w.logger.Warn("dropping undecryptable op log",
				slog.String("local_id", dto.LocalID),
				slog.String("device_id", dto.DeviceID),
				slog.String("error", err.Error()),
			)

			continue
		}

		w.buffer.Enqueue(entry)
		buffered++
	}

	if buffered == 0 {
		return
	}

	if !debounce.Stop() {
		select {
		case <-debounce.C:
		default:
		}
	}
	debounce.Reset(w.debounceInterval)
}

// flushBuffer drains the debounce buffer, inserts the batch ordered by
// (device, sequence), advances the cursors, and invalidates the touched
// query keys. The buffer stays empty whatever fails below; the next
// catch-up query re-fetches anything lost.
func (w *Worker) flushBuffer() {
	entries := w.buffer.Drain()
	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DeviceID != entries[j].DeviceID {
			return entries[i].DeviceID < entries[j].DeviceID
		}

		return entries[i].Sequence < entries[j].Sequence
	})

	w.logGaps(entries)

	res, err := w.repo.InsertFetchedOpLogs(entries)
	if err != nil {
		w.logger.Error("inserting fetched op logs", slog.String("error", err.Error()))
		return
	}

	for _, fail := range res.Failed {
		w.logger.Warn("op log row failed",
			slog.String("device_id", fail.DeviceID),
			slog.Uint64("sequence", fail.Sequence),
			slog.String("error", fail.Err.Error()),
		)
	}

	w.logger.Info("ingested op log batch",
		slog.Int("inserted", res.Inserted),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", len(res.Failed)),
	)

	// Highest applied sequence per device.
	maxSeq := make(map[string]uint64)
	keySet := make(map[string]struct{})

	for _, e := range entries {
		if e.Sequence > maxSeq[e.DeviceID] {
			maxSeq[e.DeviceID] = e.Sequence
		}

		for _, k := range e.QueryKeys {
			keySet[k] = struct{}{}
		}
	}

	for deviceID, seq := range maxSeq {
		if err := w.repo.AdvanceDeviceSyncSequence(deviceID, seq); err != nil {
			w.logger.Warn("advancing cursor",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()),
			)
		}
	}

	if w.inval == nil || len(keySet) == 0 {
		return
	}

	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := w.inval.Invalidate(keys); err != nil {
		w.logger.Warn("invalidating query keys", slog.String("error", err.Error()))
	}
}

// logGaps reports holes in the per-device sequence runs of a sorted
// batch. A gap is logged, never rejected: the producer assigns sequences
// gap-free, so a hole means rows are still in flight and the next
// catch-up query fills it.
func (w *Worker) logGaps(entries []store.OperationLogEntry) {
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		if cur.DeviceID != prev.DeviceID {
			continue
		}

		if cur.Sequence > prev.Sequence+1 {
			w.logger.Warn("sequence gap in ingested batch",
				slog.String("device_id", cur.DeviceID),
				slog.Uint64("after", prev.Sequence),
				slog.Uint64("next", cur.Sequence),
			)
		}
	}
}

// pushPending re-attempts every uploadable row. One failing row never
// aborts the pass, and the server dedups on (deviceId, sequence), so
// sending a pending row twice is harmless.
func (w *Worker) pushPending(ctx context.Context) {
	entries, err := w.repo.FindUploadableOpLogs()
	if err != nil {
		w.logger.Error("listing uploadable op logs", slog.String("error", err.Error()))
		return
	}

	for _, e := range entries {
		if err := w.UploadOpLog(ctx, e); err != nil {
			w.logger.Warn("uploading op log",
				slog.String("local_id", e.LocalID),
				slog.String("error", err.Error()),
			)
		}
	}

	snaps, err := w.repo.FindUploadableSnapshots()
	if err != nil {
		w.logger.Error("listing uploadable snapshots", slog.String("error", err.Error()))
		return
	}

	for _, snap := range snaps {
		if err := w.UploadSnapshot(ctx, snap); err != nil {
			w.logger.Warn("uploading snapshot",
				slog.String("snapshot_id", snap.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// UploadOpLog encrypts one row, publishes it as a createOpLog command,
// and marks it pending once the publish succeeds. The row reaches done
// only when the server's acknowledgment event comes back.
func (w *Worker) UploadOpLog(ctx context.Context, e store.OperationLogEntry) error {
	dto, err := w.svc.EncryptOpLog(e)
	if err != nil {
		return err
	}

	msg, err := protocol.NewCommand(
		protocol.DestOpLogInsert,
		protocol.CommandCreateOpLog,
		protocol.OpLogBatch{OpLogs: []protocol.OpLogDTO{dto}},
		w.svc.RequestInfo(),
	)
	if err != nil {
		return err
	}

	if err := w.transport.Publish(ctx, msg); err != nil {
		return err
	}

	return w.repo.UpdateOpLogStatus(e.LocalID, store.StatusPending, time.Time{})
}

// UploadSnapshot encrypts one snapshot and publishes it as a
// createSnapshot command.
func (w *Worker) UploadSnapshot(ctx context.Context, snap store.Snapshot) error {
	dto, err := w.svc.EncryptSnapshot(snap)
	if err != nil {
		return err
	}

	msg, err := protocol.NewCommand(
		protocol.DestSnapshotInsert,
		protocol.CommandCreateSnapshot,
		dto,
		w.svc.RequestInfo(),
	)
	if err != nil {
		return err
	}

	if err := w.transport.Publish(ctx, msg); err != nil {
		return err
	}

	return w.repo.UpdateSnapshotStatus(snap.ID, store.StatusPending, time.Time{})
}

// catchUp asks the server for everything past our per-device cursors.
// On a cold install with no sequences at all it also requests the latest
// snapshot for bootstrap.
func (w *Worker) catchUp(ctx context.Context) {
	seqs, err := w.repo.GetAllDeviceSyncSequences()
	if err != nil {
		w.logger.Error("reading cursors for catch-up", slog.String("error", err.Error()))
		return
	}

	cursors, err := w.svc.Cursors()
	if err != nil {
		w.logger.Error("assembling catch-up cursors", slog.String("error", err.Error()))
		return
	}

	query, err := protocol.NewQuery(
		protocol.DestOpLogGet,
		protocol.QueryGetOpLogs,
		protocol.GetOpLogsParams{Cursors: cursors},
		w.svc.RequestInfo(),
	)
	if err != nil {
		w.logger.Error("building catch-up query", slog.String("error", err.Error()))
		return
	}

	if err := w.transport.Publish(ctx, query); err != nil {
		w.logger.Warn("publishing catch-up query", slog.String("error", err.Error()))
		return
	}

	w.logger.Info("catch-up requested", slog.Int("cursors", len(cursors)))

	if len(seqs) > 0 {
		return
	}

	bootstrap, err := protocol.NewQuery(
		protocol.DestOpLogGet,
		protocol.QueryGetLatestSnapshot,
		nil,
		w.svc.RequestInfo(),
	)
	if err != nil {
		w.logger.Error("building bootstrap query", slog.String("error", err.Error()))
		return
	}

	if err := w.transport.Publish(ctx, bootstrap); err != nil {
		w.logger.Warn("publishing bootstrap query", slog.String("error", err.Error()))
		return
	}

	w.logger.Info("cold bootstrap, latest snapshot requested")
}

// restoreSnapshot decrypts a bootstrap snapshot and stores it in done
// state so the host application can restore from it.
func (w *Worker) restoreSnapshot(dto protocol.SnapshotDTO) {
	if dto.ID == "" {
		w.logger.Info("no snapshot available for bootstrap")
		return
	}

	snap, err := w.svc.DecryptSnapshot(dto)
	if err != nil {
		w.logger.Error("decrypting bootstrap snapshot",
			slog.String("snapshot_id", dto.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := w.repo.SaveSnapshot(snap); err != nil {
		w.logger.Error("saving bootstrap snapshot",
			slog.String("snapshot_id", dto.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	w.logger.Info("bootstrap snapshot stored",
		slog.String("snapshot_id", snap.ID),
		slog.String("checksum", snap.Checksum),
	)
}
