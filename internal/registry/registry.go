// Package registry implements the model registry and load state machine
// (§4.3): per-model IDLE/LOADING/ACTIVATING/READY/FAILED transitions, the
// asynchronous load_model handshake, and the one-slot activation waiter
// that coalesces concurrent ensureLoaded callers.
//
// Registry depends only on the ManagementSender interface it declares,
// not on the IPC package, so the IPC state's receive loop can hold a
// reference to a Registry without creating an import cycle (§9 "Cyclic-ish
// relation: registry <-> IPC state").
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orchard/internal/metrics"
	"orchard/internal/resolver"
	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

// State is a model entry's lifecycle state.
type State string

const (
	StateIdle        State = "IDLE"
	StateDownloading State = "DOWNLOADING"
	StateLoading     State = "LOADING"
	StateActivating  State = "ACTIVATING"
	StateReady       State = "READY"
	StateFailed      State = "FAILED"
)

// LoadModelRequest is the management command payload for load_model (§6).
type LoadModelRequest struct {
	RequestedID       string
	CanonicalID       string
	ModelPath         string
	WaitForCompletion bool
}

// LoadModelReply is the management command's parsed response (§6).
type LoadModelReply struct {
	Status       string // "ok" | "accepted" | "rejected"
	Message      string
	Capabilities map[string][]int
}

// ManagementSender sends the load_model management command and returns its
// reply. The IPC state implements this; the registry never dials sockets
// itself.
type ManagementSender interface {
	SendLoadModel(ctx context.Context, req LoadModelRequest) (LoadModelReply, error)
}

// ProfileLoader builds a model's chat profile from its on-disk directory.
// Injected so this package does not import chatfmt, which is not needed
// for the state machine itself.
type ProfileLoader func(modelDir string) (types.ControlTokens, error)

type activationWaiter struct {
	done  chan struct{}
	err   error
	start time.Time
}

type entry struct {
	mu       sync.Mutex
	state    State
	info     *types.ModelInfo
	err      error
	resolved *types.ResolvedModel
	waiter   *activationWaiter
}

// Registry tracks every model's lifecycle entry, keyed by canonical id.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	resolver *resolver.Resolver
	sender   ManagementSender
	profile  ProfileLoader
	pub      EventPublisher
	log      zerolog.Logger
}

// New constructs a Registry. sender may be nil until the IPC state has
// finished connecting; EnsureLoaded fails with orcherr.CodeNotInitialized
// if invoked before SetSender.
func New(res *resolver.Resolver, profile ProfileLoader) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		resolver: res,
		profile:  profile,
		pub:      noopPublisher{},
		log:      log.Logger.With().Str("component", "registry").Logger(),
	}
}

// SetSender installs the management-command sender once the IPC state is
// connected. Safe to call once before any EnsureLoaded call races it.
func (r *Registry) SetSender(sender ManagementSender) {
	r.mu.Lock()
	r.sender = sender
	r.mu.Unlock()
}

// SetPublisher installs an event publisher; defaults to a no-op.
func (r *Registry) SetPublisher(pub EventPublisher) {
	if pub == nil {
		pub = noopPublisher{}
	}
	r.mu.Lock()
	r.pub = pub
	r.mu.Unlock()
}

func (r *Registry) publish(name, modelID string, fields map[string]any) {
	r.mu.Lock()
	pub := r.pub
	r.mu.Unlock()
	pub.Publish(Event{Name: name, ModelID: modelID, Fields: fields})
}

func (r *Registry) getOrCreate(canonical string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[canonical]
	if !ok {
		e = &entry{state: StateIdle}
		r.entries[canonical] = e
	}
	return e
}

// State returns the current state of a canonical model id, or StateIdle if
// no entry exists yet.
func (r *Registry) State(canonical string) State {
	r.mu.Lock()
	e, ok := r.entries[canonical]
	r.mu.Unlock()
	if !ok {
		return StateIdle
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ScheduleModelSync implements §4.3's scheduleModelSync: resolve the
// identifier, ensure an entry exists, and either short-circuit on an
// already-ready/in-flight entry or reset it and begin building its
// formatter.
func (r *Registry) ScheduleModelSync(identifier string, forceReload bool) (State, string, error) {
	resolved, err := r.resolver.Resolve(identifier)
	if err != nil {
		return StateFailed, "", err
	}
	e := r.getOrCreate(resolved.CanonicalID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateReady && !forceReload {
		return StateReady, resolved.CanonicalID, nil
	}
	if !forceReload && (e.state == StateLoading || e.state == StateDownloading || e.state == StateActivating) {
		return e.state, resolved.CanonicalID, nil
	}

	e.err = nil
	e.resolved = &resolved
	if resolved.Source == types.SourceLocal || resolved.Source == types.SourceHFCache {
		ct, ferr := r.profile(resolved.ModelPath)
		if ferr != nil {
			e.state = StateFailed
			e.err = ferr
			r.publish("schedule_failed", resolved.CanonicalID, map[string]any{"error": ferr.Error()})
			return StateFailed, resolved.CanonicalID, ferr
		}
		e.info = &types.ModelInfo{
			ModelID:         resolved.CanonicalID,
			ModelPath:       resolved.ModelPath,
			FormatterHandle: &ct,
			Capabilities:    make(map[string][]int),
		}
		e.state = StateLoading
		r.publish("schedule_loading", resolved.CanonicalID, nil)
		return StateLoading, resolved.CanonicalID, nil
	}

	e.state = StateFailed
	e.err = &orcherr.ModelError{Code: orcherr.CodeDownloadUnsupported, Identifier: resolved.CanonicalID}
	r.publish("schedule_download_unsupported", resolved.CanonicalID, nil)
	return StateFailed, resolved.CanonicalID, e.err
}

// EnsureLoaded implements §4.3's ensureLoaded, including the one-slot
// activation waiter that coalesces concurrent callers for the same id.
func (r *Registry) EnsureLoaded(ctx context.Context, identifier string) (*types.ModelInfo, error) {
	state, canonical, err := r.ScheduleModelSync(identifier, false)
	if err != nil {
		return nil, err
	}
	e := r.getOrCreate(canonical)
	if state == StateReady {
		e.mu.Lock()
		info := e.info
		e.mu.Unlock()
		return info, nil
	}

	e.mu.Lock()
	if e.state == StateReady {
		info := e.info
		e.mu.Unlock()
		return info, nil
	}
	if w := e.waiter; w != nil {
		e.mu.Unlock()
		return r.awaitWaiter(ctx, e, w)
	}

	w := &activationWaiter{done: make(chan struct{}), start: time.Now()}
	e.waiter = w
	e.state = StateActivating
	info := e.info
	e.mu.Unlock()
	r.publish("activation_start", canonical, nil)

	r.mu.Lock()
	sender := r.sender
	r.mu.Unlock()
	if sender == nil {
		e.mu.Lock()
		e.state = StateFailed
		e.err = &orcherr.ClientError{Code: orcherr.CodeNotInitialized}
		e.waiter = nil
		e.mu.Unlock()
		close(w.done)
		return nil, e.err
	}

	reply, sendErr := sender.SendLoadModel(ctx, LoadModelRequest{
		RequestedID:       identifier,
		CanonicalID:       canonical,
		ModelPath:         info.ModelPath,
		WaitForCompletion: false,
	})
	if sendErr != nil {
		return r.failActivation(e, w, &orcherr.ModelError{Code: orcherr.CodeActivationFailed, Identifier: canonical, Detail: sendErr.Error()})
	}

	switch reply.Status {
	case "ok":
		e.mu.Lock()
		mergeCapabilities(e.info, reply.Capabilities)
		e.state = StateReady
		e.waiter = nil
		result := e.info
		e.mu.Unlock()
		close(w.done)
		metrics.ObserveActivation("ready")
		r.publish("activation_ready", canonical, nil)
		return result, nil
	case "accepted":
		// Stay ACTIVATING; HandleModelLoaded will close w.done from the
		// receive loop when the model_loaded event arrives.
		return r.awaitWaiter(ctx, e, w)
	default:
		return r.failActivation(e, w, &orcherr.ModelError{Code: orcherr.CodeLoadRejected, Identifier: canonical, Detail: reply.Message})
	}
}

func (r *Registry) failActivation(e *entry, w *activationWaiter, activationErr error) (*types.ModelInfo, error) {
	e.mu.Lock()
	e.state = StateFailed
	e.err = activationErr
	e.waiter = nil
	e.mu.Unlock()
	w.err = activationErr
	close(w.done)
	metrics.ObserveActivation("failed")
	if !w.start.IsZero() {
		metrics.ObserveActivationDuration(time.Since(w.start))
	}
	r.publish("activation_failed", "", map[string]any{"error": activationErr.Error()})
	return nil, activationErr
}

func (r *Registry) awaitWaiter(ctx context.Context, e *entry, w *activationWaiter) (*types.ModelInfo, error) {
	select {
	case <-w.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state == StateReady {
			return e.info, nil
		}
		if e.err != nil {
			return nil, e.err
		}
		return nil, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandleModelLoaded completes an outstanding activation when the engine's
// model_loaded event arrives on the broadcast topic (§4.5). It is a no-op
// if the entry isn't currently ACTIVATING (e.g. a stale/duplicate event).
func (r *Registry) HandleModelLoaded(modelID string, capabilities map[string][]int) {
	r.mu.Lock()
	e, ok := r.entries[modelID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state != StateActivating {
		e.mu.Unlock()
		return
	}
	mergeCapabilities(e.info, capabilities)
	e.state = StateReady
	w := e.waiter
	e.waiter = nil
	e.mu.Unlock()
	if w != nil {
		close(w.done)
		metrics.ObserveActivation("ready")
		if !w.start.IsZero() {
			metrics.ObserveActivationDuration(time.Since(w.start))
		}
	}
	r.publish("model_loaded", modelID, nil)
}

// mergeCapabilities unions incoming capabilities into info's map; later
// writes for the same key overwrite, per SPEC_FULL's resolution of §4.3
// step 4's "merge" wording.
func mergeCapabilities(info *types.ModelInfo, capabilities map[string][]int) {
	if info == nil || len(capabilities) == 0 {
		return
	}
	if info.Capabilities == nil {
		info.Capabilities = make(map[string][]int, len(capabilities))
	}
	for k, v := range capabilities {
		info.Capabilities[k] = v
	}
}
