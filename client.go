// Package orchard is a client-side host library that brokers access to
// an external inference-engine subprocess over a unix-domain IPC
// transport (§1). It never hosts the engine in-process and never serves
// chat traffic over a network; the only surface it exposes beyond the
// Go API below is the health/metrics http.Handler a host application
// may choose to mount on its own listener.
package orchard

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"orchard/internal/cachepath"
	"orchard/internal/chatfmt"
	"orchard/internal/healthapi"
	"orchard/internal/ipc"
	"orchard/internal/lease"
	"orchard/internal/metrics"
	"orchard/internal/registry"
	"orchard/internal/resolver"
	"orchard/internal/wire"
	"orchard/pkg/orcherr"
	"orchard/pkg/types"
)

// Client is the façade over the model registry, IPC state, and engine
// lease (§4.6). One Client owns one IPC channel id and one lease hold;
// construct one per long-lived process, not per request.
type Client struct {
	opts Options
	log  zerolog.Logger

	lease    *lease.Lease
	leaseHk  func()
	ipcState *ipc.State
	registry *registry.Registry

	closeOnce sync.Once
}

// New acquires the engine lease, connects the IPC transport, and
// installs the model registry's management sender/event wiring (§4.5
// step "connect", §4.7 "Acquire lease"). The returned Client must be
// closed to release the lease and stop the receive loop.
func New(ctx context.Context, opts Options) (*Client, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "client").Logger()

	root := opts.CacheDir
	if root == "" {
		r, err := cachepath.Root()
		if err != nil {
			return nil, &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: err.Error()}
		}
		root = r
	}
	ipcDir := cachepath.IPCDir(root)
	eps := ipc.NewEndpoints(ipcDir)

	l := lease.New(lease.Config{
		CacheDir:       root,
		EnginePath:     opts.EnginePath,
		EngineArgs:     opts.EngineArgs,
		ResponsesPath:  eps.Responses,
		StartupTimeout: opts.StartupTimeout,
		LockTimeout:    opts.LockTimeout,
		TermGrace:      opts.TermGrace,
		KillGrace:      opts.KillGrace,
	})
	logger.Debug().Str("ipc_dir", ipcDir).Msg("acquiring engine lease")
	if err := l.Acquire(ctx); err != nil {
		return nil, err
	}
	hookStop := lease.InstallExitHook(l)

	st, err := ipc.Connect(eps, ipc.DialOptions{
		Attempts:          opts.DialAttempts,
		Delay:             opts.DialDelay,
		ManagementTimeout: opts.ManagementTimeout,
	})
	if err != nil {
		hookStop()
		_ = l.Release()
		return nil, err
	}

	res := resolver.New(opts.HFCacheDir, opts.ModelAliases)
	reg := registry.New(res, chatfmt.LoadProfile)
	reg.SetSender(st)
	st.SetRegistry(reg)
	st.Start()

	logger.Info().Uint64("channel_id", st.ChannelID()).Int("engine_pid", l.EnginePID()).Msg("client ready")

	return &Client{
		opts:     opts,
		log:      logger,
		lease:    l,
		leaseHk:  hookStop,
		ipcState: st,
		registry: reg,
	}, nil
}

// Close stops the IPC receive loop, closes the sockets, and releases this
// process's hold on the engine lease. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.leaseHk()
		err = c.ipcState.Close()
		if releaseErr := c.lease.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	})
	return err
}

// EngineReady reports whether this client's lease currently tracks a live
// engine pid.
func (c *Client) EngineReady() bool { return c.lease.EnginePID() != 0 }

// LastTelemetry returns the most recently observed telemetry snapshot and
// whether one has arrived yet.
func (c *Client) LastTelemetry() (types.TelemetrySnapshot, bool) {
	snap := c.ipcState.LastTelemetry()
	return snap, snap.PID != 0
}

// MetricsHandler returns the prometheus handler the host mounts itself.
func (c *Client) MetricsHandler() http.Handler {
	return metrics.Handler()
}

// statusView adapts Client to internal/healthapi.StatusProvider, whose
// LastTelemetry signature is the single-value form readyz needs; Client's
// own public LastTelemetry also reports whether a snapshot has arrived.
type statusView struct{ c *Client }

func (v statusView) EngineReady() bool                      { return v.c.EngineReady() }
func (v statusView) LastTelemetry() types.TelemetrySnapshot { return v.c.ipcState.LastTelemetry() }

// HealthMux returns the thin /healthz, /readyz, /metrics router (§ Ambient
// Stack) the host application mounts on its own listener. It never serves
// chat routes.
func (c *Client) HealthMux() http.Handler {
	return healthapi.NewMux(statusView{c})
}

// ListModels performs one list_models management round trip (§6, a
// diagnostics-only read path; activation completion is event-driven).
func (c *Client) ListModels(ctx context.Context) ([]ipc.ListedModel, error) {
	return c.ipcState.ListModels(ctx)
}

// newTraceID mints a uuid purely for log correlation (never the wire
// request_id, which stays the engine-facing monotonic counter per §3).
func newTraceID() string { return uuid.NewString() }

// buildFrame resolves the model, ensures it is loaded, renders every
// conversation's prompt, and encodes one request frame carrying all of
// them sharing a single request id.
func (c *Client) buildFrame(ctx context.Context, modelIdentifier string, convs []types.Conversation, params types.ChatParameters) (uint64, *types.ModelInfo, []byte, error) {
	info, err := c.registry.EnsureLoaded(ctx, modelIdentifier)
	if err != nil {
		return 0, nil, nil, err
	}
	if info.FormatterHandle == nil {
		return 0, nil, nil, &orcherr.ModelError{Code: orcherr.CodeMissingConfig, Identifier: info.ModelID, Detail: "model has no chat profile loaded"}
	}

	params = params.ResolveCandidateCounts()
	prompts := make([]wire.PromptInput, len(convs))
	for i, conv := range convs {
		rendered, err := chatfmt.FormatConversation(*info.FormatterHandle, conv, true, false)
		if err != nil {
			return 0, nil, nil, err
		}
		prompts[i] = wire.PromptInput{
			Text:         rendered.WireText,
			Images:       rendered.ImageBuffers,
			Capabilities: rendered.Capabilities,
			Layout:       rendered.Layout,
			Params:       params,
			RequestType:  types.RequestGeneration,
		}
	}

	requestID := c.ipcState.NextRequestID()
	channelID := c.ipcState.ChannelID()
	frame, err := wire.EncodeRequest(requestID, info.ModelID, info.ModelPath, channelID, channelID, prompts)
	if err != nil {
		return 0, nil, nil, err
	}
	return requestID, info, frame, nil
}

// Chat sends one conversation, waits for the complete response, and
// aggregates its deltas into a ClientResponse (§4.6).
func (c *Client) Chat(ctx context.Context, modelIdentifier string, conv types.Conversation, params types.ChatParameters) (types.ClientResponse, error) {
	traceID := newTraceID()
	log := c.log.With().Str("trace_id", traceID).Str("model", modelIdentifier).Logger()

	requestID, _, frame, err := c.buildFrame(ctx, modelIdentifier, []types.Conversation{conv}, params)
	if err != nil {
		log.Debug().Err(err).Msg("chat: build frame failed")
		return types.ClientResponse{}, err
	}

	sink := c.ipcState.RegisterSink(requestID)
	if err := c.ipcState.PushRequest(frame); err != nil {
		c.ipcState.UnregisterSink(requestID)
		return types.ClientResponse{}, err
	}

	deltas, err := collectDeltas(ctx, sink)
	if err != nil {
		c.ipcState.UnregisterSink(requestID)
		return types.ClientResponse{}, err
	}
	log.Debug().Int("deltas", len(deltas)).Msg("chat: complete")
	return aggregate(deltas), nil
}

// ChatBatch submits N prompts in a single request frame and groups the
// resulting deltas by prompt_index before aggregating each group; the
// returned slice always has length len(convs), with a zero-value
// ClientResponse for any prompt whose group never arrived (§4.6).
func (c *Client) ChatBatch(ctx context.Context, modelIdentifier string, convs []types.Conversation, params types.ChatParameters) ([]types.ClientResponse, error) {
	if len(convs) == 0 {
		return nil, &orcherr.ClientError{Code: orcherr.CodeEmptyIdentifier}
	}
	traceID := newTraceID()
	log := c.log.With().Str("trace_id", traceID).Str("model", modelIdentifier).Logger()

	requestID, _, frame, err := c.buildFrame(ctx, modelIdentifier, convs, params)
	if err != nil {
		return nil, err
	}

	sink := c.ipcState.RegisterSink(requestID)
	if err := c.ipcState.PushRequest(frame); err != nil {
		c.ipcState.UnregisterSink(requestID)
		return nil, err
	}

	deltas, err := collectDeltas(ctx, sink)
	if err != nil {
		c.ipcState.UnregisterSink(requestID)
		return nil, err
	}
	log.Debug().Int("deltas", len(deltas)).Int("prompts", len(convs)).Msg("chat_batch: complete")

	groups := make([][]types.ClientDelta, len(convs))
	for _, d := range deltas {
		idx := 0
		if d.PromptIndex != nil {
			idx = *d.PromptIndex
		}
		if idx < 0 || idx >= len(convs) {
			continue
		}
		groups[idx] = append(groups[idx], d)
	}
	out := make([]types.ClientResponse, len(convs))
	for i, g := range groups {
		out[i] = aggregate(g)
	}
	return out, nil
}

// ChatStream forwards each delta for one conversation to the returned
// channel in arrival order and closes it on receipt of is_final (§4.6).
// The returned cancel func unregisters the sink early if the caller stops
// consuming before the stream finishes naturally; further deltas for the
// request are then discarded silently by the receive loop (§5).
func (c *Client) ChatStream(ctx context.Context, modelIdentifier string, conv types.Conversation, params types.ChatParameters) (<-chan types.ClientDelta, func(), error) {
	requestID, _, frame, err := c.buildFrame(ctx, modelIdentifier, []types.Conversation{conv}, params)
	if err != nil {
		return nil, nil, err
	}

	sink := c.ipcState.RegisterSink(requestID)
	if err := c.ipcState.PushRequest(frame); err != nil {
		c.ipcState.UnregisterSink(requestID)
		return nil, nil, err
	}

	cancel := func() { c.ipcState.UnregisterSink(requestID) }
	return sink.Deltas(), cancel, nil
}

// collectDeltas drains sink until it closes (final delta observed) or ctx
// is canceled.
func collectDeltas(ctx context.Context, sink *ipc.DeltaSink) ([]types.ClientDelta, error) {
	var out []types.ClientDelta
	for {
		select {
		case d, ok := <-sink.Deltas():
			if !ok {
				return out, nil
			}
			out = append(out, d)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// aggregate implements §4.6's chat aggregation rules.
func aggregate(deltas []types.ClientDelta) types.ClientResponse {
	var text string
	var finishReason *string
	var promptTokens, completionTokens int

	for _, d := range deltas {
		if d.Content != nil && *d.Content != "" {
			text += *d.Content
		}
		if d.FinishReason != nil {
			finishReason = d.FinishReason
		}
		if d.PromptTokenCount != nil && *d.PromptTokenCount > promptTokens {
			promptTokens = *d.PromptTokenCount
		}
		if d.GenerationLen != nil && *d.GenerationLen > completionTokens {
			completionTokens = *d.GenerationLen
		}
	}

	return types.ClientResponse{
		Text:         text,
		FinishReason: finishReason,
		Usage: types.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
		Deltas: deltas,
	}
}
