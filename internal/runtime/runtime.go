// Package runtime provides the explicit runtime handle that owns the Bus,
// Clock, and a read-only configuration snapshot, and wires the seven
// pipeline components onto the Bus as one goroutine each: a value
// constructed once at startup and passed to each component at
// construction, rather than reaching for package-level state. Shaped
// like a long-lived Server built once in main and handed its
// dependencies (room, store, TLS config) explicitly.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rilical/focusfield/internal/assoc"
	"github.com/rilical/focusfield/internal/beamform"
	"github.com/rilical/focusfield/internal/bus"
	"github.com/rilical/focusfield/internal/clock"
	"github.com/rilical/focusfield/internal/config"
	"github.com/rilical/focusfield/internal/crashlog"
	"github.com/rilical/focusfield/internal/doa"
	"github.com/rilical/focusfield/internal/health"
	"github.com/rilical/focusfield/internal/lock"
	"github.com/rilical/focusfield/internal/protocol"
)

// Runtime owns every long-lived piece of core state and the goroutines
// that drive the pipeline. Construct with New, start with Start, stop with
// Shutdown. The zero value is not usable.
type Runtime struct {
	bus    *bus.Bus
	clk    *clock.Clock
	cfg    config.Config
	health *health.Aggregator
	sink   beamform.Sink
	log    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	crashPath string
}

// New constructs a Runtime from a validated config snapshot. sink receives
// the beamformer's output blocks; pass nil to discard them (tests, dry
// runs).
func New(cfg config.Config, sink beamform.Sink) *Runtime {
	clk := clock.New()
	return &Runtime{
		bus:       bus.New(clk),
		clk:       clk,
		cfg:       cfg,
		health:    health.New(cfg.ToHealthConfig()),
		sink:      sink,
		log:       slog.Default(),
		crashPath: crashlog.DefaultPath,
	}
}

// Bus returns the runtime's Bus, for external collaborators (capture
// adapters, face tracker, VAD, bench tooling) that need to publish the
// input topics or subscribe to the output topics.
func (r *Runtime) Bus() *bus.Bus { return r.bus }

// Clock returns the runtime's Clock.
func (r *Runtime) Clock() *clock.Clock { return r.clk }

// Health returns the runtime's health aggregator, for diagnostic tooling.
func (r *Runtime) Health() *health.Aggregator { return r.health }

func (r *Runtime) heartbeat() time.Duration {
	ms := r.cfg.Runtime.HeartbeatMs
	if ms <= 0 {
		ms = 200
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *Runtime) capacity() int {
	if r.cfg.Bus.DefaultCapacity <= 0 {
		return 32
	}
	return r.cfg.Bus.DefaultCapacity
}

func (r *Runtime) policy() bus.OverflowPolicy {
	return r.cfg.BusOverflowPolicy()
}

// Start wires and launches all seven components as goroutines under a
// context derived from ctx. A kind-4 fault in any one component requests
// shutdown of the whole runtime (via the derived context) rather than
// taking the process down.
func (r *Runtime) Start(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	inputs := newInputCache()
	r.spawn(rctx, "doa", func(ctx context.Context) { r.runDoa(ctx, inputs) })
	r.spawn(rctx, "assoc", func(ctx context.Context) { r.runAssoc(ctx, inputs) })
	r.spawn(rctx, "lock", func(ctx context.Context) { r.runLock(ctx, inputs) })
	r.spawn(rctx, "beamform", func(ctx context.Context) { r.runBeamform(ctx) })
	r.spawn(rctx, "health", func(ctx context.Context) { r.runHealth(ctx) })
	r.spawn(rctx, "vad_cache", func(ctx context.Context) { r.runVADCache(ctx, inputs) })
	r.spawn(rctx, "face_cache", func(ctx context.Context) { r.runFaceCache(ctx, inputs) })
}

// Shutdown signals every component to stop, waits up to
// cfg.Runtime.ShutdownDeadlineMs, and logs stuck_on_stop for any that did
// not finish in time. Safe to call once; subsequent calls are no-ops.
func (r *Runtime) Shutdown() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.bus.Shutdown()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	deadline := time.Duration(r.cfg.Runtime.ShutdownDeadlineMs) * time.Millisecond
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	select {
	case <-done:
	case <-time.After(deadline):
		r.logEvent("runtime", "stuck_on_stop", map[string]any{"deadline_ms": deadline.Milliseconds()})
	}
}

// spawn starts fn as a goroutine named name, guarding it with a panic
// recovery that writes a crash snapshot and requests runtime shutdown
// (kind-4 programming faults never crash the process directly), and
// publishing a "stopped" log.events entry when it returns normally.
func (r *Runtime) spawn(ctx context.Context, name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.onFault(name, rec)
				return
			}
			r.logEvent(name, "stopped", nil)
		}()
		fn(ctx)
	}()
}

func (r *Runtime) onFault(module string, rec any) {
	reason := fmt.Sprintf("%v", rec)
	r.log.Error("programming fault", "module", module, "reason", reason)
	snap := crashlog.Snapshot{
		TNs:    r.clk.NowNs(),
		Module: module,
		Reason: reason,
	}
	if err := crashlog.Write(r.crashPath, snap); err != nil {
		r.log.Error("failed to write crash snapshot", "error", err)
	}
	_ = r.bus.Publish(protocol.TopicLogEvents, protocol.LogEvent{
		TNs:    r.clk.NowNs(),
		Module: module,
		Event:  "fatal",
		Fields: map[string]any{"reason": reason},
	})
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Runtime) logEvent(module, event string, fields map[string]any) {
	r.log.Info(event, "module", module)
	_ = r.bus.Publish(protocol.TopicLogEvents, protocol.LogEvent{
		TNs:    r.clk.NowNs(),
		Module: module,
		Event:  event,
		Fields: fields,
	})
}

// --- cross-topic input caches ---
//
// The lock machine must see only the most recent heatmap and face-track
// batch at each tick, not a queued backlog, so the association and lock
// tasks read the latest VAD/FaceTrack state from a small mutex-guarded
// cache updated by a dedicated forwarding goroutine per input topic,
// instead of subscribing to every input topic themselves.
type inputCache struct {
	mu      sync.Mutex
	vad     *protocol.VoiceActivity
	faces   []protocol.FaceTrack
	facesAt int64
}

func newInputCache() *inputCache { return &inputCache{} }

func (c *inputCache) setVAD(v protocol.VoiceActivity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vv := v
	c.vad = &vv
}

func (c *inputCache) getVAD() *protocol.VoiceActivity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vad
}

func (c *inputCache) setFaces(tNs int64, faces []protocol.FaceTrack) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faces = faces
	c.facesAt = tNs
}

func (c *inputCache) getFaces() ([]protocol.FaceTrack, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.faces, c.facesAt
}

func (r *Runtime) runVADCache(ctx context.Context, inputs *inputCache) {
	h := bus.Subscribe[protocol.VoiceActivity](r.bus, protocol.TopicVAD, r.capacity(), r.policy())
	defer h.Unsubscribe()
	for {
		v, ok := h.Recv(ctx)
		if !ok {
			return
		}
		r.health.RecordMessage(protocol.TopicVAD, v.TNs)
		inputs.setVAD(v)
	}
}

func (r *Runtime) runFaceCache(ctx context.Context, inputs *inputCache) {
	h := bus.Subscribe[[]protocol.FaceTrack](r.bus, protocol.TopicFaceTracks, r.capacity(), r.policy())
	defer h.Unsubscribe()
	for {
		faces, ok := h.Recv(ctx)
		if !ok {
			return
		}
		tNs := r.clk.NowNs()
		if len(faces) > 0 {
			tNs = faces[0].TNs
		}
		r.health.RecordMessage(protocol.TopicFaceTracks, tNs)
		inputs.setFaces(tNs, faces)
	}
}

// --- DOA task ---

func (r *Runtime) runDoa(ctx context.Context, inputs *inputCache) {
	est := doa.New(r.cfg.ToDoaConfig())
	in := bus.Subscribe[protocol.AudioFrame](r.bus, protocol.TopicAudioFrames, r.capacity(), r.policy())
	defer in.Unsubscribe()

	for {
		frame, ok := in.Recv(ctx)
		if !ok {
			return
		}
		r.health.RecordMessage(protocol.TopicAudioFrames, frame.TNs)

		start := r.clk.NowNs()
		heatmap, produced := est.Process(frame, inputs.getVAD())
		r.health.RecordLatency("doa", time.Duration(r.clk.NowNs()-start))
		if !produced {
			continue
		}
		if err := r.bus.Publish(protocol.TopicDoaHeatmap, heatmap); err != nil {
			return
		}
		r.health.RecordMessage(protocol.TopicDoaHeatmap, heatmap.TNs)
	}
}

// --- Association task ---

// runAssoc waits up to one heartbeat interval for a fresh DoaHeatmap; on
// timeout it re-associates the last known heatmap against the current
// faces/VAD cache instead of stalling, so fusion.candidates keeps ticking
// even when DOA goes quiet.
func (r *Runtime) runAssoc(ctx context.Context, inputs *inputCache) {
	associator := assoc.New(r.cfg.ToAssocConfig())
	in := bus.Subscribe[protocol.DoaHeatmap](r.bus, protocol.TopicDoaHeatmap, r.capacity(), r.policy())
	defer in.Unsubscribe()

	var lastHeatmap protocol.DoaHeatmap
	haveHeatmap := false

	for {
		hctx, cancel := context.WithTimeout(ctx, r.heartbeat())
		heatmap, ok := in.Recv(hctx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if !haveHeatmap {
				continue // nothing to associate against yet
			}
			heatmap = lastHeatmap
		} else {
			lastHeatmap = heatmap
			haveHeatmap = true
			r.health.RecordMessage(protocol.TopicDoaHeatmap, heatmap.TNs)
		}

		// nowNs is driven by the heatmap's own timestamp (itself derived
		// from the audio frame that produced it), not the wall clock, so
		// replaying the same trace twice associates against the same "now"
		// both times regardless of how fast the replay loop feeds frames
		// through.
		nowNs := heatmap.TNs
		faces, facesAt := inputs.getFaces()
		if nowNs-facesAt > r.cfg.Fusion.FacesMaxAgeMs*1_000_000 {
			faces = nil
		}

		start := r.clk.NowNs()
		candidates := associator.Associate(nowNs, heatmap, faces, inputs.getVAD())
		r.health.RecordLatency("assoc", time.Duration(r.clk.NowNs()-start))

		batch := protocol.CandidateBatch{TNs: nowNs, Candidates: candidates}
		if err := r.bus.Publish(protocol.TopicCandidates, batch); err != nil {
			return
		}
		r.health.RecordMessage(protocol.TopicCandidates, nowNs)
	}
}

// --- Lock task ---

func (r *Runtime) runLock(ctx context.Context, inputs *inputCache) {
	m := lock.New(r.cfg.ToLockConfig())
	in := bus.Subscribe[protocol.CandidateBatch](r.bus, protocol.TopicCandidates, r.capacity(), r.policy())
	defer in.Unsubscribe()

	var lastBatch protocol.CandidateBatch
	haveBatch := false
	var lastState protocol.LockState

	for {
		hctx, cancel := context.WithTimeout(ctx, r.heartbeat())
		batch, ok := in.Recv(hctx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			// heartbeat: re-tick with the last known batch, or with an empty
			// batch if none has arrived yet
			batch = lastBatch
		} else {
			lastBatch = batch
			haveBatch = true
			r.health.RecordMessage(protocol.TopicCandidates, batch.TNs)
		}

		// nowNs is the batch's own timestamp (traced back to the heatmap,
		// and through it the audio frame, that produced it), not the wall
		// clock: every dwell/hold/handoff timer in the lock machine runs
		// off message time so a trace replays byte-identically regardless
		// of how fast it's fed through.
		nowNs := batch.TNs
		start := r.clk.NowNs()
		tl := m.Tick(nowNs, batch.Candidates, inputs.getVAD())
		r.health.RecordLatency("lock", time.Duration(r.clk.NowNs()-start))

		// The lock machine itself stays a pure function of its inputs (no
		// logging side effects, so replay determinism never depends on a
		// logging sink being present); the runtime task logs each state
		// transition it observes instead.
		if tl.State != lastState {
			r.logEvent("lock", "transition", map[string]any{
				"from": string(lastState), "to": string(tl.State), "reason": tl.Reason,
			})
			lastState = tl.State
		}

		if err := r.bus.Publish(protocol.TopicTargetLock, tl); err != nil {
			return
		}
		r.health.RecordMessage(protocol.TopicTargetLock, tl.TNs)
	}
}

// --- Beamform task ---

func (r *Runtime) runBeamform(ctx context.Context) {
	bf := beamform.New(r.cfg.ToBeamformConfig())

	lockHandle := bus.Subscribe[protocol.TargetLock](r.bus, protocol.TopicTargetLock, r.capacity(), r.policy())
	defer lockHandle.Unsubscribe()
	var lockMu sync.Mutex
	go func() {
		for {
			tl, ok := lockHandle.Recv(ctx)
			if !ok {
				return
			}
			lockMu.Lock()
			bf.OnTargetLock(tl)
			lockMu.Unlock()
		}
	}()

	in := bus.Subscribe[protocol.AudioFrame](r.bus, protocol.TopicAudioFrames, r.capacity(), r.policy())
	defer in.Unsubscribe()

	for {
		frame, ok := in.Recv(ctx)
		if !ok {
			return
		}
		start := r.clk.NowNs()
		lockMu.Lock()
		out := bf.Process(frame)
		lockMu.Unlock()
		r.health.RecordLatency("beamform", time.Duration(r.clk.NowNs()-start))

		if err := r.bus.Publish(protocol.TopicEnhanced, out); err != nil {
			return
		}
		r.health.RecordMessage(protocol.TopicEnhanced, out.TNs)

		if r.sink != nil {
			if err := r.sink.Write(out); err != nil {
				r.log.Warn("sink write failed", "error", err)
			}
		}
	}
}

// --- Health task ---

func (r *Runtime) runHealth(ctx context.Context) {
	interval := time.Duration(r.cfg.Runtime.HealthIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs := bus.Subscribe[protocol.LogEvent](r.bus, protocol.TopicLogEvents, r.capacity(), bus.DropOldest)
	defer logs.Unsubscribe()
	go func() {
		for {
			evt, ok := logs.Recv(ctx)
			if !ok {
				return
			}
			if evt.Module == "bus" && evt.Event == "drop" {
				topic, _ := evt.Fields["topic"].(string)
				count := toUint64(evt.Fields["count"])
				r.health.RecordDrops(topic, count)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nowNs := r.clk.NowNs()
			if err := r.bus.Publish(protocol.TopicRuntimeHealth, r.health.Health(nowNs)); err != nil {
				return
			}
			if err := r.bus.Publish(protocol.TopicPerf, r.health.Perf(nowNs)); err != nil {
				return
			}
		}
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case int:
		return uint64(n)
	case int64:
		return uint64(n)
	case float64:
		return uint64(n)
	default:
		return 0
	}
}
