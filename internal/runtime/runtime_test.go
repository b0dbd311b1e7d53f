package runtime_test

import (
	"context"
	"testing"
	"time"

	"github.com/rilical/focusfield/internal/config"
	"github.com/rilical/focusfield/internal/protocol"
	"github.com/rilical/focusfield/internal/runtime"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Array.MicPositions = []config.MicPosition{{X: 0, Y: 0}, {X: 0.05, Y: 0}, {X: 0.1, Y: 0}, {X: 0.15, Y: 0}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config should validate: %v", err)
	}
	return cfg
}

func silentFrame(tNs int64, seq uint64, channels int) protocol.AudioFrame {
	const blockSamples = 256
	return protocol.AudioFrame{
		TNs:          tNs,
		Seq:          seq,
		SampleRateHz: 16000,
		BlockSamples: blockSamples,
		Channels:     channels,
		Samples:      make([]float32, blockSamples*channels),
	}
}

func TestRuntimeProducesEnhancedAudioFromAudioFrames(t *testing.T) {
	cfg := testConfig(t)
	rt := runtime.New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	out := subscribe[protocol.EnhancedAudio](t, rt, protocol.TopicEnhanced)

	for i := uint64(1); i <= 5; i++ {
		if err := rt.Bus().Publish(protocol.TopicAudioFrames, silentFrame(int64(i)*1_000_000, i, 4)); err != nil {
			t.Fatalf("publish audio frame: %v", err)
		}
	}

	select {
	case got := <-out:
		if got.SampleRateHz != 16000 {
			t.Errorf("expected sample rate to pass through, got %d", got.SampleRateHz)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected an EnhancedAudio block, got none")
	}

	cancel()
	rt.Shutdown()
}

func TestRuntimeProducesTargetLockHeartbeats(t *testing.T) {
	cfg := testConfig(t)
	rt := runtime.New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	out := subscribe[protocol.TargetLock](t, rt, protocol.TopicTargetLock)

	select {
	case got := <-out:
		if got.State != protocol.LockNoLock {
			t.Errorf("expected NO_LOCK with no candidates published, got %s", got.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a heartbeat TargetLock tick, got none")
	}

	cancel()
	rt.Shutdown()
}

func TestShutdownCompletesWithinDeadline(t *testing.T) {
	cfg := testConfig(t)
	rt := runtime.New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	rt.Start(ctx)

	done := make(chan struct{})
	go func() {
		cancel()
		rt.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return within a generous bound")
	}
}

// subscribe drains topic onto a channel for the duration of the test, using
// the runtime's own Bus so it observes exactly what other components see.
func subscribe[T any](t *testing.T, rt *runtime.Runtime, topic string) <-chan T {
	t.Helper()
	ch := make(chan T, 16)
	h := rt.Bus().Subscribe(topic, 16, 0)
	go func() {
		for {
			msg, ok := h.Recv(context.Background())
			if !ok {
				return
			}
			v, ok := msg.(T)
			if !ok {
				continue
			}
			select {
			case ch <- v:
			default:
			}
		}
	}()
	return ch
}
