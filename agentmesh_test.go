package agentmesh_test

import (
	"context"
	"testing"

	"github.com/agentmesh/agentmesh"
)

func newCore(t *testing.T, opts ...agentmesh.Option) *agentmesh.Core {
	t.Helper()
	opts = append([]agentmesh.Option{agentmesh.WithLogLevel("error")}, opts...)
	core, err := agentmesh.New(opts...)
	if err != nil {
		t.Fatalf("Failed to create core: %v", err)
	}
	t.Cleanup(func() { _ = core.Shutdown(context.Background()) })
	return core
}

// TestCoreCreation tests the top-level constructor and options.
func TestCoreCreation(t *testing.T) {
	core := newCore(t, agentmesh.WithServiceName("mesh-test"))
	if core.Config().ServiceName != "mesh-test" {
		t.Errorf("service name = %q, want %q", core.Config().ServiceName, "mesh-test")
	}
}

// TestMessageRoundTrip drives a direct send through the re-exported surface.
func TestMessageRoundTrip(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	if err := core.RegisterAgent(ctx, "echo", []string{"echo"}, 0, ""); err != nil {
		t.Fatalf("Failed to register agent: %v", err)
	}

	msg := agentmesh.NewMessage(agentmesh.MessageTypeDirect, "caller", "ping",
		agentmesh.WithRecipient("echo"), agentmesh.WithPriority(agentmesh.PriorityHigh))
	if _, err := core.SendMessage(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got, err := core.GetMessages(ctx, "echo", true, "")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].Content != "ping" {
		t.Errorf("content = %v, want ping", got[0].Content)
	}
}

// TestTaskDistribution dispatches a task through the re-exported surface.
func TestTaskDistribution(t *testing.T) {
	core := newCore(t)
	ctx := context.Background()

	if err := core.RegisterAgent(ctx, "worker", []string{"build"}, 0, ""); err != nil {
		t.Fatalf("Failed to register agent: %v", err)
	}

	result, err := core.DistributeTask(ctx, agentmesh.DistributionRequest{
		Required: []string{"build"},
		SenderID: "scheduler",
		Strategy: agentmesh.StrategyLoadBalanced,
	})
	if err != nil {
		t.Fatalf("Distribution failed: %v", err)
	}
	if result.AgentID != "worker" {
		t.Errorf("selected %q, want worker", result.AgentID)
	}
}
