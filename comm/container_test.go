package comm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/core"
)

type containerFixture struct {
	cm        *ContainerManager
	base      *broker.Broker
	container *broker.Broker
}

// newContainerFixture wires a trusted base manager plus a container-domain
// broker. Rate limiting and breakers stay out of the way: routing is the
// subject here.
func newContainerFixture(t *testing.T) *containerFixture {
	t.Helper()

	base := broker.New(nil)
	t.Cleanup(base.Shutdown)
	container := broker.New(nil)
	t.Cleanup(container.Shutdown)

	m, err := NewManager(base, nil, nil, nil)
	require.NoError(t, err)
	cm, err := NewContainerManager(m, container)
	require.NoError(t, err)

	return &containerFixture{cm: cm, base: base, container: container}
}

func (f *containerFixture) registerContainer(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.cm.RegisterContainer(context.Background(), id, nil, ""))
}

func (f *containerFixture) registerExternal(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.cm.RegisterAgent(context.Background(), id, nil, ""))
}

func TestContainerRoutingMatrix(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerContainer(t, "c2")
	f.registerExternal(t, "e1")

	// Container to container stays on the container broker.
	msg := core.NewMessage(core.MessageTypeDirect, "c1", nil, core.WithRecipient("c2"))
	_, err := f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, f.container.QueueDepth("c2"))
	assert.Equal(t, 0, f.base.QueueDepth("c2"))

	// Container to external crosses to the base broker.
	msg = core.NewMessage(core.MessageTypeDirect, "c1", nil, core.WithRecipient("e1"))
	_, err = f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, f.base.QueueDepth("e1"))

	// External to container rides the base broker too.
	msg = core.NewMessage(core.MessageTypeDirect, "e1", nil, core.WithRecipient("c1"))
	_, err = f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, f.base.QueueDepth("c1"))
	assert.Equal(t, 0, f.container.QueueDepth("c1"))
}

func TestContainerBroadcastStaysInDomain(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerContainer(t, "c2")
	f.registerExternal(t, "e1")

	msg := core.NewMessage(core.MessageTypeBroadcast, "c1", "domain news")
	_, err := f.cm.Send(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, 1, f.container.QueueDepth("c2"))
	assert.Equal(t, 0, f.container.QueueDepth("c1"), "broadcast skips the sender")
	assert.Equal(t, 0, f.base.QueueDepth("e1"), "container broadcasts never leave the domain")

	// An external broadcast fans out on the base broker, reaching the
	// dual-registered containers there.
	msg = core.NewMessage(core.MessageTypeBroadcast, "e1", "global news")
	_, err = f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 1, f.base.QueueDepth("c1"))
	assert.Equal(t, 1, f.base.QueueDepth("c2"))
}

func TestContainerPullMergesDomains(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerContainer(t, "c2")
	f.registerExternal(t, "e1")

	inDomain := core.NewMessage(core.MessageTypeDirect, "c2", "inside", core.WithRecipient("c1"))
	_, err := f.cm.Send(ctx, inDomain)
	require.NoError(t, err)
	crossing := core.NewMessage(core.MessageTypeDirect, "e1", "outside", core.WithRecipient("c1"))
	_, err = f.cm.Send(ctx, crossing)
	require.NoError(t, err)

	got, err := f.cm.GetMessages(ctx, "c1", true, "")
	require.NoError(t, err)
	require.Len(t, got, 2, "pull must surface both domains")
	assert.Equal(t, inDomain.ID, got[0].ID)
	assert.Equal(t, crossing.ID, got[1].ID)

	// Draining emptied both queues.
	again, err := f.cm.GetMessages(ctx, "c1", true, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestContainerDualRegistration(t *testing.T) {
	f := newContainerFixture(t)
	f.registerContainer(t, "c2")
	f.registerContainer(t, "c1")

	assert.True(t, f.base.Known("c1"))
	assert.True(t, f.container.Known("c1"))
	assert.True(t, f.cm.IsContainer("c1"))
	assert.False(t, f.cm.IsContainer("stranger"))
	assert.Equal(t, []string{"c1", "c2"}, f.cm.Containers())
}

func TestContainerUnregisterRemovesBothDomains(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerExternal(t, "e1")

	require.NoError(t, f.cm.UnregisterAgent(ctx, "c1", ""))
	assert.False(t, f.base.Known("c1"))
	assert.False(t, f.container.Known("c1"))
	assert.False(t, f.cm.IsContainer("c1"))

	// Plain agents fall through to the base manager.
	require.NoError(t, f.cm.UnregisterAgent(ctx, "e1", ""))
	assert.False(t, f.base.Known("e1"))
}

func TestContainerCrossDomainPush(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerContainer(t, "c2")
	f.registerExternal(t, "e1")

	var got []string
	f.cm.RegisterHandler("c1", func(ctx context.Context, msg *core.Message) error {
		got = append(got, msg.SenderID)
		return nil
	})

	// In-domain push arrives via the container broker.
	msg := core.NewMessage(core.MessageTypeDirect, "c2", nil, core.WithRecipient("c1"))
	_, err := f.cm.Send(ctx, msg)
	require.NoError(t, err)

	// Cross-domain push arrives via the base broker.
	msg = core.NewMessage(core.MessageTypeDirect, "e1", nil, core.WithRecipient("c1"))
	_, err = f.cm.Send(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, []string{"c2", "e1"}, got)
	assert.Equal(t, 0, f.container.QueueDepth("c1"))
	assert.Equal(t, 0, f.base.QueueDepth("c1"))
}

func TestContainerUpdateStatusTouchesBothDomains(t *testing.T) {
	f := newContainerFixture(t)
	ctx := context.Background()
	f.registerContainer(t, "c1")
	f.registerContainer(t, "c2")

	require.NoError(t, f.cm.UpdateStatus(ctx, "c1", false, ""))

	delivered := 0
	f.cm.RegisterHandler("c1", func(ctx context.Context, msg *core.Message) error {
		delivered++
		return nil
	})

	msg := core.NewMessage(core.MessageTypeDirect, "c2", nil, core.WithRecipient("c1"))
	_, err := f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Zero(t, delivered, "offline containers queue instead of pushing")
	assert.Equal(t, 1, f.container.QueueDepth("c1"))

	require.NoError(t, f.cm.UpdateStatus(ctx, "c1", true, ""))
	msg = core.NewMessage(core.MessageTypeDirect, "c2", nil, core.WithRecipient("c1"))
	_, err = f.cm.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered, "push drains the backlog once online")
}
