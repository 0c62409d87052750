package relay

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerTargets() TargetSource {
	return staticTargets(
		Target{ProjectID: "web", AgentID: "claude", ChannelID: "-1001", Session: "relay-web", Window: "claude", VerifySubmit: true},
		Target{ProjectID: "web", AgentID: "codex", ChannelID: "-1001", Session: "relay-web", Window: "codex"},
		Target{ProjectID: "api", AgentID: "claude", ChannelID: "-1002", Session: "relay-api", Window: "claude"},
	)
}

func TestRouterResolve(t *testing.T) {
	r := NewRouter(routerTargets(), nil, nil, nil)
	ctx := context.Background()

	tgt, body, err := r.Resolve(ctx, "-1001", "add a test")
	require.NoError(t, err)
	assert.Equal(t, "claude", tgt.AgentID)
	assert.Equal(t, "add a test", body)

	tgt, body, err = r.Resolve(ctx, "-1001", "@Codex  add a test")
	require.NoError(t, err)
	assert.Equal(t, "codex", tgt.AgentID)
	assert.Equal(t, "add a test", body)

	tgt, body, err = r.Resolve(ctx, "-1001", "@nobody hi")
	require.NoError(t, err)
	assert.Equal(t, "claude", tgt.AgentID)
	assert.Equal(t, "@nobody hi", body)

	_, _, err = r.Resolve(ctx, "-9999", "hi")
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestRouterPlainDelivery(t *testing.T) {
	k := &fakeKeyboard{}
	rec := &recorder{}
	r := NewRouter(routerTargets(), NewSubmitter(k, DefaultSubmitConfig()), k, rec)

	res, err := r.DeliverToChannel(context.Background(), "-1002", "ship it")
	require.NoError(t, err)
	assert.Equal(t, Delivered, res.Status)
	assert.Equal(t, "api", res.Target.ProjectID)

	typed, enters, _ := k.snapshot()
	assert.Equal(t, []string{"ship it"}, typed)
	assert.Equal(t, 1, enters)
	assert.Empty(t, rec.all())
}

func TestRouterUnconfirmedWarnsOnce(t *testing.T) {
	k := &fakeKeyboard{screen: func(string, int) string { return "" }}
	rec := &recorder{}
	sub, _ := newTestSubmitter(k, DefaultSubmitConfig())
	r := NewRouter(routerTargets(), sub, k, rec)

	res, err := r.DeliverToChannel(context.Background(), "-1001", "run the migration")
	require.NoError(t, err)
	assert.Equal(t, Unconfirmed, res.Status)
	assert.NoError(t, res.Err)

	typed, _, _ := k.snapshot()
	assert.Len(t, typed, 1)
	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, KindWarning, sent[0].Kind)
	assert.Equal(t, "-1001", sent[0].ChannelID)
	assert.Contains(t, sent[0].Text, "claude")
}

func TestRouterFailureNotifies(t *testing.T) {
	k := &fakeKeyboard{typeErr: errors.New("can't find window")}
	rec := &recorder{}
	r := NewRouter(routerTargets(), nil, k, rec)

	res := r.Deliver(context.Background(), Target{ProjectID: "api", AgentID: "claude", ChannelID: "-1002"}, "hi")
	assert.Equal(t, Failed, res.Status)
	assert.Error(t, res.Err)

	sent := rec.all()
	require.Len(t, sent, 1)
	assert.Equal(t, KindError, sent[0].Kind)
	assert.Contains(t, sent[0].Text, "can't find window")
}

func TestRouterWithoutKeySender(t *testing.T) {
	r := NewRouter(routerTargets(), nil, nil, nil)
	res := r.Deliver(context.Background(), Target{ProjectID: "api", AgentID: "claude"}, "hi")
	assert.Equal(t, Failed, res.Status)
}
