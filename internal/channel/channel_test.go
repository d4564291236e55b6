package channel_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"docforge/internal/channel"
	"docforge/internal/kernel/kerneltest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const token = "chan-token"

func dial(t *testing.T, g *kerneltest.Gateway, id string) *channel.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := channel.Dial(ctx, g.URL(), id, channel.Options{Token: token, HandshakeTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func gateway(t *testing.T, h kerneltest.Handler) *kerneltest.Gateway {
	t.Helper()
	g := kerneltest.New(token, h)
	g.AddKernel("k1")
	t.Cleanup(g.Close)
	return g
}

func TestURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8888", "ws://localhost:8888/api/kernels/abc/channels?token=tok"},
		{"https://gw.example.com/", "wss://gw.example.com/api/kernels/abc/channels?token=tok"},
		{"https://gw.example.com/jupyter", "wss://gw.example.com/jupyter/api/kernels/abc/channels?token=tok"},
	}
	for _, tt := range tests {
		got, err := channel.URL(tt.base, "abc", "tok")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := channel.URL("ftp://host", "abc", "tok")
	assert.Error(t, err)
}

func TestSend_Envelope(t *testing.T) {
	received := make(chan kerneltest.Execute, 1)
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) { received <- ex })
	ch := dial(t, g, "k1")

	req := channel.NewRequest("print(1)", "alice")
	require.NoError(t, ch.Send(context.Background(), req))

	var ex kerneltest.Execute
	select {
	case ex = <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("request never arrived")
	}

	want := map[string]any{
		"header": map[string]any{
			"msg_id":   req.MsgID,
			"msg_type": "execute_request",
			"version":  "5.2",
			"session":  ch.Session(),
			"username": "alice",
		},
		"parent_header": map[string]any{},
		"metadata":      map[string]any{},
		"buffers":       []any{},
		"channel":       "shell",
		"content": map[string]any{
			"code":             "print(1)",
			"silent":           false,
			"store_history":    false,
			"user_expressions": map[string]any{},
			"allow_stdin":      false,
		},
	}
	ignoreDate := cmpopts.IgnoreMapEntries(func(k string, _ any) bool { return k == "date" })
	if diff := cmp.Diff(want, ex.Raw, ignoreDate); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}

	header := ex.Raw["header"].(map[string]any)
	_, err := time.Parse(time.RFC3339Nano, header["date"].(string))
	assert.NoError(t, err)
	assert.Len(t, req.MsgID, 32)
}

func TestCollect_FiltersForeignMessages(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Foreign(`{"status": "ok", "file_name": "wrong.md"}` + "\n")
		_ = r.Send("other", "status", map[string]any{"execution_state": "idle"})
		_ = r.Status("busy")
		_ = r.Stdout(`{"status": "ok", "file_name": "right.md"}` + "\n")
		_ = r.Status("idle")
	})
	ch := dial(t, g, "k1")
	ctx := context.Background()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	got, err := ch.Collect(ctx, req.MsgID)
	require.NoError(t, err)

	assert.True(t, got.Idle)
	assert.Nil(t, got.Failure)
	assert.Equal(t, 2, got.Discarded)
	assert.Equal(t, `{"status": "ok", "file_name": "right.md"}`+"\n", got.Stdout)
}

func TestCollect_AccumulatesStdoutOnly(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Stdout("progress 1\n")
		_ = r.Stderr("warning: deprecated\n")
		_ = r.Stdout(`{"status": "ok",`)
		_ = r.Stdout(` "file_name": "a.md"}` + "\n")
		_ = r.Status("idle")
	})
	ch := dial(t, g, "k1")
	ctx := context.Background()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	got, err := ch.Collect(ctx, req.MsgID)
	require.NoError(t, err)
	assert.Equal(t, "progress 1\n{\"status\": \"ok\", \"file_name\": \"a.md\"}\n", got.Stdout)
}

func TestCollect_StopsAtError(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Stdout("partial\n")
		_ = r.Error("ValueError", "bad input", "Traceback", "ValueError: bad input")
		_ = r.Stdout("never read\n")
		_ = r.Status("idle")
	})
	ch := dial(t, g, "k1")
	ctx := context.Background()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	got, err := ch.Collect(ctx, req.MsgID)
	require.NoError(t, err)

	require.NotNil(t, got.Failure)
	assert.Equal(t, "ValueError", got.Failure.EName)
	assert.Equal(t, "bad input", got.Failure.EValue)
	assert.Equal(t, []string{"Traceback", "ValueError: bad input"}, got.Failure.Traceback)
	assert.False(t, got.Idle)
	assert.Equal(t, "partial\n", got.Stdout)
}

func TestCollect_IdleWithoutOutput(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Status("busy")
		_ = r.Status("idle")
	})
	ch := dial(t, g, "k1")
	ctx := context.Background()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	got, err := ch.Collect(ctx, req.MsgID)
	require.NoError(t, err)
	assert.True(t, got.Idle)
	assert.Empty(t, got.Stdout)
}

func TestCollect_SkipsUndecodableFrames(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Raw([]byte("not json"))
		_ = r.Status("idle")
	})
	ch := dial(t, g, "k1")
	ctx := context.Background()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	got, err := ch.Collect(ctx, req.MsgID)
	require.NoError(t, err)
	assert.True(t, got.Idle)
	assert.Equal(t, 1, got.Discarded)
}

func TestCollect_Deadline(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Status("busy")
	})
	ch := dial(t, g, "k1")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))

	start := time.Now()
	_, err := ch.Collect(ctx, req.MsgID)
	require.Error(t, err)
	assert.True(t, channel.IsTimeout(err), err)
	assert.Less(t, time.Since(start), 3*time.Second)

	err = ch.Send(context.Background(), channel.NewRequest("y", "u"))
	var te *channel.TransportError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestCollect_Cancel(t *testing.T) {
	g := gateway(t, nil)
	ch := dial(t, g, "k1")

	ctx, cancel := context.WithCancel(context.Background())
	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := ch.Collect(ctx, req.MsgID)
	assert.True(t, channel.IsTimeout(err), err)
}

func TestCollect_GatewayHangup(t *testing.T) {
	g := gateway(t, func(ex kerneltest.Execute, r *kerneltest.Reply) {
		_ = r.Hangup()
	})
	ch := dial(t, g, "k1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := channel.NewRequest("x", "u")
	require.NoError(t, ch.Send(ctx, req))
	_, err := ch.Collect(ctx, req.MsgID)
	require.Error(t, err)

	var te *channel.TransportError
	assert.True(t, errors.As(err, &te), err)
	assert.False(t, channel.IsTimeout(err))
}

func TestDial_Rejected(t *testing.T) {
	g := gateway(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := channel.Dial(ctx, g.URL(), "k1", channel.Options{Token: "wrong"})
	var te *channel.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Contains(t, err.Error(), "403")

	_, err = channel.Dial(ctx, g.URL(), "missing", channel.Options{Token: token})
	assert.Error(t, err)
}

func TestParseMessage(t *testing.T) {
	t.Run("header type wins", func(t *testing.T) {
		m, err := channel.ParseMessage([]byte(`{"header":{"msg_id":"m","msg_type":"stream"},"msg_type":"status","parent_header":{"msg_id":"p"},"content":{"name":"stdout","text":"hi"}}`))
		require.NoError(t, err)
		assert.Equal(t, channel.KindOutput, m.Kind)
		assert.Equal(t, "p", m.ParentID)
		s, err := m.Stream()
		require.NoError(t, err)
		assert.Equal(t, channel.StreamContent{Name: "stdout", Text: "hi"}, s)
	})

	t.Run("top level fallback", func(t *testing.T) {
		m, err := channel.ParseMessage([]byte(`{"header":{},"msg_type":"status","parent_header":{},"content":{"execution_state":"idle"}}`))
		require.NoError(t, err)
		assert.Equal(t, channel.KindStatus, m.Kind)
		assert.Empty(t, m.ParentID)
		st, err := m.Status()
		require.NoError(t, err)
		assert.Equal(t, "idle", st.ExecutionState)
	})

	t.Run("other kinds", func(t *testing.T) {
		m, err := channel.ParseMessage([]byte(`{"header":{"msg_type":"execute_input"}}`))
		require.NoError(t, err)
		assert.Equal(t, channel.KindOther, m.Kind)
		_, err = m.Failure()
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		m, err := channel.ParseMessage([]byte(`[`))
		assert.Error(t, err)
		assert.Equal(t, channel.KindOther, m.Kind)
	})

	t.Run("error content", func(t *testing.T) {
		raw, _ := json.Marshal(map[string]any{
			"header":        map[string]any{"msg_type": "error"},
			"parent_header": map[string]any{"msg_id": "p"},
			"content":       map[string]any{"ename": "RedirectionSetupError", "evalue": "x", "traceback": []string{}},
		})
		m, err := channel.ParseMessage(raw)
		require.NoError(t, err)
		f, err := m.Failure()
		require.NoError(t, err)
		assert.Equal(t, "RedirectionSetupError", f.EName)
	})
}
