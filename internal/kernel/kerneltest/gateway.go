// Package kerneltest provides an in-process fake of the Jupyter kernel
// gateway: the control API plus the per-kernel WebSocket channel.
package kerneltest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Execute is one execute_request received on a channel.
type Execute struct {
	KernelID string
	MsgID    string
	Session  string
	Username string
	MsgType  string
	Code     string
	Raw      map[string]any
}

// Handler answers an execute request through r.
type Handler func(ex Execute, r *Reply)

// Gateway is a fake kernel gateway backed by httptest.
type Gateway struct {
	Server *httptest.Server
	Token  string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	kernels  []string
	deleted  []string
	created  int
	requests []Execute
	conns    []*websocket.Conn
	handler  Handler

	// status overrides; zero means the normal status
	listStatus   int
	createStatus int
	deleteStatus int
}

// New starts a fake gateway requiring token. Close it when done.
func New(token string, handler Handler) *Gateway {
	g := &Gateway{
		Token:    token,
		handler:  handler,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/kernels", g.list)
	mux.HandleFunc("POST /api/kernels", g.create)
	mux.HandleFunc("DELETE /api/kernels/{id}", g.delete)
	mux.HandleFunc("GET /api/kernels/{id}/channels", g.channels)
	g.Server = httptest.NewServer(mux)
	return g
}

// URL returns the gateway base URL (http).
func (g *Gateway) URL() string { return g.Server.URL }

// Close shuts down the server and any open channels.
func (g *Gateway) Close() {
	g.mu.Lock()
	for _, c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()
	g.Server.Close()
}

// FailList makes kernel listing answer status.
func (g *Gateway) FailList(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listStatus = status
}

// FailCreate makes kernel creation answer status.
func (g *Gateway) FailCreate(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createStatus = status
}

// FailDelete makes kernel deletion answer status.
func (g *Gateway) FailDelete(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteStatus = status
}

// SetHandler replaces the execute handler.
func (g *Gateway) SetHandler(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// AddKernel registers an existing kernel id.
func (g *Gateway) AddKernel(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kernels = append(g.kernels, id)
}

// Kernels returns the live kernel ids.
func (g *Gateway) Kernels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.kernels...)
}

// Deleted returns the ids deleted so far, in order.
func (g *Gateway) Deleted() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.deleted...)
}

// Created returns how many kernels were created.
func (g *Gateway) Created() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created
}

// Requests returns every execute request received.
func (g *Gateway) Requests() []Execute {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Execute(nil), g.requests...)
}

func (g *Gateway) authorized(r *http.Request) bool {
	if r.Header.Get("Authorization") == "token "+g.Token {
		return true
	}
	return r.URL.Query().Get("token") == g.Token
}

func (g *Gateway) list(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, `{"message":"Forbidden"}`, http.StatusForbidden)
		return
	}
	g.mu.Lock()
	status := g.listStatus
	out := make([]map[string]any, 0, len(g.kernels))
	for _, id := range g.kernels {
		out = append(out, map[string]any{
			"id":              id,
			"name":            "python3",
			"execution_state": "idle",
			"connections":     0,
			"last_activity":   time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
	g.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, `{"message":"unavailable"}`, status)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) create(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, `{"message":"Forbidden"}`, http.StatusForbidden)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	status := g.createStatus
	if status != 0 && status != http.StatusCreated {
		g.mu.Unlock()
		http.Error(w, `{"message":"refused"}`, status)
		return
	}
	g.created++
	id := fmt.Sprintf("kernel-%d", g.created)
	g.kernels = append(g.kernels, id)
	g.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "name": body.Name, "execution_state": "starting"})
}

func (g *Gateway) delete(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, `{"message":"Forbidden"}`, http.StatusForbidden)
		return
	}
	id := r.PathValue("id")

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteStatus != 0 {
		http.Error(w, `{"message":"refused"}`, g.deleteStatus)
		return
	}
	for i, k := range g.kernels {
		if k == id {
			g.kernels = append(g.kernels[:i], g.kernels[i+1:]...)
			g.deleted = append(g.deleted, id)
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	http.Error(w, `{"message":"no such kernel"}`, http.StatusNotFound)
}

func (g *Gateway) channels(w http.ResponseWriter, r *http.Request) {
	if !g.authorized(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	id := r.PathValue("id")
	g.mu.Lock()
	known := false
	for _, k := range g.kernels {
		known = known || k == id
	}
	g.mu.Unlock()
	if !known {
		http.Error(w, "no such kernel", http.StatusNotFound)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ex, ok := parseExecute(id, data)
		if !ok {
			continue
		}

		g.mu.Lock()
		g.requests = append(g.requests, ex)
		h := g.handler
		g.mu.Unlock()

		if h != nil {
			h(ex, &Reply{conn: conn, parent: ex.MsgID, session: ex.Session})
		}
	}
}

func parseExecute(kernelID string, data []byte) (Execute, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return Execute{}, false
	}
	header, _ := raw["header"].(map[string]any)
	content, _ := raw["content"].(map[string]any)
	str := func(m map[string]any, k string) string {
		s, _ := m[k].(string)
		return s
	}
	return Execute{
		KernelID: kernelID,
		MsgID:    str(header, "msg_id"),
		Session:  str(header, "session"),
		Username: str(header, "username"),
		MsgType:  str(header, "msg_type"),
		Code:     str(content, "code"),
		Raw:      raw,
	}, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Reply sends iopub-style messages back for one request.
type Reply struct {
	conn    *websocket.Conn
	parent  string
	session string
	seq     int
}

// Parent returns the msg_id being answered.
func (r *Reply) Parent() string { return r.parent }

// Send writes a message of msgType with the given parent id and content.
func (r *Reply) Send(parent, msgType string, content map[string]any) error {
	r.seq++
	msg := map[string]any{
		"header": map[string]any{
			"msg_id":   fmt.Sprintf("%s-reply-%d", r.parent, r.seq),
			"msg_type": msgType,
			"session":  r.session,
			"version":  "5.2",
		},
		"parent_header": map[string]any{"msg_id": parent},
		"msg_type":      msgType,
		"channel":       "iopub",
		"metadata":      map[string]any{},
		"content":       content,
	}
	return r.conn.WriteJSON(msg)
}

// Status sends an execution_state status.
func (r *Reply) Status(state string) error {
	return r.Send(r.parent, "status", map[string]any{"execution_state": state})
}

// Stdout sends a stdout stream chunk.
func (r *Reply) Stdout(text string) error {
	return r.Send(r.parent, "stream", map[string]any{"name": "stdout", "text": text})
}

// Stderr sends a stderr stream chunk.
func (r *Reply) Stderr(text string) error {
	return r.Send(r.parent, "stream", map[string]any{"name": "stderr", "text": text})
}

// Error sends an error message.
func (r *Reply) Error(ename, evalue string, traceback ...string) error {
	if traceback == nil {
		traceback = []string{}
	}
	return r.Send(r.parent, "error", map[string]any{"ename": ename, "evalue": evalue, "traceback": traceback})
}

// Foreign sends a stdout stream attributed to another request.
func (r *Reply) Foreign(text string) error {
	return r.Send("someone-else", "stream", map[string]any{"name": "stdout", "text": text})
}

// Raw writes an arbitrary frame.
func (r *Reply) Raw(data []byte) error {
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Hangup closes the channel from the gateway side.
func (r *Reply) Hangup() error {
	return r.conn.Close()
}

// Result replies the way a successful run does: busy, a result line, idle.
func Result(line string) Handler {
	return func(ex Execute, r *Reply) {
		_ = r.Status("busy")
		_ = r.Stdout(line + "\n")
		_ = r.Status("idle")
	}
}

// Stub answers every request with the ok line for the name the composed code
// asks for, without running it.
func Stub() Handler {
	return func(ex Execute, r *Reply) {
		name := ExtractName(ex.Code)
		_ = r.Status("busy")
		_ = r.Stdout(fmt.Sprintf(`{"status": "ok", "file_name": %q}`+"\n", name))
		_ = r.Status("idle")
	}
}

// ExtractName returns the artifact name a composed body will report.
func ExtractName(code string) string {
	const marker = `_docforge_name = "`
	i := strings.Index(code, marker)
	if i < 0 {
		return ""
	}
	rest := code[i+len(marker):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
