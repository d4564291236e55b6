// Package orchestrator runs one document generation request end to end:
// identity checks, session checkout, code composition, submission, result
// collection and teardown. Run never panics and always returns a Response.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"docforge/internal/artifact"
	"docforge/internal/channel"
	"docforge/internal/compose"
	"docforge/internal/formats"
	"docforge/internal/kernel"
	"docforge/internal/ledger"
	"docforge/internal/logging"
	"docforge/internal/redirect"
)

// IdentityDiagnosticCode is reported when a request carries no user or
// conversation identity.
const IdentityDiagnosticCode = 18854

// State is a step of the run state machine.
type State string

const (
	StateIdle            State = "idle"
	StateSessionAcquired State = "session_acquired"
	StateSent            State = "sent"
	StateCollecting      State = "collecting"
	StateTerminated      State = "terminated"
)

// Outcome is the terminal result class.
type Outcome string

const (
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
	// OutcomeIndeterminate means the code may have run but no reliable
	// result was observed.
	OutcomeIndeterminate Outcome = "indeterminate"
)

// Request is a caller's document generation request.
type Request struct {
	Code           string
	TargetFormat   string
	DisplayName    string
	UserID         string
	ConversationID string
}

// Result is the structured outcome of a run.
type Result struct {
	RunID        string
	Outcome      Outcome
	ArtifactName string // set iff Outcome is ok
	Diagnostic   string // set iff Outcome is not ok
	Err          *Error
	SessionID    string
	Location     artifact.Location
	Duration     time.Duration
}

// Response is what the caller shows the end user.
type Response struct {
	Result      Result
	DownloadURL string
	// Text is a Markdown link on success and "Error: <diagnostic>" otherwise.
	Text string
}

// Sessions hands out exclusive kernel sessions.
type Sessions interface {
	Acquire(ctx context.Context) (kernel.Session, error)
	Release(ctx context.Context, s kernel.Session) error
}

// Conn is an open channel to a kernel.
type Conn interface {
	Send(ctx context.Context, req channel.Request) error
	Collect(ctx context.Context, msgID string) (channel.Collected, error)
	Close() error
}

// DialFunc opens a channel to a session.
type DialFunc func(ctx context.Context, sessionID string) (Conn, error)

// Recorder persists terminal runs.
type Recorder interface {
	Record(ctx context.Context, e ledger.Entry) error
}

// ChannelDialer dials gateway channels with channel.Dial.
func ChannelDialer(baseURL string, opts channel.Options) DialFunc {
	return func(ctx context.Context, sessionID string) (Conn, error) {
		return channel.Dial(ctx, baseURL, sessionID, opts)
	}
}

// Options configures an Orchestrator.
type Options struct {
	Sessions Sessions
	Dial     DialFunc

	ArtifactRoot    string
	DownloadBaseURL string

	// ExecutionTimeout bounds dial, send and collection.
	ExecutionTimeout time.Duration
	// ControlTimeout bounds teardown, which runs detached from the caller's
	// cancellation.
	ControlTimeout time.Duration

	// Debug shows detailed failure causes to end users.
	Debug bool

	Notifier Notifier
	Recorder Recorder
	Adapters []redirect.Adapter
}

// Orchestrator executes requests. It is safe for concurrent use.
type Orchestrator struct {
	opts Options
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 120 * time.Second
	}
	if opts.ControlTimeout <= 0 {
		opts.ControlTimeout = 15 * time.Second
	}
	return &Orchestrator{opts: opts}
}

type run struct {
	o       *Orchestrator
	req     Request
	id      string
	state   State
	start   time.Time
	ext     string
	session kernel.Session
	loc     artifact.Location
	log     *logging.Logger
}

func (r *run) enter(s State) {
	r.log.Debug("%s -> %s", r.state, s)
	r.state = s
}

// Run executes req and returns the caller-facing response.
func (o *Orchestrator) Run(ctx context.Context, req Request) Response {
	r := &run{
		o:     o,
		req:   req,
		id:    uuid.NewString(),
		state: StateIdle,
		start: time.Now(),
		ext:   formats.Extension(req.TargetFormat),
	}
	r.log = logging.Get(logging.CategoryOrchestrator).With("run", r.id)

	res := r.execute(ctx)
	res.RunID = r.id
	res.SessionID = r.session.ID
	res.Location = r.loc
	res.Duration = time.Since(r.start)
	r.enter(StateTerminated)

	resp := o.respond(ctx, r, res)
	o.record(ctx, r, res)
	return resp
}

func (r *run) execute(ctx context.Context) (res Result) {
	o := r.o
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run panicked: %v", p)
			res = r.fail(OutcomeFailed, newError(ExecutionError, string(r.state), nil, "internal error: %v", p))
		}
	}()

	o.notify(ctx, Notification{Event: EventStarting, Description: fmt.Sprintf("Generating %s document...", r.ext)})

	if err := validateIdentity(r.req); err != nil {
		return r.fail(OutcomeFailed, newError(ConfigurationError, "identity", err, "user or conversation identity missing"))
	}

	loc, err := artifact.New(o.opts.ArtifactRoot, r.req.UserID, r.req.ConversationID, r.ext)
	if err != nil {
		return r.fail(OutcomeFailed, newError(ConfigurationError, "artifact", err, "cannot place artifact"))
	}
	r.loc = loc

	sess, err := o.opts.Sessions.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return r.fail(OutcomeIndeterminate, newError(TimeoutError, "acquire", err,
				"control API did not answer in time (%s)", kernel.ReasonOf(err)))
		}
		return r.fail(OutcomeFailed, newError(SessionError, "acquire", err, "%s", kernel.ReasonOf(err)))
	}
	r.session = sess
	r.enter(StateSessionAcquired)
	defer r.release(ctx)

	code, err := compose.Compose(compose.Spec{UserCode: r.req.Code, Location: loc, Adapters: o.opts.Adapters})
	if err != nil {
		if errors.Is(err, compose.ErrNoLocation) {
			return r.fail(OutcomeFailed, newError(ConfigurationError, "compose", err, "artifact location is incomplete"))
		}
		return r.fail(OutcomeFailed, newError(RedirectionSetupError, "compose", err, "cannot render redirection adapters"))
	}

	o.notify(ctx, Notification{Event: EventSubmitting, Description: "Sending code to Jupyter backend..."})

	execCtx, cancel := context.WithTimeout(ctx, o.opts.ExecutionTimeout)
	defer cancel()

	conn, err := o.opts.Dial(execCtx, sess.ID)
	if err != nil {
		if channel.IsTimeout(err) {
			return r.fail(OutcomeFailed, newError(TimeoutError, "dial", err, "channel handshake timed out"))
		}
		return r.fail(OutcomeFailed, newError(TransportError, "dial", err, "cannot open channel"))
	}
	defer conn.Close()

	msg := channel.NewRequest(code, r.req.UserID)
	if err := conn.Send(execCtx, msg); err != nil {
		if channel.IsTimeout(err) {
			return r.fail(OutcomeFailed, newError(TimeoutError, "send", err, "request not sent in time"))
		}
		return r.fail(OutcomeFailed, newError(TransportError, "send", err, "cannot send request"))
	}
	r.enter(StateSent)
	r.log.Debug("sent %s to kernel %s, artifact %s", msg.MsgID, sess.ID, loc.Path())

	r.enter(StateCollecting)
	collected, err := conn.Collect(execCtx, msg.MsgID)
	if collected.Discarded > 0 {
		r.log.Debug("discarded %d messages for other requests", collected.Discarded)
	}
	if err != nil {
		if channel.IsTimeout(err) {
			return r.fail(OutcomeIndeterminate, newError(TimeoutError, "collect", err,
				"no terminal message within %s", o.opts.ExecutionTimeout))
		}
		return r.fail(OutcomeIndeterminate, newError(TransportError, "collect", err, "channel lost while waiting for result"))
	}

	if f := collected.Failure; f != nil {
		kind := ExecutionError
		if f.EName == redirect.SetupErrorName {
			kind = RedirectionSetupError
		}
		r.log.Debug("kernel traceback:\n%s", strings.Join(f.Traceback, "\n"))
		e := newError(kind, "execute", nil, "%s: %s", f.EName, f.EValue)
		e.Traceback = append([]string(nil), f.Traceback...)
		return r.fail(OutcomeFailed, e)
	}

	rep, ok := parseReport(collected.Stdout)
	if !ok {
		if strings.TrimSpace(collected.Stdout) == "" {
			return r.fail(OutcomeIndeterminate, newError(ResultParseError, "result", nil, "kernel went idle without reporting a result"))
		}
		return r.fail(OutcomeIndeterminate, newError(ResultParseError, "result", nil, "no status line in output"))
	}

	switch rep.Status {
	case "ok":
		if rep.FileName != loc.Name {
			return r.fail(OutcomeIndeterminate, newError(ResultParseError, "result", nil,
				"reported file %q, expected %q", rep.FileName, loc.Name))
		}
		return Result{Outcome: OutcomeOK, ArtifactName: loc.Name}
	case "error":
		message := rep.Message
		if message == "" {
			message = "file not created"
		}
		return r.fail(OutcomeFailed, newError(ArtifactMissingError, "result", nil, "%s", message))
	default:
		return r.fail(OutcomeIndeterminate, newError(ResultParseError, "result", nil, "unknown status %q", rep.Status))
	}
}

func validateIdentity(req Request) error {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ConversationID) == "" {
		return artifact.ErrEmptyIdentity
	}
	return nil
}

// release runs on a context detached from ctx's cancellation so teardown
// still happens when the caller gave up.
func (r *run) release(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.opts.ControlTimeout)
	defer cancel()
	if err := r.o.opts.Sessions.Release(tctx, r.session); err != nil {
		r.log.Warn("release of kernel %s failed: %v", r.session.ID, err)
	}
}

func (r *run) fail(outcome Outcome, err *Error) Result {
	if err.Kind == ConfigurationError || err.Kind == SessionError {
		r.log.Error("%v", err)
	} else {
		r.log.Warn("%v", err)
	}
	return Result{
		Outcome:    outcome,
		Diagnostic: r.o.diagnostic(err),
		Err:        err,
	}
}

// diagnostic is the user-visible message for err. Outside debug mode it is
// generic; the detail is in the log.
func (o *Orchestrator) diagnostic(err *Error) string {
	switch err.Kind {
	case ConfigurationError:
		if errors.Is(err, artifact.ErrEmptyIdentity) {
			return fmt.Sprintf("Something went wrong! Please contact the administrator and provide them with the error code %d", IdentityDiagnosticCode)
		}
	case ArtifactMissingError:
		return "Document generation failed: " + err.Detail
	case ExecutionError, RedirectionSetupError:
		// Detail is the remote "ename: evalue", which the caller wrote.
		return "Error in document generation: " + err.Detail
	case ResultParseError:
		if o.opts.Debug {
			return "Invalid response from Jupyter backend: " + err.Detail
		}
		return "Invalid response from Jupyter backend"
	}
	if o.opts.Debug {
		return "Error in document generation: " + err.Error()
	}
	return "Error in document generation: " + string(err.Kind)
}

func (o *Orchestrator) respond(ctx context.Context, r *run, res Result) Response {
	resp := Response{Result: res}
	if res.Outcome != OutcomeOK {
		resp.Text = "Error: " + res.Diagnostic
		o.notify(ctx, Notification{Event: EventFailed, Description: res.Diagnostic, Done: true, Hidden: !o.opts.Debug})
		return resp
	}

	name := r.req.DisplayName
	if name == "" {
		name = res.ArtifactName
	}
	url, err := artifact.DownloadURL(o.opts.DownloadBaseURL, res.Location)
	if err != nil {
		// The artifact exists; only the link is unavailable.
		r.log.Warn("download url: %v", err)
		resp.Text = name
	} else {
		resp.DownloadURL = url
		resp.Text = fmt.Sprintf("[%s](%s)", name, url)
	}

	o.notify(ctx, Notification{Event: EventSucceeded, Description: name + " generated successfully!", Done: true})
	if resp.DownloadURL != "" {
		o.notify(ctx, Notification{
			Event:       EventCitation,
			Description: "Download the document from the above url.",
			Done:        true,
			Source:      &Source{Name: fmt.Sprintf("Download '%s' here", name), URL: resp.DownloadURL},
		})
	}
	r.log.Info("generated %s in %v", res.Location.Path(), res.Duration)
	return resp
}

func (o *Orchestrator) notify(ctx context.Context, n Notification) {
	if o.opts.Notifier != nil {
		o.opts.Notifier.Notify(ctx, n)
	}
}

func (o *Orchestrator) record(ctx context.Context, r *run, res Result) {
	if o.opts.Recorder == nil {
		return
	}
	e := ledger.Entry{
		ID:             r.id,
		StartedAt:      r.start,
		Duration:       res.Duration,
		UserID:         r.req.UserID,
		ConversationID: r.req.ConversationID,
		Format:         r.ext,
		DisplayName:    r.req.DisplayName,
		SessionID:      res.SessionID,
		Outcome:        string(res.Outcome),
		ArtifactName:   res.ArtifactName,
		Diagnostic:     res.Diagnostic,
	}
	if res.Err != nil {
		e.ErrorKind = string(res.Err.Kind)
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ControlTimeout)
	defer cancel()
	if err := o.opts.Recorder.Record(rctx, e); err != nil {
		r.log.Warn("ledger: %v", err)
	}
}
