// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/ax-platform/ax/lib/audit"
	"github.com/ax-platform/ax/lib/taint"
)

// maxFrameSize bounds a single incoming frame. No action's combined
// field lengths approach this; it exists to reject a corrupt or
// hostile length prefix before allocating a buffer for it.
const maxFrameSize = 1 << 20 // 1 MiB

// sessionIDPattern enforces spec.md §3's "sessionId must match
// UUIDv4" invariant: lowercase UUIDv4 only.
var sessionIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id is a lowercase UUIDv4.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Handler dispatches one validated action for a session. Handlers
// return a Response; a returned error is an unexpected internal
// failure, not a declined-action response — handlers use Fail(...)
// for expected policy/validation outcomes instead of returning err.
type Handler func(ctx context.Context, session Context, action Action, args json.RawMessage) (Response, error)

// Server terminates length-prefixed JSON connections from sandboxed
// agents. One Server typically serves one sandbox's socket for the
// lifetime of that sandbox's process, but nothing here prevents
// multiple concurrent connections.
type Server struct {
	// Handle dispatches a validated request to the action's handler.
	Handle Handler

	// Audit receives one entry per non-query action, success or
	// failure (spec.md §4.1). May be nil in tests.
	Audit *audit.Log

	// Logger receives connection lifecycle and error events. Defaults
	// to slog.Default() if nil.
	Logger *slog.Logger

	// Taint and Budget back the sensitive-action gate (spec.md §4.1)
	// and the taint fields of every audit entry (spec.md §4.1 "the
	// session's taint tag at the time of call"). Nil disables both:
	// SensitiveActions dispatch unconditionally and audit entries carry
	// Tainted=false.
	Taint          *taint.Tracker
	Budget         *taint.Budget
	TaintThreshold float64

	listener net.Listener
	conns    sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// queryActions are read-only and excluded from the mandatory audit
// trail spec.md §4.1 requires for "non-query actions".
var queryActions = map[Action]bool{
	ActionAuditQuery:        true,
	ActionSkillList:         true,
	ActionSkillRead:         true,
	ActionSchedulerListJobs: true,
	ActionMemoryList:        true,
}

// Serve accepts connections on listener until the context is
// cancelled. Each connection is handled in its own goroutine; Serve
// returns once the listener is closed and all in-flight connections
// have drained.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.listener = listener
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	defer close(s.done)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.conns.Wait()
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Stop cancels the serve loop and waits for in-flight connections to
// finish.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// sessionHandshake is the first frame a sandbox sends on a new
// connection: its session and agent identity, established once per
// connection and never re-derived from subsequent payloads (spec.md
// §4.1 "Context injection").
type sessionHandshake struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
}

// handleConnection reads the handshake frame, then services requests
// until the connection errors or closes. A malformed frame or a
// handshake with an invalid session ID terminates the connection but
// never the process (spec.md §4.1 "Failure semantics").
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger()

	reader := bufio.NewReader(conn)
	handshakeBytes, err := readFrame(reader)
	if err != nil {
		logger.Error("ipc: handshake read failed", "error", err)
		return
	}
	var handshake sessionHandshake
	if err := json.Unmarshal(handshakeBytes, &handshake); err != nil {
		logger.Error("ipc: handshake malformed", "error", err)
		return
	}
	if !ValidSessionID(handshake.SessionID) {
		logger.Error("ipc: handshake invalid session_id", "session_id", handshake.SessionID)
		return
	}
	session := Context{SessionID: handshake.SessionID, AgentID: handshake.AgentID}
	logger = logger.With("session_id", session.SessionID, "agent_id", session.AgentID)

	for {
		requestBytes, err := readFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Error("ipc: frame read failed", "error", err)
			}
			return
		}
		s.handleRequest(ctx, conn, session, requestBytes, logger)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, session Context, raw []byte, logger *slog.Logger) {
	start := time.Now()

	// Captured before dispatch, per spec.md §4.1's "the session's taint
	// tag at the time of call" — an audit entry reflects the session's
	// taint state going into the call, not any tainting the call itself
	// produces.
	tainted, taintSource := s.taintTag(session.SessionID)

	var envelope struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if err := writeFrame(conn, Fail("malformed request")); err != nil {
			logger.Error("ipc: writing response failed", "error", err)
		}
		return
	}

	if err := ValidateRaw(envelope.Action, raw); err != nil {
		s.recordAudit(session, envelope.Action, raw, audit.ResultError, err.Error(), time.Since(start), tainted, taintSource)
		if err := writeFrame(conn, Fail("validation failed")); err != nil {
			logger.Error("ipc: writing response failed", "error", err)
		}
		return
	}

	// Sensitive-action gate (spec.md §4.1): consult the taint budget
	// before dispatch, not after. The failure message is deliberately
	// generic — the agent is never told its ratio or the threshold, so
	// it cannot learn how much more "clean" content to mix in to slip
	// under the bar.
	if SensitiveActions[envelope.Action] && s.Budget != nil && s.Budget.BlocksSensitive(session.SessionID, s.TaintThreshold) {
		s.recordAudit(session, envelope.Action, raw, audit.ResultBlocked, "taint budget exceeds threshold for sensitive actions", time.Since(start), tainted, taintSource)
		if err := writeFrame(conn, Fail("action blocked by taint policy")); err != nil {
			logger.Error("ipc: writing response failed", "error", err)
		}
		return
	}

	resp, err := s.Handle(ctx, session, envelope.Action, raw)
	if err != nil {
		logger.Error("ipc: handler error", "action", envelope.Action, "error", err)
		resp = Fail("internal error")
	}

	// recordTaintSource is called by the IPC server only after a
	// taint-producing action succeeds (spec.md §4.2), never by the
	// handler itself — this is the one place every such action passes
	// through regardless of which concrete handler served it.
	if resp.OK && TaintProducingActions[envelope.Action] {
		if s.Taint != nil {
			s.Taint.RecordTaintSource(session.SessionID, string(envelope.Action), resultDetail(resp))
		}
		if s.Budget != nil {
			s.Budget.RecordContent(session.SessionID, resultContent(resp), true)
		}
	}

	if !queryActions[envelope.Action] {
		result := audit.ResultSuccess
		reason := ""
		if !resp.OK {
			result = audit.ResultError
			reason = resp.Error
		}
		s.recordAudit(session, envelope.Action, raw, result, reason, time.Since(start), tainted, taintSource)
	}

	if err := writeFrame(conn, resp); err != nil {
		logger.Error("ipc: writing response failed", "error", err)
	}
}

// taintTag reports sessionID's taint state at this instant: whether it
// is currently tainted, and the most recent taint source's action name
// if so. Returns false/"" when no tracker is configured.
func (s *Server) taintTag(sessionID string) (bool, string) {
	if s.Taint == nil {
		return false, ""
	}
	tainted := s.Taint.IsTainted(sessionID)
	if !tainted {
		return false, ""
	}
	tag, ok := s.Taint.GetTaintTag(sessionID)
	if !ok {
		return true, ""
	}
	return true, tag.Source
}

// resultDetail and resultContent pull a short descriptor and the bulk
// text out of a successful taint-producing action's result, for
// RecordTaintSource's detail and RecordContent's text respectively.
// Every taint-producing handler (web_fetch, web_search, the browser_*
// family) returns its primary text under one of these well-known
// field names; an unrecognized shape degrades to an empty string
// rather than failing the call.
func resultDetail(resp Response) string {
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"url", "query"} {
		if s, ok := result[key].(string); ok {
			return s
		}
	}
	return ""
}

func resultContent(resp Response) string {
	result, ok := resp.Result.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"content", "snippet", "text"} {
		if s, ok := result[key].(string); ok {
			return s
		}
	}
	return ""
}

func (s *Server) recordAudit(session Context, action Action, raw []byte, result audit.Result, reason string, duration time.Duration, tainted bool, taintSource string) {
	if s.Audit == nil {
		return
	}
	entry := audit.Entry{
		SessionID:   session.SessionID,
		AgentID:     session.AgentID,
		Action:      string(action),
		ArgsSummary: summarizeArgs(raw),
		Result:      result,
		Reason:      reason,
		Duration:    duration.String(),
		Tainted:     tainted,
		TaintSource: taintSource,
	}
	if err := s.Audit.Record(entry); err != nil {
		s.logger().Error("ipc: audit write failed", "error", err)
	}
}

// summarizeArgs returns a bounded, non-sensitive description of a
// request's arguments for the audit trail — the action name and
// payload size, never raw content (spec.md §4.1 "validated args
// summary" is explicitly not the raw payload).
func summarizeArgs(raw []byte) string {
	return fmt.Sprintf("%d bytes", len(raw))
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	var lengthBytes [4]byte
	if _, err := io.ReadFull(reader, lengthBytes[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes[:])
	if length > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame too large (%d bytes)", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, fmt.Errorf("ipc: short frame body: %w", err)
	}
	return buf, nil
}

func writeFrame(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("ipc: marshaling response: %w", err)
	}
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(body)))
	if _, err := w.Write(lengthBytes[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// WriteRequest frames and writes a request (action + raw args object)
// to w. Used by the agent runner's client side, not the server.
func WriteRequest(w io.Writer, raw []byte) error {
	var lengthBytes [4]byte
	binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(raw)))
	if _, err := w.Write(lengthBytes[:]); err != nil {
		return err
	}
	_, err := w.Write(raw)
	return err
}

// ReadResponse reads one length-prefixed response frame from r.
func ReadResponse(r *bufio.Reader) ([]byte, error) {
	return readFrame(r)
}
