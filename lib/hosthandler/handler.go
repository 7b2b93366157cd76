// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package hosthandler

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/ax-platform/ax/lib/audit"
	"github.com/ax-platform/ax/lib/browser"
	"github.com/ax-platform/ax/lib/ipc"
	"github.com/ax-platform/ax/lib/memory"
	"github.com/ax-platform/ax/lib/metrics"
	"github.com/ax-platform/ax/lib/scheduler"
	"github.com/ax-platform/ax/lib/session"
	"github.com/ax-platform/ax/lib/skillgate"
	"github.com/ax-platform/ax/lib/ssrf"
	"github.com/ax-platform/ax/lib/websearch"
)

// memoryIDDomainKey separates memory-entry id hashing from any other
// blake3 use in the module, following lib/artifact/hash.go's domain
// separation convention.
var memoryIDDomainKey = [32]byte{
	'b', 'u', 'r', 'e', 'a', 'u', '.', 'm', 'e', 'm', 'o', 'r', 'y', '.', 'i', 'd',
}

// Config wires every dependency the dispatcher needs. Fields left nil
// make their action family respond with a clear "not configured"
// failure rather than panicking.
type Config struct {
	Memory        *memory.Host
	VectorStore   memory.VectorStore // backs memory_query's "semantic" mode; nil disables it
	Embedder      memory.Embedder    // required alongside VectorStore for "semantic" mode
	Scheduler     scheduler.Store
	SkillsDir     string // workspace-independent skill library root
	PendingDir    string // NEEDS_REVIEW skill proposals awaiting operator approval
	SSRF          *ssrf.Guard
	HTTPClient    *http.Client
	Audit         *audit.Log
	Metrics       *metrics.Registry
	MaxFetchBytes int64
	WebSearch     *websearch.Client // backs web_search; nil disables it
	Browser       *browser.Pool     // backs the browser_* family; nil disables it
}

// New returns an ipc.Handler dispatching every Action to config's
// wired dependencies.
func New(config Config) ipc.Handler {
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.MaxFetchBytes <= 0 {
		config.MaxFetchBytes = 1 << 20
	}
	d := &dispatcher{config: config}
	return d.handle
}

type dispatcher struct {
	config Config
}

func (d *dispatcher) handle(ctx context.Context, session ipc.Context, action ipc.Action, args json.RawMessage) (ipc.Response, error) {
	resp, err := d.dispatch(ctx, session, action, args)
	if d.config.Metrics != nil {
		result := "ok"
		if err != nil || !resp.OK {
			result = "error"
		}
		d.config.Metrics.RecordIPCAction(string(action), result)
	}
	return resp, err
}

func (d *dispatcher) dispatch(ctx context.Context, session ipc.Context, action ipc.Action, args json.RawMessage) (ipc.Response, error) {
	switch action {
	case ipc.ActionMemoryWrite:
		return d.memoryWrite(session, args)
	case ipc.ActionMemoryRead:
		return d.memoryRead(session, args)
	case ipc.ActionMemoryQuery:
		return d.memoryQuery(ctx, session, args)
	case ipc.ActionMemoryDelete:
		return d.memoryDelete(args)
	case ipc.ActionMemoryList:
		return d.memoryList(args)
	case ipc.ActionWebFetch:
		return d.webFetch(ctx, args)
	case ipc.ActionWebSearch:
		return d.webSearch(ctx, args)
	case ipc.ActionBrowserNavigate:
		return d.browserNavigate(ctx, session, args)
	case ipc.ActionBrowserSnapshot:
		return d.browserSnapshot(session)
	case ipc.ActionBrowserClick:
		return d.browserClick(session, args)
	case ipc.ActionBrowserType:
		return d.browserType(session, args)
	case ipc.ActionBrowserScreenshot:
		return d.browserScreenshot(session)
	case ipc.ActionSkillList:
		return d.skillList()
	case ipc.ActionSkillRead:
		return d.skillRead(args)
	case ipc.ActionSkillPropose:
		return d.skillPropose(args)
	case ipc.ActionSchedulerAddCron:
		return d.schedulerAddCron(session, args)
	case ipc.ActionSchedulerRemoveCron:
		return d.schedulerRemoveCron(args)
	case ipc.ActionSchedulerListJobs:
		return d.schedulerListJobs(session)
	case ipc.ActionAuditQuery:
		return d.auditQuery(session, args)
	default:
		return ipc.Fail(fmt.Sprintf("action %q is not available in this configuration", action)), nil
	}
}

func newMemoryID() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("hosthandler: generating memory id: %w", err)
	}
	hasher, err := blake3.NewKeyed(memoryIDDomainKey[:])
	if err != nil {
		return "", fmt.Errorf("hosthandler: hashing memory id: %w", err)
	}
	hasher.Write(nonce)
	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest[:16]), nil
}

func (d *dispatcher) memoryWrite(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Memory == nil {
		return ipc.Fail("memory is not configured"), nil
	}
	var req struct {
		Scope   string   `json:"scope"`
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	id, err := newMemoryID()
	if err != nil {
		return ipc.Response{}, err
	}
	entry := memory.Entry{ID: id, Scope: req.Scope, Content: req.Content, Tags: req.Tags}
	if err := d.config.Memory.Write(session.SessionID, entry); err != nil {
		return ipc.Fail("could not write memory entry"), nil
	}
	return ipc.OK(map[string]string{"id": id}), nil
}

func (d *dispatcher) memoryRead(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Memory == nil {
		return ipc.Fail("memory is not configured"), nil
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	entry, ok, err := d.config.Memory.Read(session.SessionID, defaultScope, req.ID)
	if err != nil {
		return ipc.Fail("could not read memory entry"), nil
	}
	if !ok {
		return ipc.Fail("memory entry not found"), nil
	}
	return ipc.OK(entryResult(entry)), nil
}

// defaultScope is used for memory_read/memory_delete, whose schemas
// identify an entry by id alone — the store still partitions by scope
// internally, so single-scope deployments use one constant bucket.
const defaultScope = "default"

func (d *dispatcher) memoryQuery(ctx context.Context, session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Memory == nil {
		return ipc.Fail("memory is not configured"), nil
	}
	var req struct {
		Query string `json:"query"`
		Mode  string `json:"mode"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	if req.Mode == "" {
		req.Mode = "tag"
	}

	switch req.Mode {
	case "exact":
		entry, ok, err := d.config.Memory.Read(session.SessionID, defaultScope, req.Query)
		if err != nil {
			return ipc.Fail("could not read memory entry"), nil
		}
		if !ok {
			return ipc.OK(map[string]any{"entries": []any{}}), nil
		}
		return ipc.OK(map[string]any{"entries": []any{entryResult(entry)}}), nil
	case "tag":
		tags := strings.Fields(req.Query)
		entries, err := d.config.Memory.Query(session.SessionID, defaultScope, tags)
		if err != nil {
			return ipc.Fail("could not query memory"), nil
		}
		if req.Limit > 0 && len(entries) > req.Limit {
			entries = entries[:req.Limit]
		}
		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = entryResult(e)
		}
		return ipc.OK(map[string]any{"entries": out}), nil
	case "semantic":
		if d.config.VectorStore == nil || d.config.Embedder == nil {
			return ipc.Fail("semantic memory query requires a configured vector store"), nil
		}
		vector, err := d.config.Embedder.Embed(ctx, req.Query)
		if err != nil {
			return ipc.Fail("could not embed query text"), nil
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 10
		}
		entries, err := d.config.Memory.SemanticQuery(ctx, d.config.VectorStore, session.SessionID, defaultScope, vector, limit)
		if err != nil {
			return ipc.Fail("could not run semantic query"), nil
		}
		out := make([]any, len(entries))
		for i, e := range entries {
			out[i] = entryResult(e)
		}
		return ipc.OK(map[string]any{"entries": out}), nil
	default:
		return ipc.Fail("unknown query mode"), nil
	}
}

func (d *dispatcher) memoryDelete(args json.RawMessage) (ipc.Response, error) {
	if d.config.Memory == nil {
		return ipc.Fail("memory is not configured"), nil
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	if err := d.config.Memory.Delete(defaultScope, req.ID); err != nil {
		return ipc.Fail("could not delete memory entry"), nil
	}
	return ipc.OK(nil), nil
}

func (d *dispatcher) memoryList(args json.RawMessage) (ipc.Response, error) {
	if d.config.Memory == nil {
		return ipc.Fail("memory is not configured"), nil
	}
	var req struct {
		Scope string `json:"scope"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	scope := req.Scope
	if scope == "" {
		scope = defaultScope
	}
	entries, err := d.config.Memory.List(scope)
	if err != nil {
		return ipc.Fail("could not list memory"), nil
	}
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = entryResult(e)
	}
	return ipc.OK(map[string]any{"entries": out}), nil
}

func entryResult(e memory.Entry) map[string]any {
	return map[string]any{
		"id":         e.ID,
		"scope":      e.Scope,
		"content":    e.Content,
		"tags":       e.Tags,
		"created_at": e.CreatedAt,
	}
}

func (d *dispatcher) webFetch(ctx context.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.SSRF == nil {
		return ipc.Fail("web fetch is not configured"), nil
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}

	parsed, err := d.config.SSRF.ValidateURL(ctx, req.URL)
	if err != nil {
		return ipc.Fail("url rejected: destination is not reachable from this agent"), nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return ipc.Fail("could not build request"), nil
	}
	resp, err := d.config.HTTPClient.Do(httpReq)
	if err != nil {
		return ipc.Fail("fetch failed"), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.config.MaxFetchBytes))
	if err != nil {
		return ipc.Fail("reading response failed"), nil
	}
	return ipc.OK(map[string]any{
		"status":  resp.StatusCode,
		"content": string(body),
	}), nil
}

func (d *dispatcher) webSearch(ctx context.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.WebSearch == nil {
		return ipc.Fail("web search is not configured"), nil
	}
	var req struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}

	results, err := d.config.WebSearch.Search(ctx, req.Query)
	if err != nil {
		return ipc.Fail("search failed"), nil
	}

	out := make([]map[string]any, len(results))
	var snippet strings.Builder
	for i, r := range results {
		out[i] = map[string]any{"title": r.Title, "url": r.URL, "snippet": r.Snippet}
		if i > 0 {
			snippet.WriteString("\n")
		}
		snippet.WriteString(r.Snippet)
	}
	return ipc.OK(map[string]any{
		"results": out,
		"snippet": snippet.String(),
	}), nil
}

// browserNavigate opens (or reuses) session's browser and loads url,
// guarding the destination exactly as webFetch does (spec.md §11.15) —
// browser_navigate is as capable of reaching an internal service as
// web_fetch is.
func (d *dispatcher) browserNavigate(ctx context.Context, session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Browser == nil || d.config.SSRF == nil {
		return ipc.Fail("browser automation is not configured"), nil
	}
	var req struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}

	parsed, err := d.config.SSRF.ValidateURL(ctx, req.URL)
	if err != nil {
		return ipc.Fail("url rejected: destination is not reachable from this agent"), nil
	}

	title, err := d.config.Browser.NavigateTo(session.SessionID, parsed.String())
	if err != nil {
		return ipc.Fail("navigation failed"), nil
	}
	return ipc.OK(map[string]any{
		"url":     parsed.String(),
		"title":   title,
		"content": title,
	}), nil
}

func (d *dispatcher) browserSnapshot(session ipc.Context) (ipc.Response, error) {
	if d.config.Browser == nil {
		return ipc.Fail("browser automation is not configured"), nil
	}
	title, text, err := d.config.Browser.Snapshot(session.SessionID)
	if err != nil {
		return ipc.Fail("snapshot failed: no page is open for this session"), nil
	}
	return ipc.OK(map[string]any{
		"title":   title,
		"content": text,
	}), nil
}

func (d *dispatcher) browserClick(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Browser == nil {
		return ipc.Fail("browser automation is not configured"), nil
	}
	var req struct {
		Selector string `json:"selector"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	if err := d.config.Browser.Click(session.SessionID, req.Selector); err != nil {
		return ipc.Fail("click failed"), nil
	}
	return ipc.OK(map[string]any{"clicked": req.Selector}), nil
}

func (d *dispatcher) browserType(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Browser == nil {
		return ipc.Fail("browser automation is not configured"), nil
	}
	var req struct {
		Selector string `json:"selector"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	if err := d.config.Browser.Type(session.SessionID, req.Selector, req.Text); err != nil {
		return ipc.Fail("type failed"), nil
	}
	return ipc.OK(map[string]any{"typed": req.Selector}), nil
}

func (d *dispatcher) browserScreenshot(session ipc.Context) (ipc.Response, error) {
	if d.config.Browser == nil {
		return ipc.Fail("browser automation is not configured"), nil
	}
	png, err := d.config.Browser.Screenshot(session.SessionID)
	if err != nil {
		return ipc.Fail("screenshot failed: no page is open for this session"), nil
	}
	return ipc.OK(map[string]any{
		"format": "png",
		"data":   base64.StdEncoding.EncodeToString(png),
	}), nil
}

func (d *dispatcher) skillList() (ipc.Response, error) {
	if d.config.SkillsDir == "" {
		return ipc.OK(map[string]any{"skills": []any{}}), nil
	}
	entries, err := os.ReadDir(d.config.SkillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return ipc.OK(map[string]any{"skills": []any{}}), nil
		}
		return ipc.Fail("could not list skills"), nil
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
	}
	sort.Strings(names)
	return ipc.OK(map[string]any{"skills": names}), nil
}

func (d *dispatcher) skillRead(args json.RawMessage) (ipc.Response, error) {
	if d.config.SkillsDir == "" {
		return ipc.Fail("skills are not configured"), nil
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	content, err := os.ReadFile(filepath.Join(d.config.SkillsDir, req.Name+".md"))
	if err != nil {
		return ipc.Fail("skill not found"), nil
	}
	return ipc.OK(map[string]string{"content": string(content)}), nil
}

func (d *dispatcher) skillPropose(args json.RawMessage) (ipc.Response, error) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Content     string `json:"content"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}

	verdict := skillgate.Evaluate(req.Content)
	switch verdict {
	case skillgate.Reject:
		return ipc.OK(map[string]string{"verdict": string(verdict)}), nil
	case skillgate.NeedsReview:
		if d.config.PendingDir != "" {
			if err := writeSkillFile(d.config.PendingDir, req.Name, req.Content); err != nil {
				return ipc.Fail("could not record proposal"), nil
			}
		}
		return ipc.OK(map[string]string{"verdict": string(verdict)}), nil
	default: // AutoApprove
		if d.config.SkillsDir == "" {
			return ipc.Fail("skills are not configured"), nil
		}
		if err := writeSkillFile(d.config.SkillsDir, req.Name, req.Content); err != nil {
			return ipc.Fail("could not save skill"), nil
		}
		return ipc.OK(map[string]string{"verdict": string(verdict)}), nil
	}
}

func writeSkillFile(dir, name, content string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644)
}

func (d *dispatcher) schedulerAddCron(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Scheduler == nil {
		return ipc.Fail("scheduler is not configured"), nil
	}
	var req struct {
		Schedule       string `json:"schedule"`
		Prompt         string `json:"prompt"`
		MaxTokenBudget int    `json:"max_token_budget"`
		Delivery       *struct {
			Mode   string `json:"mode"`
			Target string `json:"target"`
		} `json:"delivery"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}

	id, err := newMemoryID()
	if err != nil {
		return ipc.Response{}, err
	}
	job := scheduler.Job{
		ID:        id,
		Schedule:  req.Schedule,
		AgentID:   session.AgentID,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokenBudget,
		CreatedAt: time.Now(),
	}
	if req.Delivery != nil {
		job.Delivery.Mode = session.DeliveryMode(req.Delivery.Mode)
		job.Delivery.Target = req.Delivery.Target
	}
	if err := scheduler.AddCron(d.config.Scheduler, job); err != nil {
		return ipc.Fail(fmt.Sprintf("invalid schedule: %v", err)), nil
	}
	return ipc.OK(map[string]string{"id": id}), nil
}

func (d *dispatcher) schedulerRemoveCron(args json.RawMessage) (ipc.Response, error) {
	if d.config.Scheduler == nil {
		return ipc.Fail("scheduler is not configured"), nil
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	if err := d.config.Scheduler.Remove(req.ID); err != nil {
		return ipc.Fail("could not remove job"), nil
	}
	return ipc.OK(nil), nil
}

func (d *dispatcher) schedulerListJobs(session ipc.Context) (ipc.Response, error) {
	if d.config.Scheduler == nil {
		return ipc.Fail("scheduler is not configured"), nil
	}
	jobs, err := d.config.Scheduler.List(session.AgentID)
	if err != nil {
		return ipc.Fail("could not list jobs"), nil
	}
	out := make([]any, len(jobs))
	for i, j := range jobs {
		out[i] = map[string]any{
			"id":       j.ID,
			"schedule": j.Schedule,
			"prompt":   j.Prompt,
		}
	}
	return ipc.OK(map[string]any{"jobs": out}), nil
}

func (d *dispatcher) auditQuery(session ipc.Context, args json.RawMessage) (ipc.Response, error) {
	if d.config.Audit == nil {
		return ipc.Fail("audit log is not configured"), nil
	}
	var req struct {
		Since string `json:"since"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return ipc.Fail("invalid arguments"), nil
	}
	var since time.Time
	if req.Since != "" {
		parsed, err := time.Parse(time.RFC3339, req.Since)
		if err != nil {
			return ipc.Fail("invalid since timestamp"), nil
		}
		since = parsed
	}
	entries, err := d.config.Audit.Query(session.SessionID, since, req.Limit)
	if err != nil {
		return ipc.Fail("could not query audit log"), nil
	}
	return ipc.OK(map[string]any{"entries": entries}), nil
}
