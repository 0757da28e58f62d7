// Package dispatch runs the per-request state machine: validate, bind a
// profile, select containers, drive the worker, and seal the ledger.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatpool/internal/chats"
	"chatpool/internal/iolog"
	"chatpool/internal/ledger"
	"chatpool/internal/models"
	"chatpool/internal/profilegate"
	"chatpool/internal/prompts"
	"chatpool/internal/selector"
	"chatpool/internal/upstream"
)

// FailureNotifier receives best-effort alerts about terminal failures.
type FailureNotifier interface {
	JobFailed(jobID, requestID, code, message string)
}

// Orchestrator wires the dispatch pipeline together.
type Orchestrator struct {
	store    *ledger.Store
	gate     *profilegate.Gate
	pool     *upstream.Pool
	selector *selector.Selector
	chats    *chats.Manager
	prompts  *prompts.Registry

	allowSocksOverride bool
	notifier           FailureNotifier
}

// Opts collects the orchestrator's collaborators.
type Opts struct {
	Store              *ledger.Store
	Gate               *profilegate.Gate
	Pool               *upstream.Pool
	Selector           *selector.Selector
	Chats              *chats.Manager
	Prompts            *prompts.Registry
	AllowSocksOverride bool
	Notifier           FailureNotifier
}

func New(o Opts) *Orchestrator {
	return &Orchestrator{
		store:              o.Store,
		gate:               o.Gate,
		pool:               o.Pool,
		selector:           o.Selector,
		chats:              o.Chats,
		prompts:            o.Prompts,
		allowSocksOverride: o.AllowSocksOverride,
		notifier:           o.Notifier,
	}
}

// Execute serves one request end to end and returns the HTTP status plus
// the response body.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (int, Response) {
	// A caller disconnect must not abandon a worker mid-task: in-flight
	// upstream calls run to completion or timeout and their result is
	// persisted. Deadlines come from the per-container client timeouts.
	ctx = context.WithoutCancel(ctx)

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	meta := Meta{RequestID: requestID, StartedAt: time.Now().UTC().Format(time.RFC3339Nano)}

	// Shape validation happens before any resource is touched; no job row
	// exists for a malformed request.
	if err := validateInput(req.Input); err != nil {
		return o.fail(nil, meta, CodeInvalidRequest, err.Error(), req)
	}

	promptID := req.Options.PromptID
	if promptID == "" {
		promptID = "default"
	}

	job := &models.Job{
		RequestID:     requestID,
		PromptID:      promptID,
		InputText:     req.Input.Text,
		InputHasImage: req.Input.ImageB64 != "",
		InputImageExt: req.Input.ImageExt,
	}
	if err := o.store.CreateJob(job); err != nil {
		log.Printf("dispatch: create job: %v", err)
		return o.fail(nil, meta, CodeInternalError, "ledger unavailable", req)
	}
	meta.JobID = job.JobID

	spec, err := o.prompts.Get(promptID)
	if err != nil {
		var unknown *prompts.UnknownPromptError
		if errors.As(err, &unknown) {
			return o.fail(job, meta, CodeInvalidRequest, err.Error(), req)
		}
		log.Printf("dispatch: %s: resolve prompt: %v", job.JobID, err)
		return o.fail(job, meta, CodeInternalError, "prompt resolution failed", req)
	}
	meta.PromptIDSelected = spec.PromptID

	maxUses := spec.DefaultMaxChatUses
	if req.Options.MaxChatUses != nil && *req.Options.MaxChatUses > 0 {
		maxUses = *req.Options.MaxChatUses
	}

	// A pinned chat URL binds the request to that chat's container.
	var pinned *models.ChatSession
	forced := ""
	if req.Options.ChatURL != "" {
		pinned, err = o.chats.ResolvePinned(req.Options.ChatURL)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownChatURL) {
				return o.fail(job, meta, CodeUnknownChatURL, err.Error(), req)
			}
			var blocked *chats.BlockedError
			if errors.As(err, &blocked) {
				return o.fail(job, meta, CodeChatBlocked, err.Error(), req)
			}
			log.Printf("dispatch: %s: resolve pinned chat: %v", job.JobID, err)
			return o.fail(job, meta, CodeInternalError, "pinned chat resolution failed", req)
		}
		if pinned.PromptID != promptID {
			msg := fmt.Sprintf("chat %s belongs to prompt %q, request asked for %q",
				req.Options.ChatURL, pinned.PromptID, promptID)
			return o.fail(job, meta, CodeInvalidRequest, msg, req)
		}
		forced = pinned.ContainerID
	}

	profile, code, msg := o.resolveProfile(req.Options, pinned, forced)
	if code != "" {
		return o.fail(job, meta, code, msg, req)
	}
	meta.ProfileID = profile.ProfileID

	if pinned != nil && pinned.ProfileID != "" && pinned.ProfileID != profile.ProfileID {
		msg := fmt.Sprintf("chat %s belongs to profile %q, request asked for %q",
			req.Options.ChatURL, pinned.ProfileID, profile.ProfileID)
		return o.fail(job, meta, CodeInvalidRequest, msg, req)
	}

	socksID, socksURL, code, msg := o.resolveSocks(req.Options, profile)
	if code != "" {
		return o.fail(job, meta, code, msg, req)
	}
	meta.SocksID = socksID

	if err := o.store.SetJobIdentity(job.JobID, profile.ProfileID, socksID, spec.PromptID); err != nil {
		log.Printf("dispatch: %s: %v", job.JobID, err)
	}

	guard, err := o.gate.TryAcquire(profile.ProfileID, requestID)
	if err != nil {
		var busy *profilegate.BusyError
		if errors.As(err, &busy) {
			return o.fail(job, meta, CodeProfileBusy, busy.Error(), req)
		}
		return o.fail(job, meta, CodeInternalError, "profile gate failure", req)
	}
	defer guard.Release()

	return o.runAttempts(ctx, req, job, meta, spec, profile, pinned, forced, maxUses, socksID, socksURL, requestID)
}

func validateInput(in Input) error {
	if in.Text == "" && in.ImageB64 == "" {
		return errors.New("input requires text or image_b64")
	}
	if in.ImageB64 != "" && in.ImageExt == "" {
		return errors.New("image_b64 requires image_ext")
	}
	return nil
}

// resolveProfile binds the request to a profile. Explicit selection skips
// the eligibility rules but never the guest block.
func (o *Orchestrator) resolveProfile(opts Options, pinned *models.ChatSession, forced string) (*models.Profile, string, string) {
	profileID := opts.ProfileID
	if profileID == "" && pinned != nil && pinned.ProfileID != "" {
		profileID = pinned.ProfileID
	}

	if profileID != "" {
		p, err := o.store.GetProfile(profileID)
		if err != nil {
			log.Printf("dispatch: get profile %s: %v", profileID, err)
			return nil, CodeInternalError, "profile lookup failed"
		}
		if p == nil {
			return nil, CodeInvalidRequest, fmt.Sprintf("unknown profile %q", profileID)
		}
		blocked, err := o.store.ProfileHasGuestChat(p.ProfileID)
		if err != nil {
			log.Printf("dispatch: guest check %s: %v", p.ProfileID, err)
			return nil, CodeInternalError, "guest check failed"
		}
		if blocked {
			return nil, CodeProfileBlocked, fmt.Sprintf("profile %q has guest chats and needs operator attention", p.ProfileID)
		}
		return p, "", ""
	}

	list, err := o.store.ListProfiles()
	if err != nil {
		log.Printf("dispatch: list profiles: %v", err)
		return nil, CodeInternalError, "profile listing failed"
	}
	for i := range list {
		p := &list[i]
		if !p.Eligible() {
			continue
		}
		if forced != "" && !contains(p.AllowedContainerIDs(), forced) {
			continue
		}
		if !o.anyEnabled(p.AllowedContainerIDs()) {
			continue
		}
		blocked, err := o.store.ProfileHasGuestChat(p.ProfileID)
		if err != nil {
			log.Printf("dispatch: guest check %s: %v", p.ProfileID, err)
			continue
		}
		if blocked {
			continue
		}
		return p, "", ""
	}
	return nil, CodeNoProfileAvailable, "no eligible profile"
}

func (o *Orchestrator) anyEnabled(ids []string) bool {
	for _, id := range ids {
		if o.pool.IsEnabled(id) {
			return true
		}
	}
	return false
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// resolveSocks picks the proxy for the run: request override first, then
// the profile's assignment.
func (o *Orchestrator) resolveSocks(opts Options, profile *models.Profile) (string, string, string, string) {
	if ov := opts.SocksOverride; ov != "" {
		if !o.allowSocksOverride {
			return "", "", CodeInvalidRequest, "socks_override is disabled"
		}
		if strings.Contains(ov, "://") {
			return iolog.RedactURL(ov), ov, "", ""
		}
		pe, err := o.store.GetSocks(ov)
		if err != nil {
			log.Printf("dispatch: get socks %s: %v", ov, err)
			return "", "", CodeInternalError, "socks lookup failed"
		}
		if pe == nil {
			return "", "", CodeInvalidRequest, fmt.Sprintf("unknown socks_id %q", ov)
		}
		return pe.SocksID, pe.URL, "", ""
	}

	if profile.SocksID == nil || *profile.SocksID == "" {
		return "", "", "", ""
	}
	pe, err := o.store.GetSocks(*profile.SocksID)
	if err != nil {
		log.Printf("dispatch: get socks %s: %v", *profile.SocksID, err)
		return "", "", CodeInternalError, "socks lookup failed"
	}
	if pe == nil {
		return "", "", CodeInternalError, fmt.Sprintf("profile references unknown socks_id %q", *profile.SocksID)
	}
	return pe.SocksID, pe.URL, "", ""
}

// runAttempts is the failover loop. Each iteration burns one container:
// busy and transient outcomes seal the attempt and move on, hard errors
// and success end the job.
func (o *Orchestrator) runAttempts(ctx context.Context, req Request, job *models.Job, meta Meta,
	spec prompts.Spec, profile *models.Profile, pinned *models.ChatSession,
	forced string, maxUses int, socksID, socksURL, requestID string) (int, Response) {

	allowed := profile.AllowedContainerIDs()
	tried := make(map[string]bool)
	sawUpstream := false
	lastMsg := ""

	for {
		cid, err := o.selector.Pick(ctx, allowed, tried, forced)
		if err != nil {
			var none *selector.NoneAvailableError
			if !errors.As(err, &none) {
				log.Printf("dispatch: %s: select container: %v", job.JobID, err)
				return o.fail(job, meta, CodeInternalError, "container selection failed", req)
			}
			code := CodeContainerBusy
			if sawUpstream {
				code = CodeUpstreamError
			}
			msg := none.Reason
			if lastMsg != "" {
				msg = fmt.Sprintf("%s; last failure: %s", none.Reason, lastMsg)
			}
			return o.fail(job, meta, code, msg, req)
		}

		var sess *models.ChatSession
		if pinned != nil && cid == pinned.ContainerID {
			sess = pinned
		} else {
			key := ledger.SessionKey{ContainerID: cid, PromptID: spec.PromptID, ProfileID: profile.ProfileID, SocksID: socksID}
			sess, err = o.chats.Resolve(key, req.Options.ForceNewChat, maxUses)
			if err != nil {
				log.Printf("dispatch: %s: resolve session on %s: %v", job.JobID, cid, err)
				return o.fail(job, meta, CodeInternalError, "session resolution failed", req)
			}
		}

		if err := o.store.AppendJobContainer(job.JobID, cid); err != nil {
			log.Printf("dispatch: %s: %v", job.JobID, err)
		}
		meta.ContainerIDsUsed = append(meta.ContainerIDsUsed, cid)

		attempt := &models.JobAttempt{
			JobID:         job.JobID,
			ContainerID:   cid,
			PromptID:      spec.PromptID,
			ProfileID:     profile.ProfileID,
			SocksID:       socksID,
			ChatSessionID: &sess.ID,
			PageURL:       sess.PageURL,
		}
		if sess.ChatID != nil {
			attempt.ChatID = *sess.ChatID
		}
		if err := o.store.CreateAttempt(attempt); err != nil {
			log.Printf("dispatch: %s: %v", job.JobID, err)
			return o.fail(job, meta, CodeInternalError, "ledger unavailable", req)
		}

		client, err := o.pool.Get(cid)
		if err != nil {
			o.sealAttempt(attempt.AttemptID, "", CodeInternalError, err.Error())
			return o.fail(job, meta, CodeInternalError, err.Error(), req)
		}
		callOpts := upstream.CallOpts{
			Profile:   profile.ProfileValue,
			SocksURL:  socksURL,
			RequestID: requestID,
		}

		out, lerr := o.chats.EnsureLoaded(ctx, client, sess, spec.StartText, callOpts)
		if lerr != nil {
			log.Printf("dispatch: %s: record chat on %s: %v", job.JobID, cid, lerr)
			o.sealAttempt(attempt.AttemptID, "", CodeInternalError, lerr.Error())
			return o.fail(job, meta, CodeInternalError, "ledger unavailable", req)
		}
		if !out.OK() {
			status, resp, retry := o.attemptFailed(req, job, meta, attempt.AttemptID, cid, out, tried, &sawUpstream, &lastMsg)
			if retry {
				continue
			}
			return status, resp
		}

		final, failed := o.deliver(ctx, client, req.Input, sess, callOpts)
		if failed != nil {
			status, resp, retry := o.attemptFailed(req, job, meta, attempt.AttemptID, cid, *failed, tried, &sawUpstream, &lastMsg)
			if retry {
				continue
			}
			return status, resp
		}

		return o.succeed(req, job, meta, attempt.AttemptID, sess, profile, final)
	}
}

// deliver sends the request content to the established chat. Both parts of
// a text+image request must land for the attempt to count.
func (o *Orchestrator) deliver(ctx context.Context, client *upstream.Client, in Input,
	sess *models.ChatSession, callOpts upstream.CallOpts) (upstream.Outcome, *upstream.Outcome) {

	var final upstream.Outcome
	callOpts.PageURL = sess.PageURL

	if in.Text != "" {
		final = client.AnalyzeText(ctx, in.Text, callOpts)
		if !final.OK() {
			return final, &final
		}
		if err := o.chats.AbsorbPageURL(sess, final.PageURL()); err != nil {
			log.Printf("dispatch: absorb page url: %v", err)
		}
		callOpts.PageURL = sess.PageURL
	}
	if in.ImageB64 != "" {
		final = client.AnalyzeImage(ctx, in.ImageB64, in.ImageExt, callOpts)
		if !final.OK() {
			return final, &final
		}
		if err := o.chats.AbsorbPageURL(sess, final.PageURL()); err != nil {
			log.Printf("dispatch: absorb page url: %v", err)
		}
	}
	return final, nil
}

// attemptFailed seals the attempt and decides the loop's fate: retry on a
// failover-eligible outcome, terminal response otherwise.
func (o *Orchestrator) attemptFailed(req Request, job *models.Job, meta Meta, attemptID, cid string,
	out upstream.Outcome, tried map[string]bool, sawUpstream *bool, lastMsg *string) (int, Response, bool) {

	code := CodeUpstreamError
	if out.Kind == upstream.KindBusy {
		code = CodeContainerBusy
	}
	o.sealAttempt(attemptID, "", code, out.Message())

	if out.Failover() {
		log.Printf("dispatch: %s: container %s %s (%s), trying next", job.JobID, cid, out.Kind, out.Message())
		tried[cid] = true
		if out.Kind == upstream.KindTransient {
			*sawUpstream = true
		}
		*lastMsg = out.Message()
		return 0, Response{}, true
	}

	// Hard errors do not fail over.
	status, resp := o.fail(job, meta, CodeUpstreamError, out.Message(), req)
	return status, resp, false
}

func (o *Orchestrator) succeed(req Request, job *models.Job, meta Meta, attemptID string,
	sess *models.ChatSession, profile *models.Profile, final upstream.Outcome) (int, Response) {

	text := final.Text()

	chatID := ""
	if sess.ChatID != nil {
		chatID = *sess.ChatID
	}
	if err := o.store.SetAttemptChat(attemptID, chatID, sess.PageURL); err != nil {
		log.Printf("dispatch: %s: %v", job.JobID, err)
	}
	o.sealAttempt(attemptID, text, "", "")

	if err := o.store.IncrementSessionUse(sess.ID); err != nil {
		log.Printf("dispatch: %s: %v", job.JobID, err)
	}
	if err := o.store.IncrementProfileUse(profile.ProfileID); err != nil {
		log.Printf("dispatch: %s: %v", job.JobID, err)
	}
	if err := o.store.SealJob(job.JobID, models.JobSucceeded, text, "", ""); err != nil {
		log.Printf("dispatch: %s: %v", job.JobID, err)
	}

	meta.PageURL = sess.PageURL
	meta.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	resp := Response{OK: true, Final: &Final{Text: text}, Meta: meta}
	if req.Options.IncludeDebug {
		resp.Attempts = o.debugAttempts(job.JobID)
	}
	return HTTPStatus(""), resp
}

func (o *Orchestrator) sealAttempt(attemptID, resultText, errorCode, errorMessage string) {
	status := models.AttemptSucceeded
	if errorCode != "" {
		status = models.AttemptFailed
	}
	if err := o.store.SealAttempt(attemptID, status, resultText, errorCode, errorMessage); err != nil {
		log.Printf("dispatch: seal attempt %s: %v", attemptID, err)
	}
}

// fail seals the job (when one exists) and renders the terminal error.
func (o *Orchestrator) fail(job *models.Job, meta Meta, code, msg string, req Request) (int, Response) {
	msg = iolog.RedactURL(msg)
	if job != nil {
		if err := o.store.SealJob(job.JobID, models.JobFailed, "", code, msg); err != nil {
			log.Printf("dispatch: seal job %s: %v", job.JobID, err)
		}
	}
	log.Printf("dispatch: request %s failed: %s: %s", meta.RequestID, code, msg)

	if o.notifier != nil {
		switch code {
		case CodeInternalError, CodeUpstreamError, CodeContainerBusy:
			jobID := ""
			if job != nil {
				jobID = job.JobID
			}
			o.notifier.JobFailed(jobID, meta.RequestID, code, msg)
		}
	}

	meta.FinishedAt = time.Now().UTC().Format(time.RFC3339Nano)
	resp := Response{OK: false, Error: &ErrorInfo{Code: code, Message: msg}, Meta: meta}
	if req.Options.IncludeDebug && job != nil {
		resp.Attempts = o.debugAttempts(job.JobID)
	}
	return HTTPStatus(code), resp
}

func (o *Orchestrator) debugAttempts(jobID string) []AttemptInfo {
	attempts, err := o.store.ListAttempts(jobID)
	if err != nil {
		log.Printf("dispatch: list attempts %s: %v", jobID, err)
		return nil
	}
	out := make([]AttemptInfo, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, AttemptInfo{
			AttemptID:   a.AttemptID,
			ContainerID: a.ContainerID,
			Status:      a.Status,
			ErrorCode:   a.ErrorCode,
			ErrorMsg:    a.ErrorMessage,
		})
	}
	return out
}
