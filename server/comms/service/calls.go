package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
	"pharma_comms/server/comms/repository"
)

// CallCoordinator drives the signaling state machine:
//
//	RINGING -> CONNECTED -> ENDED
//	RINGING -> ENDED (reject, timeout, hangup, disconnect)
//
// Transitions on one call are strictly serialized by the per-call mutex, and
// every transition is broadcast to the full participant set while that mutex
// is held, so no participant ever observes divergent call state.
type CallCoordinator struct {
	registry    *Registry
	store       repository.CallStore
	notifier    *Notifier
	ringTimeout time.Duration
	now         func() time.Time

	mu     sync.RWMutex
	calls  map[string]*callState
	byUser map[string]string

	onEnded []func(domain.CallSession)
}

type callState struct {
	mu      sync.Mutex
	session domain.CallSession
	timer   *time.Timer
}

func NewCallCoordinator(registry *Registry, store repository.CallStore, notifier *Notifier, ringTimeout time.Duration) *CallCoordinator {
	c := &CallCoordinator{
		registry:    registry,
		store:       store,
		notifier:    notifier,
		ringTimeout: ringTimeout,
		now:         time.Now,
		calls:       map[string]*callState{},
		byUser:      map[string]string{},
	}
	registry.OnOffline(c.handleDisconnect)
	return c
}

// OnEnded registers a hook invoked after a session reaches ENDED and is
// persisted. Register before serving traffic.
func (c *CallCoordinator) OnEnded(fn func(domain.CallSession)) {
	c.onEnded = append(c.onEnded, fn)
}

func defaultMediaFlags(callType domain.CallType) domain.MediaFlags {
	return domain.MediaFlags{Video: callType == domain.CallTypeVideo, Audio: true}
}

func (c *CallCoordinator) Initiate(ctx context.Context, callerID, targetID string, callType domain.CallType) (*domain.CallSession, error) {
	if !callType.Valid() {
		return nil, fmt.Errorf("invalid call type %q", callType)
	}
	if callerID == targetID {
		return nil, fmt.Errorf("cannot call yourself")
	}
	if !c.registry.IsOnline(targetID) {
		return nil, domain.ErrOffline
	}

	c.mu.Lock()
	if _, busy := c.byUser[callerID]; busy {
		c.mu.Unlock()
		return nil, domain.ErrBusy
	}
	if _, busy := c.byUser[targetID]; busy {
		c.mu.Unlock()
		return nil, domain.ErrBusy
	}
	session := domain.CallSession{
		ID:          uuid.NewString(),
		InitiatorID: callerID,
		TargetID:    targetID,
		Type:        callType,
		State:       domain.CallStateRinging,
		Participants: map[string]domain.MediaFlags{
			callerID: defaultMediaFlags(callType),
			targetID: defaultMediaFlags(callType),
		},
		CreatedAt: c.now().UTC(),
	}
	state := &callState{session: session}
	c.calls[session.ID] = state
	c.byUser[callerID] = session.ID
	c.byUser[targetID] = session.ID
	c.mu.Unlock()

	state.mu.Lock()
	state.timer = time.AfterFunc(c.ringTimeout, func() { c.timeout(session.ID) })
	state.mu.Unlock()

	c.registry.SendToUser(targetID, domain.ServerEvent{
		Type:    domain.EvtIncomingCall,
		Payload: domain.IncomingCallPayload{CallID: session.ID, Initiator: callerID, CallType: callType},
	})
	commonlog.Infof("event=call action=initiate call_id=%s initiator=%s target=%s call_type=%s", session.ID, callerID, targetID, callType)
	out := session
	return &out, nil
}

func (c *CallCoordinator) get(callID string) (*callState, error) {
	c.mu.RLock()
	state := c.calls[callID]
	c.mu.RUnlock()
	if state == nil {
		// ended sessions leave the active set, so a miss is a state error
		return nil, domain.ErrState
	}
	return state, nil
}

func (c *CallCoordinator) Answer(ctx context.Context, callID, userID string) (*domain.CallSession, error) {
	state, err := c.get(callID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.State != domain.CallStateRinging || state.session.TargetID != userID {
		return nil, domain.ErrState
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	now := c.now().UTC()
	state.session.State = domain.CallStateConnected
	state.session.ConnectedAt = &now

	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtCallAnswered,
		Payload: domain.CallAnsweredPayload{CallID: callID, Participants: state.session.Participants},
	})
	commonlog.Infof("event=call action=answer call_id=%s user_id=%s", callID, userID)
	out := state.session
	return &out, nil
}

func (c *CallCoordinator) Reject(ctx context.Context, callID, userID, reason string) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.State != domain.CallStateRinging || state.session.TargetID != userID {
		return domain.ErrState
	}
	if reason == "" {
		reason = "declined"
	}
	c.registry.SendToUser(state.session.InitiatorID, domain.ServerEvent{
		Type:    domain.EvtCallRejected,
		Payload: domain.CallRejectedPayload{CallID: callID, Reason: reason, RejectedBy: userID},
	})
	c.endLocked(ctx, state, userID, domain.EndReasonRejected)
	return nil
}

func (c *CallCoordinator) End(ctx context.Context, callID, userID string) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.State == domain.CallStateEnded {
		return domain.ErrState
	}
	if _, ok := state.session.Participants[userID]; !ok {
		return domain.ErrAccessDenied
	}
	c.endLocked(ctx, state, userID, domain.EndReasonHangup)
	return nil
}

func (c *CallCoordinator) timeout(callID string) {
	state, err := c.get(callID)
	if err != nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.State != domain.CallStateRinging {
		return
	}
	commonlog.Infof("event=call action=timeout call_id=%s", callID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.endLocked(ctx, state, state.session.InitiatorID, domain.EndReasonTimeout)
	go c.notifier.CallMissed(context.Background(), state.session)
}

// endLocked applies the terminal transition. Callers hold state.mu.
func (c *CallCoordinator) endLocked(ctx context.Context, state *callState, endedBy string, reason domain.CallEndReason) {
	if state.timer != nil {
		state.timer.Stop()
	}
	now := c.now().UTC()
	if rec := state.session.Recording; rec != nil {
		stopped := now
		rec.StoppedAt = &stopped
		state.session.Recordings = append(state.session.Recordings, *rec)
		state.session.Recording = nil
	}
	if state.session.State == domain.CallStateConnected && state.session.ConnectedAt != nil {
		state.session.DurationMS = now.Sub(*state.session.ConnectedAt).Milliseconds()
	}
	state.session.State = domain.CallStateEnded
	state.session.EndReason = reason
	state.session.EndedAt = &now

	c.mu.Lock()
	delete(c.calls, state.session.ID)
	if c.byUser[state.session.InitiatorID] == state.session.ID {
		delete(c.byUser, state.session.InitiatorID)
	}
	if c.byUser[state.session.TargetID] == state.session.ID {
		delete(c.byUser, state.session.TargetID)
	}
	c.mu.Unlock()

	// both named parties are notified even if one already dropped out of
	// the participant map
	event := domain.ServerEvent{
		Type: domain.EvtCallEnded,
		Payload: domain.CallEndedPayload{
			CallID:     state.session.ID,
			EndedBy:    endedBy,
			Reason:     reason,
			DurationMS: state.session.DurationMS,
		},
	}
	c.registry.SendToUser(state.session.InitiatorID, event)
	c.registry.SendToUser(state.session.TargetID, event)

	if err := c.store.InsertCall(ctx, state.session); err != nil {
		commonlog.Errorf("event=call action=persist status=failed call_id=%s error=%v", state.session.ID, err)
	}
	for _, fn := range c.onEnded {
		go fn(state.session)
	}
	commonlog.Infof("event=call action=end call_id=%s ended_by=%s reason=%s duration_ms=%d", state.session.ID, endedBy, reason, state.session.DurationMS)
}

// Relay forwards a negotiation payload verbatim to the other participant.
// No state changes, no interpretation.
func (c *CallCoordinator) Relay(ctx context.Context, callID, fromUserID, eventType string, payload json.RawMessage) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.session.Participants[fromUserID]; !ok {
		return domain.ErrAccessDenied
	}
	for userID := range state.session.Participants {
		if userID == fromUserID {
			continue
		}
		c.registry.SendToUser(userID, domain.ServerEvent{
			Type:    eventType,
			Payload: domain.SignalPayload{CallID: callID, FromUserID: fromUserID, Payload: payload},
		})
	}
	return nil
}

func (c *CallCoordinator) SetVideo(callID, userID string, enabled bool) error {
	return c.updateMedia(callID, userID, func(f *domain.MediaFlags) { f.Video = enabled })
}

func (c *CallCoordinator) SetAudio(callID, userID string, enabled bool) error {
	return c.updateMedia(callID, userID, func(f *domain.MediaFlags) { f.Audio = enabled })
}

// updateMedia mutates the caller's own media flags; participancy is the only
// authorization.
func (c *CallCoordinator) updateMedia(callID, userID string, mutate func(*domain.MediaFlags)) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	flags, ok := state.session.Participants[userID]
	if !ok {
		return domain.ErrAccessDenied
	}
	mutate(&flags)
	state.session.Participants[userID] = flags
	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtCallMediaUpdate,
		Payload: domain.CallMediaPayload{CallID: callID, UserID: userID, Flags: flags},
	})
	return nil
}

func (c *CallCoordinator) StartScreenShare(callID, userID string) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	flags, ok := state.session.Participants[userID]
	if !ok {
		return domain.ErrAccessDenied
	}
	for other, f := range state.session.Participants {
		if other != userID && f.ScreenShare {
			return fmt.Errorf("%w: screen share by %s", domain.ErrConflict, other)
		}
	}
	flags.ScreenShare = true
	state.session.Participants[userID] = flags
	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtScreenShareUpdate,
		Payload: domain.ScreenSharePayload{CallID: callID, UserID: userID, Active: true},
	})
	return nil
}

func (c *CallCoordinator) StopScreenShare(callID, userID string) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	flags, ok := state.session.Participants[userID]
	if !ok {
		return domain.ErrAccessDenied
	}
	if !flags.ScreenShare {
		return nil
	}
	flags.ScreenShare = false
	state.session.Participants[userID] = flags
	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtScreenShareUpdate,
		Payload: domain.ScreenSharePayload{CallID: callID, UserID: userID, Active: false},
	})
	return nil
}

// StartRecording requires an explicit consent flag; one recording per call.
// Start and stop timestamps are kept on the session for audit.
func (c *CallCoordinator) StartRecording(callID, userID string, consent bool) (*domain.Recording, error) {
	state, err := c.get(callID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.session.Participants[userID]; !ok {
		return nil, domain.ErrAccessDenied
	}
	if state.session.State != domain.CallStateConnected {
		return nil, domain.ErrState
	}
	if !consent {
		return nil, domain.ErrConsentRequired
	}
	if state.session.Recording != nil {
		return nil, fmt.Errorf("%w: recording", domain.ErrConflict)
	}
	rec := &domain.Recording{
		ID:        uuid.NewString(),
		StartedBy: userID,
		Consent:   consent,
		StartedAt: c.now().UTC(),
	}
	state.session.Recording = rec
	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtRecordingStarted,
		Payload: domain.RecordingPayload{CallID: callID, RecordingID: rec.ID, StartedBy: userID},
	})
	commonlog.Infof("event=call action=recording_start call_id=%s recording_id=%s started_by=%s", callID, rec.ID, userID)
	out := *rec
	return &out, nil
}

func (c *CallCoordinator) StopRecording(callID, userID string) error {
	state, err := c.get(callID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.session.Participants[userID]; !ok {
		return domain.ErrAccessDenied
	}
	rec := state.session.Recording
	if rec == nil {
		return domain.ErrState
	}
	now := c.now().UTC()
	rec.StoppedAt = &now
	state.session.Recordings = append(state.session.Recordings, *rec)
	state.session.Recording = nil
	c.broadcastLocked(state, domain.ServerEvent{
		Type:    domain.EvtRecordingStopped,
		Payload: domain.RecordingPayload{CallID: callID, RecordingID: rec.ID},
	})
	commonlog.Infof("event=call action=recording_stop call_id=%s recording_id=%s", callID, rec.ID)
	return nil
}

// handleDisconnect runs when a user's last connection drops. The user leaves
// the participant map; the session ends once fewer than two participants
// remain.
func (c *CallCoordinator) handleDisconnect(userID string) {
	c.mu.RLock()
	callID, ok := c.byUser[userID]
	c.mu.RUnlock()
	if !ok {
		return
	}
	state, err := c.get(callID)
	if err != nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	if state.session.State == domain.CallStateEnded {
		return
	}
	delete(state.session.Participants, userID)
	c.mu.Lock()
	delete(c.byUser, userID)
	c.mu.Unlock()

	if len(state.session.Participants) < 2 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.endLocked(ctx, state, userID, domain.EndReasonDisconnected)
	}
}

// broadcastLocked pushes one event to every current participant while the
// per-call mutex is held.
func (c *CallCoordinator) broadcastLocked(state *callState, event domain.ServerEvent) {
	for userID := range state.session.Participants {
		c.registry.SendToUser(userID, event)
	}
}

func (c *CallCoordinator) ActiveCall(userID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	callID, ok := c.byUser[userID]
	return callID, ok
}

func (c *CallCoordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

func (c *CallCoordinator) History(ctx context.Context, userID string, limit int) ([]domain.CallSession, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return c.store.ListCallsForUser(ctx, userID, limit)
}
