package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"pharma_comms/server/comms/domain"
)

func newCallEnv(t *testing.T, ringTimeout time.Duration) (*testEnv, *CallCoordinator) {
	t.Helper()
	env := newTestEnv(t)
	calls := NewCallCoordinator(env.registry, env.store, nil, ringTimeout)
	return env, calls
}

func TestInitiateRequiresOnlineTarget(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")

	if _, err := calls.Initiate(context.Background(), "caller", "ghost", domain.CallTypeAudio); !errors.Is(err, domain.ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}

func TestInitiateRingsTarget(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	callee := env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if session.State != domain.CallStateRinging {
		t.Fatalf("state: %s", session.State)
	}
	incoming := callee.eventsOfType(domain.EvtIncomingCall)
	if len(incoming) != 1 {
		t.Fatalf("callee received %d incoming_call events, want 1", len(incoming))
	}
	flags := session.Participants["caller"]
	if !flags.Video || !flags.Audio {
		t.Fatalf("video call default media flags: %+v", flags)
	}
}

func TestInitiateRejectsBusyParties(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")
	env.connect(t, "other")

	if _, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Initiate(context.Background(), "caller", "other", domain.CallTypeAudio); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("busy caller: expected ErrBusy, got %v", err)
	}
	if _, err := calls.Initiate(context.Background(), "other", "callee", domain.CallTypeAudio); !errors.Is(err, domain.ErrBusy) {
		t.Fatalf("busy callee: expected ErrBusy, got %v", err)
	}
}

func TestAnswerOnlyByNamedCallee(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	caller := env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "caller"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("caller answering own call: expected ErrState, got %v", err)
	}

	answered, err := calls.Answer(context.Background(), session.ID, "callee")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if answered.State != domain.CallStateConnected || answered.ConnectedAt == nil {
		t.Fatalf("answered session: %+v", answered)
	}
	if len(caller.eventsOfType(domain.EvtCallAnswered)) != 1 {
		t.Fatal("caller missed call_answered")
	}

	// answering twice is a state error
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("double answer: expected ErrState, got %v", err)
	}
}

func TestRejectNotifiesCallerAndEndsCall(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	caller := env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := calls.Reject(context.Background(), session.ID, "callee", "busy right now"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(caller.eventsOfType(domain.EvtCallRejected)) != 1 {
		t.Fatal("caller missed call_rejected")
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("answer after reject: expected ErrState, got %v", err)
	}

	history, err := calls.History(context.Background(), "caller", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].EndReason != domain.EndReasonRejected {
		t.Fatalf("persisted call: %+v", history)
	}
}

func TestRingTimeoutEndsCall(t *testing.T) {
	env, calls := newCallEnv(t, 30*time.Millisecond)
	caller := env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("call did not time out")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("answer after timeout: expected ErrState, got %v", err)
	}
	ended := caller.eventsOfType(domain.EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("caller received %d call_ended events, want 1", len(ended))
	}
	payload, ok := ended[0].Payload.(domain.CallEndedPayload)
	if !ok || payload.Reason != domain.EndReasonTimeout {
		t.Fatalf("end payload: %+v", ended[0].Payload)
	}
}

func TestEndComputesDuration(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls.now = func() time.Time { return now }

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	now = now.Add(90 * time.Second)
	if err := calls.End(context.Background(), session.ID, "caller"); err != nil {
		t.Fatalf("end: %v", err)
	}

	history, err := calls.History(context.Background(), "callee", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length: %d", len(history))
	}
	got := history[0]
	if got.EndReason != domain.EndReasonHangup || got.DurationMS != 90_000 {
		t.Fatalf("persisted call: reason=%s duration=%d", got.EndReason, got.DurationMS)
	}
}

func TestEndByNonParticipantDenied(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := calls.End(context.Background(), session.ID, "snoop"); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestRelayForwardsVerbatimToPeer(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	callee := env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	sdp := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	if err := calls.Relay(context.Background(), session.ID, "caller", domain.EvtWebRTCOffer, sdp); err != nil {
		t.Fatalf("relay: %v", err)
	}
	offers := callee.eventsOfType(domain.EvtWebRTCOffer)
	if len(offers) != 1 {
		t.Fatalf("callee received %d offers, want 1", len(offers))
	}
	payload, ok := offers[0].Payload.(domain.SignalPayload)
	if !ok || string(payload.Payload) != string(sdp) || payload.FromUserID != "caller" {
		t.Fatalf("relayed payload altered: %+v", offers[0].Payload)
	}

	if err := calls.Relay(context.Background(), session.ID, "snoop", domain.EvtWebRTCOffer, sdp); !errors.Is(err, domain.ErrAccessDenied) {
		t.Fatalf("non-participant relay: expected ErrAccessDenied, got %v", err)
	}
	if err := calls.Relay(context.Background(), "no-such-call", "caller", domain.EvtWebRTCOffer, sdp); !errors.Is(err, domain.ErrState) {
		t.Fatalf("relay to dead call: expected ErrState, got %v", err)
	}
}

func TestMediaTogglesBroadcast(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	callee := env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := calls.SetVideo(session.ID, "caller", false); err != nil {
		t.Fatalf("set video: %v", err)
	}
	updates := callee.eventsOfType(domain.EvtCallMediaUpdate)
	if len(updates) != 1 {
		t.Fatalf("callee received %d media updates, want 1", len(updates))
	}
	payload, ok := updates[0].Payload.(domain.CallMediaPayload)
	if !ok || payload.UserID != "caller" || payload.Flags.Video {
		t.Fatalf("media payload: %+v", updates[0].Payload)
	}
}

func TestScreenShareExclusive(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeVideo)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := calls.StartScreenShare(session.ID, "caller"); err != nil {
		t.Fatalf("start share: %v", err)
	}
	if err := calls.StartScreenShare(session.ID, "callee"); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second share: expected ErrConflict, got %v", err)
	}
	if err := calls.StopScreenShare(session.ID, "caller"); err != nil {
		t.Fatalf("stop share: %v", err)
	}
	if err := calls.StartScreenShare(session.ID, "callee"); err != nil {
		t.Fatalf("share after release: %v", err)
	}
}

func TestRecordingRequiresConsentAndConnectedState(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.StartRecording(session.ID, "caller", true); !errors.Is(err, domain.ErrState) {
		t.Fatalf("recording while ringing: expected ErrState, got %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := calls.StartRecording(session.ID, "caller", false); !errors.Is(err, domain.ErrConsentRequired) {
		t.Fatalf("no consent: expected ErrConsentRequired, got %v", err)
	}
	rec, err := calls.StartRecording(session.ID, "caller", true)
	if err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if rec.ID == "" || rec.StartedAt.IsZero() {
		t.Fatalf("recording audit fields: %+v", rec)
	}
	if _, err := calls.StartRecording(session.ID, "callee", true); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second recording: expected ErrConflict, got %v", err)
	}
	if err := calls.StopRecording(session.ID, "callee"); err != nil {
		t.Fatalf("stop recording: %v", err)
	}
	if err := calls.StopRecording(session.ID, "callee"); !errors.Is(err, domain.ErrState) {
		t.Fatalf("stop without active recording: expected ErrState, got %v", err)
	}
}

func TestRecordingClosedOnCallEnd(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if _, err := calls.StartRecording(session.ID, "caller", true); err != nil {
		t.Fatalf("start recording: %v", err)
	}
	if err := calls.End(context.Background(), session.ID, "caller"); err != nil {
		t.Fatalf("end: %v", err)
	}

	history, err := calls.History(context.Background(), "caller", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || len(history[0].Recordings) != 1 || history[0].Recordings[0].StoppedAt == nil {
		t.Fatalf("recording audit on ended call: %+v", history)
	}
}

func TestDisconnectEndsCall(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	caller := env.connect(t, "caller")
	calleeConn := env.connect(t, "callee")

	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := calls.Answer(context.Background(), session.ID, "callee"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	env.registry.Unregister("callee", calleeConn.ID())

	if calls.ActiveCount() != 0 {
		t.Fatal("call still active after peer disconnect")
	}
	ended := caller.eventsOfType(domain.EvtCallEnded)
	if len(ended) != 1 {
		t.Fatalf("caller received %d call_ended events, want 1", len(ended))
	}
	payload, ok := ended[0].Payload.(domain.CallEndedPayload)
	if !ok || payload.Reason != domain.EndReasonDisconnected {
		t.Fatalf("end payload: %+v", ended[0].Payload)
	}
}

func TestActiveCallLookup(t *testing.T) {
	env, calls := newCallEnv(t, time.Minute)
	env.connect(t, "caller")
	env.connect(t, "callee")

	if _, ok := calls.ActiveCall("caller"); ok {
		t.Fatal("idle user reported in a call")
	}
	session, err := calls.Initiate(context.Background(), "caller", "callee", domain.CallTypeAudio)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	for _, userID := range []string{"caller", "callee"} {
		callID, ok := calls.ActiveCall(userID)
		if !ok || callID != session.ID {
			t.Fatalf("%s active call: %q %t", userID, callID, ok)
		}
	}
}
