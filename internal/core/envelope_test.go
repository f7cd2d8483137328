package core

import (
	"encoding/json"
	"errors"
	"testing"
)

func validOffer() Envelope {
	return Envelope{
		Kind:      KindCallOffer,
		From:      "alice",
		To:        "bob",
		SessionID: "s1",
		Seq:       1,
		Payload:   json.RawMessage(`{"sdp":"x"}`),
	}
}

func TestEnvelopeValidateAccepts(t *testing.T) {
	if err := validOffer().Validate(); err != nil {
		t.Fatalf("valid offer rejected: %v", err)
	}

	// Payload-free kinds need no blob.
	end := Envelope{Kind: KindEndCall, From: "alice", To: "bob", SessionID: "s1"}
	if err := end.Validate(); err != nil {
		t.Fatalf("end_call rejected: %v", err)
	}
}

func TestEnvelopeValidateRejects(t *testing.T) {
	cases := map[string]func(*Envelope){
		"unknown kind":    func(e *Envelope) { e.Kind = "mystery" },
		"missing from":    func(e *Envelope) { e.From = "" },
		"missing to":      func(e *Envelope) { e.To = "" },
		"missing session": func(e *Envelope) { e.SessionID = "" },
		"missing payload": func(e *Envelope) { e.Payload = nil },
	}
	for name, mutate := range cases {
		env := validOffer()
		mutate(&env)
		err := env.Validate()
		if err == nil {
			t.Fatalf("%s: accepted", name)
		}
		if !errors.Is(err, ErrProtocol) {
			t.Fatalf("%s: wrong error %v", name, err)
		}
	}
}

func TestEnvelopeGroupKindsRequireGroup(t *testing.T) {
	env := Envelope{
		Kind:      KindGroupOffer,
		From:      "alice",
		To:        "bob",
		SessionID: "s1",
		Payload:   json.RawMessage(`{}`),
	}
	if err := env.Validate(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("group offer without group accepted: %v", err)
	}
	env.Group = "g1"
	if err := env.Validate(); err != nil {
		t.Fatalf("group offer with group rejected: %v", err)
	}
}

func TestKindContinuation(t *testing.T) {
	if KindCallOffer.Continuation() || KindGroupJoin.Continuation() || KindGroupOffer.Continuation() {
		t.Fatal("initiating kinds flagged as continuations")
	}
	for _, k := range []Kind{KindCallAnswer, KindIceCandidate, KindGroupAnswer, KindDecline, KindEndCall} {
		if !k.Continuation() {
			t.Fatalf("%s not flagged as continuation", k)
		}
	}
}
