package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	spawn := `{"identity":"rex","ttl":"1m","task":{"schemaVersion":1,"taskId":"t1","type":"openclaw.gateway.agent","message":"hi","callbackUrl":""}}`
	p, err := DecodePayload(KindCattleSpawn, json.RawMessage(spawn))
	if err != nil {
		t.Fatalf("decode spawn: %v", err)
	}
	sp, ok := p.(SpawnPayload)
	if !ok || sp.Identity != "rex" || sp.Task.TaskID != "t1" {
		t.Fatalf("unexpected payload %#v", p)
	}

	if _, err := DecodePayload(KindCattleReap, nil); err != nil {
		t.Fatalf("empty reap payload should decode: %v", err)
	}
	if _, err := DecodePayload("nope", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}

	bad := map[string]string{
		KindCattleSpawn:   `{"identity":"rex","task":{"schemaVersion":2,"taskId":"t1","type":"x"}}`,
		KindCattleReap:    `{"dryRun":true,"extra":1}`,
		KindCattleDestroy: `{}`,
	}
	for kind, raw := range bad {
		if _, err := DecodePayload(kind, json.RawMessage(raw)); err == nil {
			t.Fatalf("%s: expected error for %s", kind, raw)
		}
	}
	if _, err := DecodePayload(KindCattleDestroy, json.RawMessage(`{"idOrName":"a","all":true}`)); err == nil {
		t.Fatalf("destroy with both target and all must fail")
	}
}

func TestJobStatusHelpers(t *testing.T) {
	for _, s := range []JobStatus{StatusDone, StatusFailed, StatusCanceled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	if StatusQueued.Terminal() || StatusRunning.Terminal() {
		t.Fatalf("queued/running must not be terminal")
	}
	if _, ok := ParseJobStatus("running"); !ok {
		t.Fatalf("running should parse")
	}
	if _, ok := ParseJobStatus("succeeded"); ok {
		t.Fatalf("unknown status parsed")
	}
}
