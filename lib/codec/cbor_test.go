// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
)

type sessionSample struct {
	Client     netip.AddrPort `cbor:"client"`
	LastAccess uint64         `cbor:"last_access"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"sessions": 3, "kind": "datagram", "capacity": 8}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestAddrPortEncodesAsText(t *testing.T) {
	sample := sessionSample{
		Client:     netip.MustParseAddrPort("10.1.2.3:5353"),
		LastAccess: 17,
	}

	data, err := Marshal(sample)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	diagnostic, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(diagnostic, `"10.1.2.3:5353"`) {
		t.Fatalf("diagnostic %s does not contain the endpoint as text", diagnostic)
	}

	var decoded sessionSample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != sample {
		t.Fatalf("got %+v, want %+v", decoded, sample)
	}
}

func TestDecodeAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"active": 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := range 3 {
		if err := encoder.Encode(sessionSample{LastAccess: uint64(i + 1)}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := range 3 {
		var sample sessionSample
		if err := decoder.Decode(&sample); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if sample.LastAccess != uint64(i+1) {
			t.Fatalf("message %d: LastAccess = %d", i, sample.LastAccess)
		}
	}
}
