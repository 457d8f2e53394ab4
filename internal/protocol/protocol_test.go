package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		ptype   PacketType
		payload []byte
	}{
		{"handshake", Handshake, HandshakeMagic},
		{"command", Command, []byte{0, 0, 0, 10}},
		{"response", Response, []byte{0, 0, 0, 98}},
		{"empty-data", Data, []byte{}},
		{"large-data", Data, bytes.Repeat([]byte{0xAB}, 1<<20)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tc.ptype, tc.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := ReadFrame(&buf)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if got.Type != tc.ptype {
				t.Errorf("type = %v, want %v", got.Type, tc.ptype)
			}
			if !bytes.Equal(got.Payload, tc.payload) {
				t.Errorf("payload mismatch: got %d bytes, want %d bytes", len(got.Payload), len(tc.payload))
			}
		})
	}
}

func TestWriteCodeDecodeCode(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCode(&buf, Response, uint32(RespNotEnoughSpace)); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	code, err := DecodeCode(frame.Payload)
	if err != nil {
		t.Fatalf("DecodeCode: %v", err)
	}
	if ResponseCode(code) != RespNotEnoughSpace {
		t.Errorf("code = %v, want %v", ResponseCode(code), RespNotEnoughSpace)
	}
}

func TestDecodeCodeWrongLength(t *testing.T) {
	if _, err := DecodeCode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short payload")
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Handshake, HandshakeMagic)
	_ = WriteCode(&buf, Response, uint32(RespOK))
	_ = WriteFrame(&buf, Data, []byte("hello"))

	f1, err := ReadFrame(&buf)
	if err != nil || f1.Type != Handshake {
		t.Fatalf("frame 1: %v %v", f1, err)
	}
	f2, err := ReadFrame(&buf)
	if err != nil || f2.Type != Response {
		t.Fatalf("frame 2: %v %v", f2, err)
	}
	f3, err := ReadFrame(&buf)
	if err != nil || f3.Type != Data || string(f3.Payload) != "hello" {
		t.Fatalf("frame 3: %v %v", f3, err)
	}
}
