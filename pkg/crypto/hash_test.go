package crypto

import (
	"strings"
	"testing"
)

func TestKeccak256Hex(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "0x1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Keccak256Hex(tt.input); got != tt.want {
				t.Errorf("Keccak256Hex(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestKeccak256_MultiPart(t *testing.T) {
	whole := Keccak256Hash([]byte("hello world"))
	parts := Keccak256Hash([]byte("hello"), []byte(" "), []byte("world"))
	if whole != parts {
		t.Errorf("multi-part digest %x differs from single %x", parts, whole)
	}
}

func TestFeedHash(t *testing.T) {
	got := FeedHash("hello")
	if got.Hex() != "0x1c8aff950685c2ed4bc3174f3472287b56d9517b9c948127319a09a7a36deac8" {
		t.Errorf("FeedHash(hello) = %s", got.Hex())
	}
	if FeedHash("a") == FeedHash("b") {
		t.Error("different feeds must hash to different topics")
	}
}

func TestFeedTopic(t *testing.T) {
	got := FeedTopic("AB")
	want := "0x4142" + strings.Repeat("0", 60)
	if got != want {
		t.Errorf("FeedTopic(AB) = %s, want %s", got, want)
	}

	long := strings.Repeat("x", 40)
	if got := FeedTopic(long); len(got) != 2+TopicSize*2 {
		t.Errorf("FeedTopic(long) length = %d, want %d", len(got), 2+TopicSize*2)
	}
}

func TestPeerID(t *testing.T) {
	// BLAKE3("") = af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262
	if got := PeerID(""); got != "af1349b9f5f9a1a6a0404dea36dcc949" {
		t.Errorf("PeerID(\"\") = %s", got)
	}
	if PeerID("feed-a") != PeerID("feed-a") {
		t.Error("PeerID must be deterministic")
	}
	if PeerID("feed-a") == PeerID("feed-b") {
		t.Error("PeerID must differ across feeds")
	}
}
