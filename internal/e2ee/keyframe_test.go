package e2ee

import "testing"

func TestIsKeyFrame_H264(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"idr", []byte{0x65, 0x88, 0x84}, true},
		{"sps", []byte{0x67, 0x42, 0x00}, true},
		{"non-idr slice", []byte{0x61, 0x9a, 0x01}, false},
		{"sei", []byte{0x66, 0x01}, false},
		{"empty", nil, false},
		{"stap-a with sps", []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x03, 0x68, 0xce, 0x38}, true},
		{"stap-a without keyframe", []byte{0x78, 0x00, 0x02, 0x61, 0x9a, 0x00, 0x02, 0x41, 0x9a}, false},
		{"stap-a truncated", []byte{0x78, 0x00}, false},
		{"fu-a idr start", []byte{0x7c, 0x85, 0x88}, true},
		{"fu-a idr continuation", []byte{0x7c, 0x05, 0x88}, false},
		{"fu-a non-idr start", []byte{0x7c, 0x81, 0x9a}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKeyFrame("video/H264", tt.payload); got != tt.want {
				t.Errorf("IsKeyFrame(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsKeyFrame_VP8(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"keyframe plain descriptor", []byte{0x10, 0x00, 0x9d, 0x01}, true},
		{"interframe plain descriptor", []byte{0x10, 0x01, 0x9d, 0x01}, false},
		{"keyframe with picture id", []byte{0x90, 0x80, 0x12, 0x00, 0x9d}, true},
		{"keyframe with long picture id", []byte{0x90, 0x80, 0x81, 0x12, 0x00, 0x9d}, true},
		{"interframe with extensions", []byte{0x90, 0xe0, 0x12, 0x34, 0x56, 0x01}, false},
		{"empty", nil, false},
		{"descriptor only", []byte{0x10}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsKeyFrame("video/VP8", tt.payload); got != tt.want {
				t.Errorf("IsKeyFrame(%s) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestIsKeyFrame_UnknownCodec(t *testing.T) {
	if IsKeyFrame("video/AV1", []byte{0x0a}) {
		t.Fatal("unknown codec reported a keyframe")
	}
}
