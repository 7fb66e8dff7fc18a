package capture

import (
	"testing"
	"time"
)

func TestFileName(t *testing.T) {
	at := time.Date(2026, 10, 18, 11, 30, 5, 0, time.FixedZone("CEST", 2*3600))
	tests := []struct {
		name string
		info SessionInfo
		ext  string
		want string
	}{
		{"host only", SessionInfo{HostName: "Ana Lima"}, "webm", "Ana_2026-10-18T09-30-05.webm"},
		{"with counterpart", SessionInfo{HostName: "Ana Lima", Counterpart: "Bo Chen"}, "webm", "Ana_Bo_2026-10-18T09-30-05.webm"},
		{"admin uses room", SessionInfo{HostName: "Ana", Role: "ADMIN", RoomID: "r 1", Counterpart: "Bo"}, "webm", "Room_r-1_2026-10-18T09-30-05.webm"},
		{"admin without room", SessionInfo{Role: "admin"}, "webm", "Room_unknown_2026-10-18T09-30-05.webm"},
		{"no host", SessionInfo{}, "", "recording_2026-10-18T09-30-05.webm"},
		{"dotted ext", SessionInfo{HostName: "Ana"}, ".mkv", "Ana_2026-10-18T09-30-05.mkv"},
		{"unsafe characters", SessionInfo{HostName: "../José", Counterpart: "O'Neil"}, "webm", "José_O-Neil_2026-10-18T09-30-05.webm"},
		{"underscore replaced", SessionInfo{HostName: "a_b"}, "webm", "a-b_2026-10-18T09-30-05.webm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FileName(tt.info, at, tt.ext); got != tt.want {
				t.Fatalf("FileName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionMetadata(t *testing.T) {
	m := SessionInfo{HostName: "Ana", HostEmail: "a@x", Role: "teacher", RoomID: "r1", Counterpart: "Bo"}.Metadata()
	if m.TeacherName != "Ana" || m.TeacherEmail != "a@x" || m.Role != "teacher" || m.RoomID != "r1" {
		t.Fatalf("Metadata = %+v", m)
	}
}
