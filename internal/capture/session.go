package capture

import (
	"strings"
	"time"
	"unicode"

	"github.com/breeze-rmm/recorder/internal/uploads"
)

// RoleAdmin names recordings after the room rather than the people in it.
const RoleAdmin = "admin"

// TimestampLayout is the filename timestamp, safe on every filesystem.
const TimestampLayout = "2006-01-02T15-04-05"

// SessionInfo is the host identity attached to every recording.
type SessionInfo struct {
	HostName    string `json:"hostName" yaml:"host_name"`
	HostEmail   string `json:"hostEmail" yaml:"host_email"`
	Role        string `json:"role" yaml:"role"`
	RoomID      string `json:"roomId" yaml:"room_id"`
	Counterpart string `json:"counterpart" yaml:"counterpart"`
}

// Metadata is the part of the session that travels with the artifact.
func (s SessionInfo) Metadata() uploads.Metadata {
	return uploads.Metadata{
		TeacherName:  s.HostName,
		TeacherEmail: s.HostEmail,
		RoomID:       s.RoomID,
		Role:         s.Role,
	}
}

// FileName derives the artifact name:
//
//	Room_<roomId>_<ts>.<ext>                  admin role
//	<hostFirst>_<counterpartFirst>_<ts>.<ext> with a counterpart
//	<hostFirst>_<ts>.<ext>                    otherwise
func FileName(info SessionInfo, at time.Time, ext string) string {
	ts := at.UTC().Format(TimestampLayout)
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "webm"
	}

	if strings.EqualFold(strings.TrimSpace(info.Role), RoleAdmin) {
		room := sanitize(info.RoomID)
		if room == "" {
			room = "unknown"
		}
		return "Room_" + room + "_" + ts + "." + ext
	}

	host := firstName(info.HostName)
	if host == "" {
		host = "recording"
	}
	if other := firstName(info.Counterpart); other != "" {
		return host + "_" + other + "_" + ts + "." + ext
	}
	return host + "_" + ts + "." + ext
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return sanitize(fields[0])
}

// sanitize keeps letters, digits, '-' and '.'; everything else becomes '-'.
// Underscores are replaced too since they separate the name parts.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-':
			b.WriteRune(r)
		case r == '.' && b.Len() > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}
