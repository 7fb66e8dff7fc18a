// Package uploads delivers finished recordings to a remote store in the
// background and tracks each delivery as a task that lingers briefly after
// it settles.
package uploads

import (
	"errors"
	"fmt"
)

// TaskID identifies a task. IDs increase monotonically per queue.
type TaskID uint64

type Status string

const (
	StatusUploading Status = "uploading"
	StatusDone      Status = "done"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Task is the externally visible state of one transfer.
type Task struct {
	ID       TaskID `json:"id" yaml:"id"`
	Filename string `json:"filename" yaml:"filename"`
	Status   Status `json:"status" yaml:"status"`
}

// Metadata travels with the artifact as form fields or object metadata.
type Metadata struct {
	TeacherName  string `json:"teacherName"`
	TeacherEmail string `json:"teacherEmail"`
	RoomID       string `json:"roomId"`
	Role         string `json:"role"`
}

// Fields returns the metadata as ordered name/value pairs.
func (m Metadata) Fields() [][2]string {
	return [][2]string{
		{"teacherName", m.TeacherName},
		{"teacherEmail", m.TeacherEmail},
		{"roomId", m.RoomID},
		{"role", m.Role},
	}
}

// Map returns the non-empty metadata fields keyed by name.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, 4)
	for _, f := range m.Fields() {
		if f[1] != "" {
			out[f[0]] = f[1]
		}
	}
	return out
}

// Artifact is one finished recording on its way to a store.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
	Meta        Metadata
}

var ErrQueueClosed = errors.New("upload queue closed")

// RejectedError is returned by stores when the remote side answers outside
// the 2xx range.
type RejectedError struct {
	Code int
	Body string
}

func (e *RejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected with status %d", e.Code)
	}
	return fmt.Sprintf("upload rejected with status %d: %s", e.Code, e.Body)
}
