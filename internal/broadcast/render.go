package broadcast

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/recorder/internal/uploads"
)

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Render writes the task list in the given format. The text format writes
// nothing for an empty list.
func Render(w io.Writer, format string, tasks []uploads.Task) error {
	if tasks == nil {
		tasks = []uploads.Task{}
	}
	switch format {
	case FormatText, "":
		return renderText(w, tasks)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tasks); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func renderText(w io.Writer, tasks []uploads.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, t := range tasks {
		fmt.Fprintf(tw, "#%d\t%s\t%s\n", t.ID, t.Filename, statusLabel(t.Status))
	}
	return tw.Flush()
}

func statusLabel(s uploads.Status) string {
	switch s {
	case uploads.StatusUploading:
		return "uploading..."
	case uploads.StatusDone:
		return "uploaded"
	case uploads.StatusError:
		return "failed"
	default:
		return string(s)
	}
}

// ContentType is the response media type for format.
func ContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	default:
		return "text/plain; charset=utf-8"
	}
}
