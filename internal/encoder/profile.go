package encoder

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Profile is a container MIME type with a codecs parameter, for example
// "video/webm;codecs=vp9,opus".
type Profile string

const (
	ProfileVP9Opus Profile = "video/webm;codecs=vp9,opus"
	ProfileVP8Opus Profile = "video/webm;codecs=vp8,opus"
)

// DefaultProfiles is the preference order used when none is configured.
var DefaultProfiles = []Profile{ProfileVP9Opus, ProfileVP8Opus}

var codecMimeTypes = map[string]string{
	"vp8":  webrtc.MimeTypeVP8,
	"vp9":  webrtc.MimeTypeVP9,
	"av1":  webrtc.MimeTypeAV1,
	"h264": webrtc.MimeTypeH264,
	"avc1": webrtc.MimeTypeH264,
	"opus": webrtc.MimeTypeOpus,
}

// ParseProfile validates s and returns it as a Profile.
func ParseProfile(s string) (Profile, error) {
	p := Profile(strings.TrimSpace(s))
	mime := p.MIMEType()
	major, sub, ok := strings.Cut(mime, "/")
	if !ok || major == "" || sub == "" {
		return "", fmt.Errorf("invalid profile %q: want type/subtype", s)
	}
	if major != "video" && major != "audio" {
		return "", fmt.Errorf("invalid profile %q: unsupported media type %q", s, major)
	}
	if len(p.Codecs()) == 0 {
		return "", fmt.Errorf("invalid profile %q: no codecs listed", s)
	}
	return p, nil
}

// MIMEType returns the container type without parameters.
func (p Profile) MIMEType() string {
	mime, _, _ := strings.Cut(string(p), ";")
	return strings.ToLower(strings.TrimSpace(mime))
}

// Container returns the container subtype, e.g. "webm".
func (p Profile) Container() string {
	_, sub, _ := strings.Cut(p.MIMEType(), "/")
	return sub
}

// Extension returns the filename extension for artifacts of this profile.
func (p Profile) Extension() string {
	switch c := p.Container(); c {
	case "x-matroska":
		return "mkv"
	case "":
		return "bin"
	default:
		return c
	}
}

// Codecs returns the lower-cased codec names from the codecs parameter.
// Codec strings with a dotted suffix ("avc1.42E01E") are reduced to the
// family name.
func (p Profile) Codecs() []string {
	_, params, ok := strings.Cut(string(p), ";")
	if !ok {
		return nil
	}
	for _, param := range strings.Split(params, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != "codecs" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		var codecs []string
		for _, c := range strings.Split(value, ",") {
			c = strings.ToLower(strings.TrimSpace(c))
			c, _, _ = strings.Cut(c, ".")
			if c != "" {
				codecs = append(codecs, c)
			}
		}
		return codecs
	}
	return nil
}

// CodecMimeTypes maps the profile's codecs to RTP-style MIME names
// ("video/VP9", "audio/opus"). Unknown codecs are returned unchanged.
func (p Profile) CodecMimeTypes() []string {
	var out []string
	for _, c := range p.Codecs() {
		if m, ok := codecMimeTypes[c]; ok {
			out = append(out, m)
		} else {
			out = append(out, c)
		}
	}
	return out
}
