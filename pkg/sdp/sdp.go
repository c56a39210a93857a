// Package sdp narrows github.com/pion/sdp/v3's general-purpose parser down
// to exactly what RTSP's SETUP needs: per-media type, payload type, clock
// rate, and the control URL to issue SETUP against.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	pionsdp "github.com/pion/sdp/v3"
)

// Media describes one m= line narrowed to SETUP's needs.
type Media struct {
	Type        string // "audio", "video", "application", ...
	PayloadType uint8
	ClockRate   uint32
	Control     string // raw a=control value, not yet resolved to a URL
}

// Description is the narrowed result of parsing a DESCRIBE body.
type Description struct {
	SessionControl string // session-level a=control, if present
	Media          []Media
}

// defaultClockRate covers the common unspecified-rate case for static
// payload types; RTSP cameras overwhelmingly use dynamic PT 96+ with an
// explicit a=rtpmap rate, so this only matters for legacy static types.
func defaultClockRate(mediaType string) uint32 {
	if mediaType == "audio" {
		return 8000
	}
	return 90000
}

// Parse parses an SDP body (the DESCRIBE response body) into a Description.
func Parse(body []byte) (*Description, error) {
	var sd pionsdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("sdp: unmarshal: %w", err)
	}

	out := &Description{}
	if v, ok := sd.Attribute("control"); ok {
		out.SessionControl = v
	}

	for _, m := range sd.MediaDescriptions {
		media := Media{
			Type:      m.MediaName.Media,
			ClockRate: defaultClockRate(m.MediaName.Media),
		}
		if len(m.MediaName.Formats) > 0 {
			if pt, err := strconv.Atoi(m.MediaName.Formats[0]); err == nil {
				media.PayloadType = uint8(pt)
			}
		}
		if v, ok := m.Attribute("control"); ok {
			media.Control = v
		}
		if rate := rtpmapClockRate(m); rate > 0 {
			media.ClockRate = rate
		}
		out.Media = append(out.Media, media)
	}

	return out, nil
}

// rtpmapClockRate extracts the clock rate from "a=rtpmap:<pt> <name>/<rate>"
// for the media's first format, returning 0 if absent or unparsable.
func rtpmapClockRate(m *pionsdp.MediaDescription) uint32 {
	if len(m.MediaName.Formats) == 0 {
		return 0
	}
	pt := m.MediaName.Formats[0]
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) < 2 || fields[0] != pt {
			continue
		}
		parts := strings.SplitN(fields[1], "/", 2)
		if len(parts) < 2 {
			continue
		}
		if rate, err := strconv.ParseUint(parts[1], 10, 32); err == nil {
			return uint32(rate)
		}
	}
	return 0
}

// MixURLControl builds the URL to SETUP against given a base URL and a
// control attribute, following the same precedence the reference RTSP
// client uses: an absolute control URL wins outright, "*" or empty means
// "use the base as-is", and a relative control is appended to the base.
func MixURLControl(base, control string) string {
	if control == "" || control == "*" {
		return base
	}
	if strings.HasPrefix(control, "rtsp://") || strings.HasPrefix(control, "rtsps://") {
		return control
	}
	if !strings.HasPrefix(control, "/") && !strings.HasSuffix(base, "/") {
		return base + "/" + control
	}
	return base + control
}

// SetupURL resolves the SETUP URL for one media entry: the session-level
// control is mixed in first, then the media-level control on top of that.
func (d *Description) SetupURL(base string, media *Media) string {
	base = MixURLControl(base, d.SessionControl)
	return MixURLControl(base, media.Control)
}

// Find returns the Nth media description matching mediaType (0-indexed).
func (d *Description) Find(mediaType string, idx int) *Media {
	n := 0
	for i := range d.Media {
		if d.Media[i].Type != mediaType {
			continue
		}
		if n < idx {
			n++
			continue
		}
		return &d.Media[i]
	}
	return nil
}
