package jingle

import (
	"strconv"

	"github.com/jitsi-tools/meet-recorder/internal/model"
)

// ExtractSSRCs scans every audio/video content of j for SSMA source
// elements, recording only the first SSRC per media kind and ignoring
// anything beyond it (simulcast layers). Malformed (non-numeric) SSRC
// values are skipped rather than failing the whole extraction.
func ExtractSSRCs(j *Jingle) map[string]model.SSRCInfo {
	out := make(map[string]model.SSRCInfo)
	for _, c := range j.Contents {
		if c.Description == nil {
			continue
		}
		kind := c.Description.Media
		if kind != "audio" && kind != "video" {
			continue
		}
		if _, bound := out[kind]; bound {
			continue
		}
		for _, src := range c.Description.Sources {
			ssrc, err := strconv.ParseUint(src.SSRC, 10, 32)
			if err != nil {
				continue
			}
			info := model.SSRCInfo{SSRC: uint32(ssrc)}
			for _, p := range src.Parameters {
				switch p.Name {
				case "cname":
					info.CName = p.Value
				case "msid":
					info.Msid = p.Value
				case "mslabel":
					info.Mslabel = p.Value
				case "label":
					info.Label = p.Value
				}
			}
			out[kind] = info
			break
		}
	}
	return out
}
