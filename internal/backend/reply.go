package backend

import (
	"bytes"
	"encoding/json"
	"math"
	"mime"
	"strings"
	"time"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// Reply is the answer to a request call: either a direct result or a job
// descriptor to resolve.
type Reply struct {
	Result json.RawMessage
	Job    *types.JobDescriptor
}

// ParseReply inspects a request call body. An object with a finite numeric
// job_id is a job descriptor; anything else is the result itself.
func ParseReply(body json.RawMessage) Reply {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return Reply{Result: body}
	}
	id, ok := finiteNumber(fields["job_id"])
	if !ok {
		return Reply{Result: body}
	}

	desc := types.JobDescriptor{JobID: types.JobID(math.Trunc(id))}
	if v, ok := finiteNumber(fields["poll_min_ms"]); ok {
		desc.PollMin = msFloor(v)
		if desc.PollMin < types.MinPollInterval {
			desc.PollMin = types.MinPollInterval
		}
	}
	if v, ok := finiteNumber(fields["poll_max_ms"]); ok {
		floor := desc.PollMin
		if floor == 0 {
			floor = types.DefaultPollInterval
		}
		desc.PollMax = msFloor(v)
		if desc.PollMax < floor {
			desc.PollMax = floor
		}
	}
	desc = desc.Normalize()
	return Reply{Job: &desc}
}

// finiteNumber accepts JSON numbers and numeric strings.
func finiteNumber(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if err := json.Unmarshal([]byte(s), &f); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func msFloor(v float64) time.Duration {
	return time.Duration(math.Trunc(v)) * time.Millisecond
}

// decodeBody applies the reply decoding rules: JSON content is kept as is,
// an empty body becomes {}, other text is parsed as JSON when possible and
// wrapped as {"value": text} otherwise.
func decodeBody(contentType string, payload []byte) (json.RawMessage, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if strings.Contains(mediaType, "application/json") {
		if !json.Valid(payload) {
			return nil, &DecodeError{ContentType: contentType, Body: string(payload)}
		}
		return json.RawMessage(payload), nil
	}

	text := bytes.TrimSpace(payload)
	if len(text) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid(text) {
		return json.RawMessage(text), nil
	}
	wrapped, err := json.Marshal(map[string]string{"value": string(payload)})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// NormalizeResult unwraps {"value": v} objects to v.
func NormalizeResult(result json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(result, &fields); err != nil || fields == nil {
		return result
	}
	if v, ok := fields["value"]; ok {
		return v
	}
	return result
}
