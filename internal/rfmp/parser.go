package rfmp

import (
	"encoding/base64"
	"strconv"
	"strings"
)

// Encode renders a Frame as its RFMP wire string:
// TYPE|key=value|key=value|...
func Encode(f Frame) (string, error) {
	switch v := f.(type) {
	case MSG:
		return encodeMSG(v)
	case FRAG:
		return encodeFRAG(v)
	case SYNC:
		return encodeSYNC(v)
	case REQ:
		return encodeREQ(v)
	default:
		return "", ErrUnknownType
	}
}

func encodeMSG(m MSG) (string, error) {
	if err := validateMessageID(m.ID); err != nil {
		return "", err
	}
	if err := ValidatePriority(m.Prio); err != nil {
		return "", err
	}
	if err := ValidateChannel(m.Channel); err != nil {
		return "", err
	}
	if err := validateTimestamp(m.Time); err != nil {
		return "", err
	}
	reply := m.ReplyTo
	if reply == "" {
		reply = "-"
	}
	return join(string(TypeMSG),
		kv("id", m.ID),
		kv("from", m.From),
		kv("time", m.Time),
		kv("chan", m.Channel),
		kv("prio", strconv.Itoa(m.Prio)),
		kv("reply", reply),
		kv("body", m.Body),
	), nil
}

func encodeFRAG(f FRAG) (string, error) {
	if f.Idx < 0 || f.Idx >= f.Total {
		return "", newValidationErr("fragment idx %d out of range for total %d", f.Idx, f.Total)
	}
	return join(string(TypeFRAG),
		kv("msgid", f.MsgID),
		kv("idx", strconv.Itoa(f.Idx)),
		kv("total", strconv.Itoa(f.Total)),
		kv("data", base64.StdEncoding.EncodeToString(f.Data)),
	), nil
}

func encodeSYNC(s SYNC) (string, error) {
	for _, b := range s.Filters {
		if len(b) != 32 {
			return "", newValidationErr("sync filter must be 32 bytes, got %d", len(b))
		}
	}
	if s.Window < 0 || s.Window > 2 {
		return "", newValidationErr("sync window %d out of range 0-2", s.Window)
	}
	return join(string(TypeSYNC),
		kv("from", s.From),
		kv("bf0", base64.StdEncoding.EncodeToString(s.Filters[0])),
		kv("bf1", base64.StdEncoding.EncodeToString(s.Filters[1])),
		kv("bf2", base64.StdEncoding.EncodeToString(s.Filters[2])),
		kv("win", strconv.Itoa(s.Window)),
	), nil
}

func encodeREQ(r REQ) (string, error) {
	fields := []string{kv("from", r.From), kv("msgid", r.MsgID)}
	if len(r.Missing) > 0 {
		parts := make([]string, len(r.Missing))
		for i, idx := range r.Missing {
			parts[i] = strconv.Itoa(idx)
		}
		fields = append(fields, kv("missing", strings.Join(parts, ",")))
	}
	return join(string(TypeREQ), fields...), nil
}

// Decode parses a wire string into a Frame, validating per-type
// rules. Any violation or unknown TYPE returns an error; callers drop
// the frame.
func Decode(raw string) (Frame, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 1 {
		return nil, ErrMalformedFrame
	}
	fields := map[string]string{}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			continue // tolerate malformed extras; just ignore them
		}
		fields[k] = v
	}
	switch FrameType(parts[0]) {
	case TypeMSG:
		return decodeMSG(fields)
	case TypeFRAG:
		return decodeFRAG(fields)
	case TypeSYNC:
		return decodeSYNC(fields)
	case TypeREQ:
		return decodeREQ(fields)
	default:
		return nil, ErrUnknownType
	}
}

func decodeMSG(f map[string]string) (Frame, error) {
	id := f["id"]
	if err := validateMessageID(id); err != nil {
		return nil, err
	}
	ts := f["time"]
	if err := validateTimestamp(ts); err != nil {
		return nil, err
	}
	prio, err := strconv.Atoi(f["prio"])
	if err != nil {
		return nil, newValidationErr("prio %q not an integer", f["prio"])
	}
	if err := ValidatePriority(prio); err != nil {
		return nil, err
	}
	ch := f["chan"]
	if err := ValidateChannel(ch); err != nil {
		return nil, err
	}
	body := f["body"]
	if len(body) < 1 || len(body) > 1000 {
		return nil, newValidationErr("body length %d out of range 1-1000", len(body))
	}
	return MSG{
		ID:      id,
		From:    f["from"],
		Time:    ts,
		Channel: ch,
		Prio:    prio,
		ReplyTo: f["reply"],
		Body:    body,
	}, nil
}

func decodeFRAG(f map[string]string) (Frame, error) {
	idx, err := strconv.Atoi(f["idx"])
	if err != nil {
		return nil, newValidationErr("idx %q not an integer", f["idx"])
	}
	total, err := strconv.Atoi(f["total"])
	if err != nil {
		return nil, newValidationErr("total %q not an integer", f["total"])
	}
	if idx < 0 || total < 1 || idx >= total {
		return nil, newValidationErr("fragment idx=%d total=%d out of range", idx, total)
	}
	data, err := base64.StdEncoding.DecodeString(f["data"])
	if err != nil {
		return nil, newValidationErr("fragment data is not valid base64: %v", err)
	}
	if f["msgid"] == "" {
		return nil, newValidationErr("fragment missing msgid")
	}
	return FRAG{MsgID: f["msgid"], Idx: idx, Total: total, Data: data}, nil
}

func decodeSYNC(f map[string]string) (Frame, error) {
	var filters [3][]byte
	for i, key := range []string{"bf0", "bf1", "bf2"} {
		b, err := base64.StdEncoding.DecodeString(f[key])
		if err != nil {
			return nil, newValidationErr("sync %s is not valid base64: %v", key, err)
		}
		if len(b) != 32 {
			return nil, newValidationErr("sync %s must decode to 32 bytes, got %d", key, len(b))
		}
		filters[i] = b
	}
	win, err := strconv.Atoi(f["win"])
	if err != nil || win < 0 || win > 2 {
		return nil, newValidationErr("sync window %q out of range 0-2", f["win"])
	}
	return SYNC{From: f["from"], Filters: filters, Window: win}, nil
}

func decodeREQ(f map[string]string) (Frame, error) {
	if f["msgid"] == "" {
		return nil, newValidationErr("req missing msgid")
	}
	var missing []int
	if raw, ok := f["missing"]; ok && raw != "" {
		for _, s := range strings.Split(raw, ",") {
			idx, err := strconv.Atoi(s)
			if err != nil {
				return nil, newValidationErr("req missing-index %q not an integer", s)
			}
			missing = append(missing, idx)
		}
	}
	return REQ{From: f["from"], MsgID: f["msgid"], Missing: missing}, nil
}

func join(fieldType string, kvs ...string) string {
	return fieldType + "|" + strings.Join(kvs, "|")
}

func kv(key, value string) string {
	return key + "=" + value
}
