package rfmp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func hexIDGen() *rapid.Generator[string] {
	return rapid.StringMatching(`^[0-9a-f]{12}$`)
}

const fixedTimestamp = "20260115T183045Z"

func timestampGen() *rapid.Generator[string] {
	return rapid.Custom(func(t *rapid.T) string {
		year := rapid.IntRange(2020, 2099).Draw(t, "year")
		month := rapid.IntRange(1, 12).Draw(t, "month")
		day := rapid.IntRange(1, 28).Draw(t, "day")
		hour := rapid.IntRange(0, 23).Draw(t, "hour")
		min := rapid.IntRange(0, 59).Draw(t, "min")
		sec := rapid.IntRange(0, 59).Draw(t, "sec")
		return fmt.Sprintf("%04d%02d%02dT%02d%02d%02dZ", year, month, day, hour, min, sec)
	})
}

func Test_MSGRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := MSG{
			ID:      hexIDGen().Draw(t, "id"),
			From:    "N0CALL",
			Time:    timestampGen().Draw(t, "time"),
			Channel: "general",
			Prio:    rapid.IntRange(0, 3).Draw(t, "prio"),
			ReplyTo: "-",
			Body:    rapid.StringN(1, 200, -1).Draw(t, "body"),
		}
		if len(msg.Body) == 0 {
			return
		}
		enc, err := Encode(msg)
		assert.NoError(t, err)

		decoded, err := Decode(enc)
		assert.NoError(t, err)
		assert.Equal(t, msg, decoded)
	})
}

func Test_FRAGRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		total := rapid.IntRange(1, 20).Draw(t, "total")
		frag := FRAG{
			MsgID: hexIDGen().Draw(t, "id"),
			Idx:   rapid.IntRange(0, total-1).Draw(t, "idx"),
			Total: total,
			Data:  rapid.SliceOf(rapid.Byte()).Draw(t, "data"),
		}
		enc, err := Encode(frag)
		assert.NoError(t, err)

		decoded, err := Decode(enc)
		assert.NoError(t, err)
		assert.Equal(t, frag, decoded)
	})
}

func Test_SYNCRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var filters [3][]byte
		for i := range filters {
			filters[i] = rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "filter")
		}
		sync := SYNC{
			From:    "N0CALL-3",
			Filters: filters,
			Window:  rapid.IntRange(0, 2).Draw(t, "win"),
		}
		enc, err := Encode(sync)
		assert.NoError(t, err)

		decoded, err := Decode(enc)
		assert.NoError(t, err)
		assert.Equal(t, sync, decoded)
	})
}

func Test_REQRoundTrip(t *testing.T) {
	req := REQ{From: "N0CALL", MsgID: "deadbeef0123", Missing: []int{0, 2, 5}}
	enc, err := Encode(req)
	assert.NoError(t, err)
	decoded, err := Decode(enc)
	assert.NoError(t, err)
	assert.Equal(t, req, decoded)

	reqNoMissing := REQ{From: "N0CALL", MsgID: "deadbeef0123"}
	enc2, err := Encode(reqNoMissing)
	assert.NoError(t, err)
	decoded2, err := Decode(enc2)
	assert.NoError(t, err)
	assert.Equal(t, reqNoMissing, decoded2)
}

func Test_UnknownTypeRejected(t *testing.T) {
	_, err := Decode("BOGUS|from=X")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func Test_DecodeToleratesUnknownExtraFields(t *testing.T) {
	msg := MSG{ID: "deadbeef0123", From: "N0CALL", Time: fixedTimestamp, Channel: "general", Prio: 1, ReplyTo: "-", Body: "hi"}
	enc, _ := Encode(msg)
	enc += "|unknownfield=whatever"
	decoded, err := Decode(enc)
	assert.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func Test_InvalidPriorityRejected(t *testing.T) {
	msg := MSG{ID: "deadbeef0123", From: "N0CALL", Time: fixedTimestamp, Channel: "general", Prio: 9, ReplyTo: "-", Body: "hi"}
	_, err := Encode(msg)
	assert.ErrorIs(t, err, ErrValidation)
}

func Test_MessageIDDeterministic(t *testing.T) {
	id1 := GenerateMessageID("N0CALL", "20260101T000000Z", "hello")
	id2 := GenerateMessageID("N0CALL", "20260101T000000Z", "hello")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 12)

	id3 := GenerateMessageID("N0CALL", "20260101T000000Z", "different")
	assert.NotEqual(t, id1, id3)
}
