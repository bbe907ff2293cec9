package chat

import (
	"path"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

const maxRoomLen = 128

// normalizeRoom trims spaces, collapses slashes and drops the leading slash.
// It returns "" for names that cannot be used as a room id.
func normalizeRoom(room string) string {
	r := strings.TrimSpace(room)
	if r == "" || len(r) > maxRoomLen {
		return ""
	}
	if strings.IndexFunc(r, unicode.IsControl) >= 0 {
		return ""
	}
	r = path.Clean("/" + r)
	r = strings.TrimPrefix(r, "/")
	return r
}

// roomArg reads a room id sent either bare ("7", 7) or as {"roomId": ...}.
func roomArg(data gjson.Result) string {
	if data.IsObject() {
		data = data.Get("roomId")
	}
	return normalizeRoom(scalar(data))
}

// scalar renders a JSON string or number as text. Anything else is "".
func scalar(v gjson.Result) string {
	switch v.Type {
	case gjson.String:
		return v.Str
	case gjson.Number:
		return v.Raw
	default:
		return ""
	}
}
