package rtsp

import (
	"strconv"
	"strings"
)

// SessionID extracts the session identifier from a Session header value:
// the first whitespace-delimited token, keeping any ;timeout suffix intact.
func SessionID(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// TransportServerPort extracts the server_port parameter from a Transport
// header value. The port runs from "server_port=" to the next ';' or the end
// of the value; a port pair "N-M" yields N.
func TransportServerPort(value string) (int, error) {
	const key = "server_port="

	idx := strings.Index(value, key)
	if idx < 0 {
		return 0, malformed("Transport %q has no server_port", value)
	}

	port := value[idx+len(key):]
	if semi := strings.IndexByte(port, ';'); semi >= 0 {
		port = port[:semi]
	}
	if dash := strings.IndexByte(port, '-'); dash >= 0 {
		port = port[:dash]
	}
	port = strings.TrimSpace(port)

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return 0, malformed("server_port %q", port)
	}
	return n, nil
}
