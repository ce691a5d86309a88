package engine

// isTLSClientHello classifies the first bytes of a tunnel. A TLS connection
// starts with a handshake record: content type 0x16, major version 0x03,
// minor version up to 0x05. Anything else (plain HTTP, WebSocket upgrades,
// unknown binary) is not terminated here.
func isTLSClientHello(b []byte) bool {
	return len(b) >= 3 && b[0] == 0x16 && b[1] == 0x03 && b[2] <= 0x05
}
