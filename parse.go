package main

// Wire-format helpers for the raw-TCP OTA transfer protocol.

// parseInitLine parses "OTA <size> [version]".
func parseInitLine(line []byte) (size uint32, version string, ok bool) {
	line = trimSpace(line)
	if len(line) < 5 || string(line[:4]) != "OTA " {
		return 0, "", false
	}
	rest := line[4:]
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		size = size*10 + uint32(rest[i]-'0')
		i++
	}
	if i == 0 || size == 0 {
		return 0, "", false
	}
	if i < len(rest) && rest[i] == ' ' {
		version = string(trimSpace(rest[i+1:]))
	}
	return size, version, true
}

// parseHex32 parses a hex CRC with or without a 0x prefix.
func parseHex32(b []byte) (uint32, bool) {
	if len(b) > 2 && b[0] == '0' && (b[1] == 'x' || b[1] == 'X') {
		b = b[2:]
	}
	if len(b) == 0 || len(b) > 8 {
		return 0, false
	}
	var v uint32
	for _, c := range b {
		switch {
		case c >= '0' && c <= '9':
			v = v<<4 | uint32(c-'0')
		case c >= 'a' && c <= 'f':
			v = v<<4 | uint32(c-'a'+10)
		case c >= 'A' && c <= 'F':
			v = v<<4 | uint32(c-'A'+10)
		default:
			return 0, false
		}
	}
	return v, true
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && (b[start] == ' ' || b[start] == '\r' || b[start] == '\n') {
		start++
	}
	for end > start && (b[end-1] == ' ' || b[end-1] == '\r' || b[end-1] == '\n') {
		end--
	}
	return b[start:end]
}
