package canalyzer

// fdLengths maps the CAN-FD DLC codes above 8 to payload lengths.
var fdLengths = [...]uint8{
	0x9: 12,
	0xA: 16,
	0xB: 20,
	0xC: 24,
	0xD: 32,
	0xE: 48,
	0xF: 64,
}

// LengthToDLC translates a payload length into its wire DLC code. Lengths up to
// 8 are unchanged, the seven FD lengths map to 0x9..0xF and anything else is
// reported as not ok.
func LengthToDLC(length uint8) (uint8, bool) {
	if length <= 8 {
		return length, true
	}
	for code := uint8(0x9); code <= 0xF; code++ {
		if fdLengths[code] == length {
			return code, true
		}
	}
	return 0, false
}

// DLCToLength is the inverse of LengthToDLC. Codes above 0xF are not ok.
func DLCToLength(code uint8) (uint8, bool) {
	switch {
	case code <= 8:
		return code, true
	case code <= 0xF:
		return fdLengths[code], true
	default:
		return 0, false
	}
}

// ValidLength reports whether length is a valid classic (<=8) length or, for FD
// frames, one of the FD lengths.
func ValidLength(length uint8, fd bool) bool {
	if length <= 8 {
		return true
	}
	if !fd {
		return false
	}
	_, ok := LengthToDLC(length)
	return ok
}
