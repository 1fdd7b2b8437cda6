package can

// Typical bus bit rates (bit/s).
const (
	BPS1000K = 1000000
	BPS800K  = 800000
	BPS500K  = 500000
	BPS250K  = 250000
	BPS125K  = 125000
	BPS50K   = 50000
	BPS33333 = 33333
	BPS25K   = 25000
	BPS10K   = 10000
	BPS5K    = 5000

	DefaultBaud = BPS250K
)

// SizeListeners is the number of listener objects a controller can hold.
const SizeListeners = 4

// fdLens maps DLC 9..15 onto FD payload sizes.
var fdLens = [...]uint8{12, 16, 20, 24, 32, 48, 64}

// DLCToLen converts a 4-bit data length code to a byte count. Codes 0..8 are
// literal; 9..15 follow the FD table. Larger codes saturate at 64.
func DLCToLen(dlc uint8) uint8 {
	if dlc <= 8 {
		return dlc
	}
	if int(dlc-9) < len(fdLens) {
		return fdLens[dlc-9]
	}
	return MaxLenFD
}

// LenToDLC returns the smallest code whose payload holds n bytes.
func LenToDLC(n uint8) uint8 {
	if n <= 8 {
		return n
	}
	for i, l := range fdLens {
		if n <= l {
			return uint8(9 + i)
		}
	}
	return 15
}

// ValidFDLen reports whether n is a length an FD frame can carry exactly.
func ValidFDLen(n uint8) bool { return n <= MaxLenFD && DLCToLen(LenToDLC(n)) == n }
