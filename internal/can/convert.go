package can

// ClassicToFD widens a classic frame into dst. RTR maps onto RRS, FDMode is
// cleared and the classic payload becomes FD word 0; the rest of dst's
// payload is zeroed.
func ClassicToFD(src *Frame, dst *FrameFD) {
	dst.ID = src.ID
	dst.FID = src.FID
	dst.Priority = src.Priority
	dst.Extended = src.Extended
	dst.Time = src.Time
	dst.Length = src.Length
	dst.RRS = src.RTR
	dst.FDMode = false
	dst.Data = PayloadFD{}
	dst.Data.SetWord(0, src.Data)
}

// FDToClassic narrows src into dst. It reports false and leaves dst alone
// when the frame carries more than 8 bytes or is in FD mode. Only word 0 of
// the payload is copied, so this is not an inverse of ClassicToFD.
func FDToClassic(src *FrameFD, dst *Frame) bool {
	if src.Length > MaxLen || src.FDMode {
		return false
	}
	dst.ID = src.ID
	dst.FID = src.FID
	dst.Priority = src.Priority
	dst.Extended = src.Extended
	dst.Time = src.Time
	dst.Length = src.Length
	dst.RTR = src.RRS
	dst.Data = src.Data.Word(0)
	return true
}
