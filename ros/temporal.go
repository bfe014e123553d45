package ros

const nsecPerSec = 1000000000

// normalizeTemporal folds nanosecond overflow into seconds and clamps the
// result into the unsigned 32-bit second range used on the wire.
func normalizeTemporal(sec int64, nsec int64) (uint32, uint32) {
	sec += nsec / nsecPerSec
	nsec %= nsecPerSec
	if nsec < 0 {
		sec--
		nsec += nsecPerSec
	}
	if sec < 0 {
		return 0, 0
	}
	if sec > int64(^uint32(0)) {
		return ^uint32(0), nsecPerSec - 1
	}
	return uint32(sec), uint32(nsec)
}

func cmpUint64(lhs, rhs uint64) int {
	switch {
	case lhs > rhs:
		return 1
	case lhs < rhs:
		return -1
	}
	return 0
}
